package chatsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheReadThrough(t *testing.T) {
	c := NewCache()
	var loads atomic.Int32
	load := func(context.Context) (int, error) { return int(loads.Add(1)), nil }

	v, err := cached(context.Background(), c, "k", load)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, _ = cached(context.Background(), c, "k", load)
	assert.Equal(t, 1, v)

	c.Invalidate("k")
	v, _ = cached(context.Background(), c, "k", load)
	assert.Equal(t, 2, v)

	c.InvalidateAll()
	_, ok := c.Peek("k")
	assert.False(t, ok)
}

func TestCacheErrorNotStored(t *testing.T) {
	c := NewCache()
	_, err := cached(context.Background(), c, "k", func(context.Context) (int, error) { return 0, errors.New("boom") })
	require.Error(t, err)
	_, ok := c.Peek("k")
	assert.False(t, ok)
}

func TestCacheDeduplicatesConcurrentLoads(t *testing.T) {
	c := NewCache()
	var loads atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	load := func(context.Context) (int, error) {
		loads.Add(1)
		once.Do(func() { close(started) })
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = cached(context.Background(), c, "k", load)
		}()
	}
	<-started
	close(release)
	wg.Wait()

	assert.Equal(t, []int{7, 7, 7, 7, 7}, results)
	assert.LessOrEqual(t, loads.Load(), int32(5))
	v, ok := c.Peek("k")
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestCacheDropsLoadStartedBeforeInvalidate(t *testing.T) {
	c := NewCache()
	inLoad := make(chan struct{})
	release := make(chan struct{})
	done := make(chan int)
	go func() {
		v, _ := cached(context.Background(), c, "k", func(context.Context) (int, error) {
			close(inLoad)
			<-release
			return 1, nil
		})
		done <- v
	}()
	<-inLoad
	c.Invalidate("k")
	close(release)
	assert.Equal(t, 1, <-done)

	_, ok := c.Peek("k")
	assert.False(t, ok, "stale load must not be stored")

	v, _ := cached(context.Background(), c, "k", func(context.Context) (int, error) { return 2, nil })
	assert.Equal(t, 2, v)
}
