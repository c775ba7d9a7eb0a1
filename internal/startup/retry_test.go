package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastBackoff(t *testing.T) {
	t.Helper()
	prevInitial, prevMax := initialBackoff, maxBackoff
	initialBackoff, maxBackoff = time.Millisecond, 4*time.Millisecond
	t.Cleanup(func() { initialBackoff, maxBackoff = prevInitial, prevMax })
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	fastBackoff(t)
	calls := 0
	err := retry(context.Background(), "db connect", time.Second, "test: ", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUp(t *testing.T) {
	fastBackoff(t)
	refused := errors.New("connection refused")
	err := retry(context.Background(), "redis connect", 10*time.Millisecond, "", func(context.Context) error { return refused })
	require.Error(t, err)
	assert.ErrorIs(t, err, refused)
	assert.Contains(t, err.Error(), "gave up")
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	fastBackoff(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retry(ctx, "db connect", time.Minute, "", func(context.Context) error { return errors.New("down") })
	assert.ErrorIs(t, err, context.Canceled)
}
