package chatsync

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Ключи кеша. Мутации инвалидируют ключи, следующее чтение идёт на сервер.
const keyConversations = "conversations"
const keyUsers = "users"

func keyMessages(convID string) string { return "messages:" + convID }
func keyTyping(convID string) string   { return "typing:" + convID }

// Cache — read-through кеш без TTL: значение живёт до Invalidate.
// Параллельные промахи по одному ключу сводятся в один запрос.
type Cache struct {
	mu      sync.Mutex
	entries map[string]any
	gen     map[string]uint64
	epoch   uint64
	group   singleflight.Group
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]any), gen: make(map[string]uint64)}
}

// Get возвращает закешированное значение или вызывает loader.
// Результат загрузки, начатой до Invalidate того же ключа, вызывающему отдаётся, но не сохраняется.
func (c *Cache) Get(ctx context.Context, key string, loader func(context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	if v, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return v, nil
	}
	gen, epoch := c.gen[key], c.epoch
	c.mu.Unlock()

	// generation в ключе полёта: после инвалидации новый Get не присоединяется к устаревшей загрузке
	flight := key + "#" + strconv.FormatUint(epoch, 10) + "." + strconv.FormatUint(gen, 10)
	v, err, _ := c.group.Do(flight, func() (any, error) {
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen[key] == gen && c.epoch == epoch {
			c.entries[key] = v
		}
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

// Peek returns the cached value without loading.
func (c *Cache) Peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *Cache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
		c.gen[k]++
	}
}

// InvalidateAll сбрасывает всё (смена пользователя, переподключение к потоку событий).
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.epoch++
}

func cached[T any](ctx context.Context, c *Cache, key string, load func(context.Context) (T, error)) (T, error) {
	v, err := c.Get(ctx, key, func(ctx context.Context) (any, error) { return load(ctx) })
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
