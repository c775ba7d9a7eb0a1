package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/storage"
)

type subItem struct {
	sub   model.PushSubscription
	added time.Time
}

// Client — хранилище в памяти для запуска без Redis и для тестов.
type Client struct {
	mu     sync.Mutex
	now    func() time.Time
	typing map[string]map[string]time.Time
	subs   map[string][]subItem
}

var _ storage.Store = (*Client)(nil)

func New() *Client {
	return NewWithClock(time.Now)
}

// NewWithClock позволяет тестам управлять временем.
func NewWithClock(now func() time.Time) *Client {
	return &Client{
		now:    now,
		typing: make(map[string]map[string]time.Time),
		subs:   make(map[string][]subItem),
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetTyping(ctx context.Context, convID, userID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.typing[convID]
	if !ok {
		m = make(map[string]time.Time)
		c.typing[convID] = m
	}
	m[userID] = c.now().Add(ttl)
	return nil
}

func (c *Client) ClearTyping(ctx context.Context, convID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.typing[convID]; ok {
		delete(m, userID)
		if len(m) == 0 {
			delete(c.typing, convID)
		}
	}
	return nil
}

// ListTyping лениво вычищает просроченные записи. Порядок — по времени истечения.
func (c *Client) ListTyping(ctx context.Context, convID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.typing[convID]
	now := c.now()
	type entry struct {
		id  string
		exp time.Time
	}
	live := make([]entry, 0, len(m))
	for id, exp := range m {
		if !exp.After(now) {
			delete(m, id)
			continue
		}
		live = append(live, entry{id, exp})
	}
	if len(m) == 0 {
		delete(c.typing, convID)
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].exp.Equal(live[j].exp) {
			return live[i].id < live[j].id
		}
		return live[i].exp.Before(live[j].exp)
	})
	ids := make([]string, len(live))
	for i, e := range live {
		ids[i] = e.id
	}
	return ids, nil
}

func (c *Client) AddSubscription(ctx context.Context, userID string, sub model.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[userID]
	for i := range list {
		if list[i].sub.Endpoint == sub.Endpoint {
			list[i] = subItem{sub: sub, added: c.now()}
			return nil
		}
	}
	list = append(list, subItem{sub: sub, added: c.now()})
	if len(list) > storage.MaxSubscriptionsPerUser {
		list = list[len(list)-storage.MaxSubscriptionsPerUser:]
	}
	c.subs[userID] = list
	return nil
}

func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.subs[userID]
	kept := list[:0]
	for _, it := range list {
		if it.sub.Endpoint != endpoint {
			kept = append(kept, it)
		}
	}
	if len(kept) == 0 {
		delete(c.subs, userID)
		return nil
	}
	c.subs[userID] = kept
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]model.PushSubscription, 0, len(c.subs[userID]))
	for _, it := range c.subs[userID] {
		if now.Sub(it.added) > storage.SubscriptionTTL {
			continue
		}
		out = append(out, it.sub)
	}
	return out, nil
}
