package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/storage"
)

const (
	typingKeyPrefix = "typing:"
	pushKeyPrefix   = "push:subs:"
)

type Client struct {
	cli *redis.Client
	now func() time.Time
}

var _ storage.Store = (*Client)(nil)

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli, now: time.Now}, nil
}

// NewFromClient оборачивает готовый клиент (тесты, общий пул).
func NewFromClient(cli *redis.Client) *Client {
	return &Client{cli: cli, now: time.Now}
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping проверяет доступность Redis (health).
func (c *Client) Ping(ctx context.Context) error {
	return c.cli.Ping(ctx).Err()
}

// SetTyping кладёт userID в ZSET typing:{convID} со score = момент истечения (unix ms).
// TTL ключа обновляется, чтобы брошенные беседы не оставляли мусор.
func (c *Client) SetTyping(ctx context.Context, convID, userID string, ttl time.Duration) error {
	key := typingKeyPrefix + convID
	exp := c.now().Add(ttl).UnixMilli()
	pipe := c.cli.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(exp), Member: userID})
	pipe.Expire(ctx, key, 2*ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.SetTyping: %w", err)
	}
	return nil
}

func (c *Client) ClearTyping(ctx context.Context, convID, userID string) error {
	if err := c.cli.ZRem(ctx, typingKeyPrefix+convID, userID).Err(); err != nil {
		return fmt.Errorf("redis.ClearTyping: %w", err)
	}
	return nil
}

// ListTyping удаляет просроченные записи и возвращает оставшиеся.
func (c *Client) ListTyping(ctx context.Context, convID string) ([]string, error) {
	key := typingKeyPrefix + convID
	now := strconv.FormatInt(c.now().UnixMilli(), 10)
	pipe := c.cli.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", now)
	members := pipe.ZRange(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis.ListTyping: %w", err)
	}
	ids, err := members.Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis.ListTyping: %w", err)
	}
	return ids, nil
}

// AddSubscription хранит подписки в хэше push:subs:{userID} (endpoint -> JSON).
func (c *Client) AddSubscription(ctx context.Context, userID string, sub model.PushSubscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("redis.AddSubscription encode: %w", err)
	}
	key := pushKeyPrefix + userID
	n, err := c.cli.HLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis.AddSubscription: %w", err)
	}
	if n >= storage.MaxSubscriptionsPerUser {
		exists, err := c.cli.HExists(ctx, key, sub.Endpoint).Result()
		if err != nil {
			return fmt.Errorf("redis.AddSubscription: %w", err)
		}
		if !exists {
			// Самое старое устройство не отследить в хэше; вытесняем произвольное.
			fields, err := c.cli.HKeys(ctx, key).Result()
			if err == nil && len(fields) > 0 {
				c.cli.HDel(ctx, key, fields[0])
			}
		}
	}
	pipe := c.cli.TxPipeline()
	pipe.HSet(ctx, key, sub.Endpoint, string(raw))
	pipe.Expire(ctx, key, storage.SubscriptionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.AddSubscription: %w", err)
	}
	return nil
}

func (c *Client) RemoveSubscription(ctx context.Context, userID, endpoint string) error {
	if err := c.cli.HDel(ctx, pushKeyPrefix+userID, endpoint).Err(); err != nil {
		return fmt.Errorf("redis.RemoveSubscription: %w", err)
	}
	return nil
}

func (c *Client) Subscriptions(ctx context.Context, userID string) ([]model.PushSubscription, error) {
	vals, err := c.cli.HVals(ctx, pushKeyPrefix+userID).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis.Subscriptions: %w", err)
	}
	subs := make([]model.PushSubscription, 0, len(vals))
	for _, v := range vals {
		var sub model.PushSubscription
		if json.Unmarshal([]byte(v), &sub) == nil && sub.Endpoint != "" {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}
