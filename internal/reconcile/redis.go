package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/emilythestrangee/vote-ledger/backend/internal/ledger"
)

const DefaultRedisKey = "ledger:repairs"

// ListClient is the slice of a Redis client the repair queue needs.
type ListClient interface {
	RPush(ctx context.Context, key, value string) error
	// LPop returns ok == false when the list is empty.
	LPop(ctx context.Context, key string) (value string, ok bool, err error)
}

// RedisQueue keeps repairs in a Redis list so they survive restarts and are
// shared between API replicas.
type RedisQueue struct {
	client ListClient
	key    string
}

func NewRedisQueue(client ListClient, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Push(ctx context.Context, r ledger.Repair) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode repair: %w", err)
	}
	if err := q.client.RPush(ctx, q.key, string(payload)); err != nil {
		return fmt.Errorf("push repair: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (ledger.Repair, bool, error) {
	raw, ok, err := q.client.LPop(ctx, q.key)
	if err != nil || !ok {
		return ledger.Repair{}, false, err
	}
	var r ledger.Repair
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return ledger.Repair{}, false, fmt.Errorf("%w %q: %w", ErrMalformedRepair, raw, err)
	}
	return r, true, nil
}

// GoRedis adapts a go-redis client to ListClient.
type GoRedis struct{ c *redis.Client }

func NewGoRedis(addr string) *GoRedis {
	return &GoRedis{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedis) RPush(ctx context.Context, key, value string) error {
	return g.c.RPush(ctx, key, value).Err()
}

func (g *GoRedis) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := g.c.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (g *GoRedis) Ping(ctx context.Context) error { return g.c.Ping(ctx).Err() }

func (g *GoRedis) Close() error { return g.c.Close() }
