package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/webitel/event-stream-service/internal/domain/event"
)

var _ EventCache = (*Redis)(nil)

// Redis keeps a channel's history in keys sharing one hash tag:
//
//	<prefix>:{<channel>}:order  ZSET  id -> insertion sequence
//	<prefix>:{<channel>}:data   HASH  id -> frame
//	<prefix>:{<channel>}:seq    STRING sequence counter
//
// Eviction runs as a side command after every Put that leaves the ZSET over its bound.
type Redis struct {
	client  redis.UniversalClient
	length  int
	timeout time.Duration

	orderKey string
	dataKey  string
	seqKey   string
}

func NewRedis(client redis.UniversalClient, prefix, channel string, length int, timeout time.Duration) *Redis {
	base := fmt.Sprintf("%s:{%s}", prefix, channel)
	return &Redis{
		client:   client,
		length:   length,
		timeout:  timeout,
		orderKey: base + ":order",
		dataKey:  base + ":data",
		seqKey:   base + ":seq",
	}
}

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Redis) Put(ctx context.Context, ev *event.Event) error {
	b, err := frame(ev)
	if err != nil {
		return err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err = r.client.ZScore(ctx, r.orderKey, ev.ID()).Result()
	switch {
	case err == nil:
		// Known id: rewrite the frame only, the sequence (position) stays.
		return r.client.HSet(ctx, r.dataKey, ev.ID(), b).Err()
	case !errors.Is(err, redis.Nil):
		return fmt.Errorf("redis cache: zscore: %w", err)
	}

	seq, err := r.client.Incr(ctx, r.seqKey).Result()
	if err != nil {
		return fmt.Errorf("redis cache: incr: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.dataKey, ev.ID(), b)
	pipe.ZAdd(ctx, r.orderKey, redis.Z{Score: float64(seq), Member: ev.ID()})
	card := pipe.ZCard(ctx, r.orderKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis cache: put: %w", err)
	}

	if over := card.Val() - int64(r.length); over > 0 {
		return r.evict(ctx, over)
	}
	return nil
}

func (r *Redis) evict(ctx context.Context, n int64) error {
	popped, err := r.client.ZPopMin(ctx, r.orderKey, n).Result()
	if err != nil {
		return fmt.Errorf("redis cache: evict: %w", err)
	}
	if len(popped) == 0 {
		return nil
	}
	ids := make([]string, 0, len(popped))
	for _, z := range popped {
		if id, ok := z.Member.(string); ok {
			ids = append(ids, id)
		}
	}
	if err := r.client.HDel(ctx, r.dataKey, ids...).Err(); err != nil {
		return fmt.Errorf("redis cache: evict data: %w", err)
	}
	return nil
}

func (r *Redis) GetSince(ctx context.Context, lastID string) ([][]byte, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	rank, err := r.client.ZRank(ctx, r.orderKey, lastID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis cache: zrank: %w", err)
	}
	return r.load(ctx, rank+1)
}

func (r *Redis) GetAll(ctx context.Context) ([][]byte, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.load(ctx, 0)
}

func (r *Redis) load(ctx context.Context, from int64) ([][]byte, error) {
	ids, err := r.client.ZRange(ctx, r.orderKey, from, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis cache: zrange: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := r.client.HMGet(ctx, r.dataKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis cache: hmget: %w", err)
	}

	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, []byte(s))
		}
	}
	return out, nil
}

func (r *Redis) Size(ctx context.Context) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.ZCard(ctx, r.orderKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis cache: zcard: %w", err)
	}
	return int(n), nil
}

// Close is a no-op: the client is shared between channels and owned by the Provider.
func (r *Redis) Close() error { return nil }

// Clear drops every key of the channel.
func (r *Redis) Clear(ctx context.Context) error {
	return r.client.Del(ctx, r.orderKey, r.dataKey, r.seqKey).Err()
}
