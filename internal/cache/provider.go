package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"
)

var _ Factory = (*Provider)(nil)

// ProviderConfig carries the connection settings of the shared backends.
type ProviderConfig struct {
	RedisURL     string
	RedisPrefix  string
	RedisTimeout time.Duration
	BoltPath     string
}

// Provider opens per-channel caches and owns the clients they share.
// Backends are connected lazily, on the first channel that selects them.
type Provider struct {
	cfg    ProviderConfig
	logger *slog.Logger

	mu    sync.Mutex
	redis redis.UniversalClient
	bolt  *bolt.DB
}

func NewProvider(cfg ProviderConfig, logger *slog.Logger) *Provider {
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = "ess"
	}
	if cfg.BoltPath == "" {
		cfg.BoltPath = "events.db"
	}
	return &Provider{cfg: cfg, logger: logger}
}

// Open returns the cache for a channel using the named adapter.
func (p *Provider) Open(channel, adapter string, length int) (EventCache, error) {
	switch normalizeAdapter(adapter) {
	case AdapterMemory:
		return NewMemory(length), nil

	case AdapterRedis:
		client, err := p.redisClient()
		if err != nil {
			return nil, err
		}
		c := NewRedis(client, p.cfg.RedisPrefix, channel, length, p.cfg.RedisTimeout)
		return NewBreaker("redis:"+channel, c, p.logger), nil

	case AdapterBolt:
		db, err := p.boltDB()
		if err != nil {
			return nil, err
		}
		return NewBolt(db, channel, length)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAdapter, adapter)
}

func (p *Provider) redisClient() (redis.UniversalClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.redis != nil {
		return p.redis, nil
	}
	if p.cfg.RedisURL == "" {
		return nil, errors.New("redis cache: redis.url is not configured")
	}

	opts, err := redis.ParseURL(p.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: parse url: %w", err)
	}
	p.redis = redis.NewClient(opts)

	// The client dials lazily; an unreachable server only degrades replay.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.redis.Ping(ctx).Err(); err != nil {
		p.logger.Warn("REDIS_UNREACHABLE", "err", err)
	}
	return p.redis, nil
}

func (p *Provider) boltDB() (*bolt.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bolt != nil {
		return p.bolt, nil
	}
	db, err := OpenBoltDB(p.cfg.BoltPath)
	if err != nil {
		return nil, err
	}
	p.bolt = db
	return db, nil
}

// Close releases the shared clients.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.redis != nil {
		errs = append(errs, p.redis.Close())
		p.redis = nil
	}
	if p.bolt != nil {
		errs = append(errs, p.bolt.Close())
		p.bolt = nil
	}
	return errors.Join(errs...)
}
