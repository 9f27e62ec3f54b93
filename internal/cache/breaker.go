package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"github.com/webitel/event-stream-service/internal/domain/event"
)

var _ EventCache = (*Breaker)(nil)

// Breaker wraps a networked backend so an unavailable store fails fast instead of
// adding its timeout to every broadcast on the channel.
type Breaker struct {
	next EventCache
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(name string, next EventCache, logger *slog.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("CACHE_BREAKER_STATE_CHANGED",
				"cache", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) Put(ctx context.Context, ev *event.Event) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Put(ctx, ev)
	})
	return err
}

func (b *Breaker) GetSince(ctx context.Context, lastID string) ([][]byte, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.GetSince(ctx, lastID)
	})
	if err != nil {
		return nil, err
	}
	return res.([][]byte), nil
}

func (b *Breaker) GetAll(ctx context.Context) ([][]byte, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.GetAll(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.([][]byte), nil
}

func (b *Breaker) Size(ctx context.Context) (int, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Size(ctx)
	})
	if err != nil {
		return 0, err
	}
	return res.(int), nil
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) Close() error { return b.next.Close() }
