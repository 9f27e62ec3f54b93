// Package cache provides the bounded replay store kept per channel.
//
// Every backend keeps events in insertion order, unique by event id. Re-caching an id
// rewrites its frame without moving it. Once the configured length is exceeded the oldest
// entries are evicted. GetSince returns the frames strictly after the given id and nothing
// when the id is unknown.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/webitel/event-stream-service/internal/domain/event"
)

const (
	AdapterMemory = "memory"
	AdapterRedis  = "redis"
	AdapterBolt   = "bolt"
)

var (
	ErrUnknownAdapter = errors.New("unknown cache adapter")
	ErrNoID           = errors.New("event without id cannot be cached")
)

// EventCache is the contract the channel depends on.
type EventCache interface {
	Put(ctx context.Context, ev *event.Event) error
	GetSince(ctx context.Context, lastID string) ([][]byte, error)
	GetAll(ctx context.Context) ([][]byte, error)
	Size(ctx context.Context) (int, error)
	Close() error
}

// Factory opens a cache for one channel.
type Factory interface {
	Open(channel string, adapter string, length int) (EventCache, error)
}

func normalizeAdapter(adapter string) string {
	a := strings.ToLower(strings.TrimSpace(adapter))
	switch a {
	case "", "mem":
		return AdapterMemory
	case "leveldb", "boltdb":
		return AdapterBolt
	}
	return a
}

// frame validates the event for caching and returns its wire form.
func frame(ev *event.Event) ([]byte, error) {
	if ev == nil || ev.ID() == "" {
		return nil, ErrNoID
	}
	b := ev.Serialize()
	if b == nil {
		return nil, fmt.Errorf("cache: %w", event.ErrInvalidEvent)
	}
	return b, nil
}
