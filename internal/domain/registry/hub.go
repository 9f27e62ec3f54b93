/*
Package registry is the channel, connection and shard engine of the event stream.

Key Architectural Concepts:
  - Channels: every named topic owns a fixed pool of shards, a bounded replay cache and an
    access policy. Channels live as long as the Hub.
  - Shards: each shard is an actor owning a partition of the channel's subscribers. Its
    connection set is mutated only by its own loop.
  - Backpressure: Connection.Send never blocks. Bytes the kernel does not accept stay queued
    per connection and drain when the socket becomes writable.
  - Ownership: a connection is driven by the dispatcher during its handshake and by exactly
    one shard afterwards. Handover asserts the previous owner.
*/
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/webitel/event-stream-service/internal/cache"
	"github.com/webitel/event-stream-service/internal/domain/event"
	"github.com/webitel/event-stream-service/internal/domain/model"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrHubClosed      = errors.New("hub is shut down")
)

// Hubber defines the gateway for channel lookup and event routing.
type Hubber interface {
	Broadcast(ctx context.Context, ev *event.Event) error
	PublishRaw(ctx context.Context, routingKey string, payload []byte) error
	Declare(name string, s ChannelSettings) (*Channel, error)
	Lookup(name string) (*Channel, bool)
	Resolve(name string) (*Channel, error)
	Stats(ctx context.Context) model.HubStats
	Shutdown()
}

var _ Hubber = (*Hub)(nil)

// Hub implements a [SCALABLE_REGISTRY] of channels.
type Hub struct {
	// channels stores Map[string]*Channel. Optimized for [READ_HEAVY] workloads.
	channels sync.Map
	// createMu serializes lazy creation; lookups never take it.
	createMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	config    hubConfig
	caches    cache.Factory
	logger    *slog.Logger
	startedAt time.Time
}

func NewHub(caches cache.Factory, logger *slog.Logger, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		ctx:    ctx,
		cancel: cancel,
		config: hubConfig{
			shards:       5,
			pingInterval: 5 * time.Second,
			mailboxSize:  1024,
			defaults:     ChannelSettings{HistoryLength: 500, CacheAdapter: cache.AdapterMemory},
		},
		caches:    caches,
		logger:    logger,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Declare creates a channel from static configuration. Declaring an existing channel
// returns it unchanged.
func (h *Hub) Declare(name string, s ChannelSettings) (*Channel, error) {
	return h.create(event.NormalizePath(name), s)
}

func (h *Hub) Lookup(name string) (*Channel, bool) {
	if val, ok := h.channels.Load(event.NormalizePath(name)); ok {
		return val.(*Channel), true
	}
	return nil, false
}

// Resolve returns the channel, creating it with the default policy when undeclared
// channels are allowed.
func (h *Hub) Resolve(name string) (*Channel, error) {
	name = event.NormalizePath(name)
	if ch, ok := h.Lookup(name); ok {
		return ch, nil
	}
	if !h.config.allowUndefined || name == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return h.create(name, h.config.defaults)
}

func (h *Hub) create(name string, s ChannelSettings) (*Channel, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrUnknownChannel)
	}

	h.createMu.Lock()
	defer h.createMu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	// [DOUBLE_CHECK] another caller may have won the race
	if val, ok := h.channels.Load(name); ok {
		return val.(*Channel), nil
	}

	c, err := h.caches.Open(name, s.CacheAdapter, s.HistoryLength)
	if err != nil {
		// the cache is best-effort: fall back to memory rather than refuse the channel
		h.logger.Error("CACHE_OPEN_FAILED", "channel", name, "adapter", s.CacheAdapter, "err", err)
		c = cache.NewMemory(s.HistoryLength)
	}

	ch, err := newChannel(h.ctx, name, s, h.config, c, h.logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	h.channels.Store(name, ch)

	h.logger.Info("CHANNEL_CREATED",
		"channel", name,
		"shards", len(ch.shards),
		"history", s.HistoryLength,
		"cache", s.CacheAdapter,
	)
	return ch, nil
}

// Broadcast routes the event to its channel.
func (h *Hub) Broadcast(ctx context.Context, ev *event.Event) error {
	if !ev.Valid() {
		return event.ErrInvalidEvent
	}
	ch, err := h.Resolve(ev.Path())
	if err != nil {
		return err
	}
	return ch.BroadcastEvent(ctx, ev)
}

// PublishRaw is the event source entry point: the payload is parsed as an event and
// the routing key stands in for a missing path.
func (h *Hub) PublishRaw(ctx context.Context, routingKey string, payload []byte) error {
	ev, err := event.Parse(payload, routingKey)
	if err != nil {
		return err
	}
	return h.Broadcast(ctx, ev)
}

// Channels lists the channels sorted by name.
func (h *Hub) Channels() []*Channel {
	var out []*Channel
	h.channels.Range(func(_, val any) bool {
		out = append(out, val.(*Channel))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (h *Hub) Stats(ctx context.Context) model.HubStats {
	var st model.HubStats
	for _, ch := range h.Channels() {
		cs := ch.Stats(ctx)
		st.Global.Clients += cs.Clients
		st.Global.BroadcastedEvents += cs.BroadcastedEvents
		st.Global.ChannelConnects += cs.TotalConnects
		st.Global.ChannelDisconnects += cs.TotalDisconnects
		st.Global.ChannelClientErrors += cs.ClientErrors
		st.Channels = append(st.Channels, cs)
	}
	st.Global.Channels = len(st.Channels)
	st.Global.Uptime = time.Since(h.startedAt)
	return st
}

// Shutdown stops every channel and closes all subscriber connections.
func (h *Hub) Shutdown() {
	h.createMu.Lock()
	h.closed = true
	h.createMu.Unlock()

	h.cancel()
	for _, ch := range h.Channels() {
		if err := ch.Close(); err != nil {
			h.logger.Warn("CHANNEL_CLOSE_FAILED", "channel", ch.name, "err", err)
		}
	}
}
