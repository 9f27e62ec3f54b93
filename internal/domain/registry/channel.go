package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webitel/event-stream-service/internal/cache"
	"github.com/webitel/event-stream-service/internal/domain/event"
	"github.com/webitel/event-stream-service/internal/domain/model"
	"golang.org/x/sync/errgroup"
)

var ErrMethodNotAllowed = errors.New("method not allowed")

// ChannelSettings is the per-channel policy.
type ChannelSettings struct {
	HistoryLength     int
	CacheAdapter      string
	AllowedOrigins    []string
	AllowedPublishers []string
}

// Channel is a named topic: a fixed pool of shards, a replay cache and an access policy.
type Channel struct {
	name     string
	settings ChannelSettings

	// [SERIALIZATION] orders broadcasts and makes replay+registration atomic
	mu     sync.Mutex
	shards []*Shard
	cursor int
	cache  cache.EventCache

	publishers []netip.Prefix

	numBroadcasted atomic.Uint64
	numCacheErrors atomic.Uint64

	cancel context.CancelFunc
	group  *errgroup.Group
	closed sync.Once

	logger *slog.Logger
}

func shardOwner(channel string, id int) string {
	return fmt.Sprintf("%s#%d", channel, id)
}

// ParsePublishers turns CIDR blocks and bare addresses into prefixes.
func ParsePublishers(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, entry := range list {
		entry = strings.TrimSpace(entry)
		if p, err := netip.ParsePrefix(entry); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid publisher %q: %w", entry, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// newChannel starts the channel's shard loops and keep-alive under ctx.
func newChannel(ctx context.Context, name string, settings ChannelSettings, cfg hubConfig, c cache.EventCache, logger *slog.Logger) (*Channel, error) {
	publishers, err := ParsePublishers(settings.AllowedPublishers)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	ch := &Channel{
		name:       name,
		settings:   settings,
		cache:      c,
		publishers: publishers,
		cancel:     cancel,
		group:      g,
		logger:     logger.With("channel", name),
	}

	n := max(cfg.shards, 1)
	ch.shards = make([]*Shard, n)
	for i := range n {
		s := NewShard(name, i, cfg.mailboxSize, ch.logger)
		ch.shards[i] = s
		g.Go(func() error { return s.Run(gctx) })
	}
	if cfg.pingInterval > 0 {
		g.Go(func() error { return ch.keepAlive(gctx, cfg.pingInterval) })
	}
	return ch, nil
}

func (ch *Channel) Name() string              { return ch.name }
func (ch *Channel) Settings() ChannelSettings { return ch.settings }

// CORSOrigin returns the Access-Control-Allow-Origin value for a request origin:
// "*" with no allow-list, the matched entry on a prefix match, "" otherwise.
func (ch *Channel) CORSOrigin(origin string) string {
	if len(ch.settings.AllowedOrigins) == 0 {
		return "*"
	}
	if origin == "" {
		return ""
	}
	for _, allowed := range ch.settings.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return allowed
		}
	}
	return ""
}

// IsAllowedToPublish checks the source address against the publisher ranges.
func (ch *Channel) IsAllowedToPublish(addr netip.Addr) bool {
	if len(ch.publishers) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, p := range ch.publishers {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Subscribe admits a subscriber: answers preflight and wrong methods, otherwise sends
// the stream preamble, replays the cache after the client's last event id and hands
// the connection to the next shard.
func (ch *Channel) Subscribe(ctx context.Context, conn *Connection, req *Request) error {
	cors := ch.CORSOrigin(req.Header.Get("Origin"))

	switch req.Method {
	case http.MethodOptions:
		_, _ = conn.Send(corsPreflight(cors).Bytes())
		conn.Finish()
		return nil
	case http.MethodGet:
	default:
		_, _ = conn.Send(Status(http.StatusMethodNotAllowed).Bytes())
		conn.Finish()
		return ErrMethodNotAllowed
	}

	conn.SetSubscriptions(req.Subscriptions())
	lastID := req.LastEventID()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	shard := ch.shards[ch.cursor]
	if err := conn.Handover(OwnerDispatcher, shard.Owner()); err != nil {
		return err
	}

	if _, err := conn.Send(streamPreamble(cors, req.WantsPreamble())); err != nil {
		return err
	}

	if lastID != "" {
		frames, err := ch.cache.GetSince(ctx, lastID)
		if err != nil {
			ch.numCacheErrors.Add(1)
			ch.logger.Warn("CACHE_REPLAY_FAILED", "last_event_id", lastID, "err", err)
		}
		for _, f := range frames {
			if !conn.IsFilterAcceptable(f) {
				continue
			}
			if _, err := conn.Send(f); err != nil {
				return err
			}
		}
	}

	// [ROUND_ROBIN]
	ch.cursor = (ch.cursor + 1) % len(ch.shards)

	if err := shard.AddClient(ctx, conn); err != nil {
		conn.MarkDead()
		return err
	}
	return nil
}

// BroadcastEvent fans the event out to every shard and then caches it when it has an id.
// Cache failures are logged and never fail the broadcast.
func (ch *Channel) BroadcastEvent(ctx context.Context, ev *event.Event) error {
	frame := ev.Serialize()
	if frame == nil {
		return event.ErrInvalidEvent
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	for _, s := range ch.shards {
		if err := s.Broadcast(ctx, frame); err != nil {
			return err
		}
	}
	ch.numBroadcasted.Add(1)

	if ev.ID() != "" {
		if err := ch.cache.Put(ctx, ev); err != nil {
			ch.numCacheErrors.Add(1)
			ch.logger.Warn("CACHE_PUT_FAILED", "event_id", ev.ID(), "err", err)
		}
	}
	return nil
}

func (ch *Channel) keepAlive(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	frame := []byte(pingFrame)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, s := range ch.shards {
				if !s.TryBroadcast(frame) {
					ch.logger.Debug("PING_SKIPPED_MAILBOX_FULL", "shard", s.id)
				}
			}
		}
	}
}

// Clients is the live subscriber count over all shards.
func (ch *Channel) Clients() int64 {
	var n int64
	for _, s := range ch.shards {
		n += s.numClients.Load()
	}
	return n
}

// Replay returns the cached frames after lastID, or every cached frame when lastID is empty.
func (ch *Channel) Replay(ctx context.Context, lastID string) ([][]byte, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if lastID == "" {
		return ch.cache.GetAll(ctx)
	}
	return ch.cache.GetSince(ctx, lastID)
}

func (ch *Channel) Stats(ctx context.Context) model.ChannelStats {
	st := model.ChannelStats{
		ID:                ch.name,
		BroadcastedEvents: ch.numBroadcasted.Load(),
		CacheSize:         ch.settings.HistoryLength,
		CacheErrors:       ch.numCacheErrors.Load(),
		Shards:            make([]model.ShardStats, 0, len(ch.shards)),
	}
	for _, s := range ch.shards {
		ss := s.Stats()
		st.Clients += ss.Clients
		st.TotalConnects += ss.Connects
		st.TotalDisconnects += ss.Disconnects
		st.ClientErrors += ss.Errors
		st.Shards = append(st.Shards, ss)
	}
	if n, err := ch.cache.Size(ctx); err == nil {
		st.CachedEvents = n
	}
	return st
}

// Close stops the background tasks, closes every subscriber and the cache.
func (ch *Channel) Close() error {
	var err error
	ch.closed.Do(func() {
		ch.cancel()
		err = errors.Join(ch.group.Wait(), ch.cache.Close())
	})
	return err
}
