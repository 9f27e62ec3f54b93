// Package pgnotify feeds Postgres NOTIFY payloads into the hub. The notification channel name
// is the routing key, so `NOTIFY news, '{"data":"x"}'` reaches subscribers of /news.
package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/webitel/event-stream-service/internal/domain/event"
	"github.com/webitel/event-stream-service/internal/domain/registry"
	"github.com/webitel/event-stream-service/internal/metrics"
	"github.com/webitel/event-stream-service/internal/service"
	"github.com/webitel/event-stream-service/internal/service/dto"
)

const (
	reconnectBackoff    = time.Second
	reconnectBackoffMax = 30 * time.Second
)

type Listener struct {
	dsn      string
	channels []string
	ingest   service.Ingester
	logger   *slog.Logger
	metrics  *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
	ready  chan struct{}
}

func NewListener(dsn string, channels []string, ingest service.Ingester, logger *slog.Logger, m *metrics.Metrics) *Listener {
	return &Listener{
		dsn:      dsn,
		channels: channels,
		ingest:   ingest,
		logger:   logger,
		metrics:  m,
		ready:    make(chan struct{}),
	}
}

func (l *Listener) Start(context.Context) error {
	if len(l.channels) == 0 {
		return errors.New("pgnotify: no channels to listen on")
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx)
	return nil
}

func (l *Listener) Stop(ctx context.Context) error {
	if l.cancel == nil {
		return nil
	}
	l.cancel()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready is closed after the first successful LISTEN.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	backoff := reconnectBackoff
	for {
		err := l.listen(ctx, func() { backoff = reconnectBackoff })
		if ctx.Err() != nil {
			return
		}
		l.logger.Warn("PG_LISTEN_FAILED", "err", err, "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, reconnectBackoffMax)
	}
}

// listen holds one connection until it fails or ctx ends.
func (l *Listener) listen(ctx context.Context, connected func()) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	for _, ch := range l.channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("LISTEN %s: %w", ch, err)
		}
	}
	connected()
	l.markReady()
	l.logger.Info("PG_LISTEN_READY", "channels", l.channels)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.deliver(ctx, n)
	}
}

// deliver hands one notification to the hub. Ingest logs its own failures; one bad payload
// must not drop the connection.
func (l *Listener) deliver(ctx context.Context, n *pgconn.Notification) {
	err := l.ingest.Ingest(ctx, dto.InboundMessage{
		Source:     dto.SourcePostgres,
		RoutingKey: n.Channel,
		Payload:    []byte(n.Payload),
		TraceID:    strconv.FormatUint(uint64(n.PID), 10),
	})
	switch {
	case err == nil:
		l.metrics.ObserveSource(dto.SourcePostgres, "ok")
	case errors.Is(err, event.ErrInvalidEvent), errors.Is(err, registry.ErrUnknownChannel):
		l.metrics.ObserveSource(dto.SourcePostgres, "rejected")
	default:
		l.metrics.ObserveSource(dto.SourcePostgres, "error")
	}
}

func (l *Listener) markReady() {
	select {
	case <-l.ready:
	default:
		close(l.ready)
	}
}

// Notify sends payload on channel through conn. Producers in Go can use it in place of raw SQL.
func Notify(ctx context.Context, conn *pgx.Conn, channel string, payload []byte) error {
	_, err := conn.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload))
	return err
}
