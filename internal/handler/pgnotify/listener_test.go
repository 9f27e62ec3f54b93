package pgnotify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/event-stream-service/internal/domain/event"
	"github.com/webitel/event-stream-service/internal/domain/registry"
	"github.com/webitel/event-stream-service/internal/metrics"
	"github.com/webitel/event-stream-service/internal/service/dto"
)

type recorder struct {
	mu   sync.Mutex
	msgs []dto.InboundMessage
	err  error
}

func (r *recorder) Ingest(_ context.Context, msg dto.InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return r.err
}

func (r *recorder) Publish(context.Context, string, *event.Event) error { return nil }

func (r *recorder) received() []dto.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dto.InboundMessage(nil), r.msgs...)
}

func TestStartRequiresChannels(t *testing.T) {
	l := NewListener("postgres://unused", nil, &recorder{}, slog.New(slog.DiscardHandler), nil)
	assert.Error(t, l.Start(context.Background()))
	assert.NoError(t, l.Stop(context.Background()))
}

func TestDeliverCountsOutcome(t *testing.T) {
	m := metrics.New()
	rec := &recorder{}
	l := NewListener("postgres://unused", []string{"news"}, rec, slog.New(slog.DiscardHandler), m)
	n := &pgconn.Notification{PID: 42, Channel: "news", Payload: `{"data":"x"}`}

	l.deliver(context.Background(), n)
	rec.err = registry.ErrUnknownChannel
	l.deliver(context.Background(), n)
	rec.err = errors.New("boom")
	l.deliver(context.Background(), n)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceMessages.WithLabelValues(dto.SourcePostgres, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceMessages.WithLabelValues(dto.SourcePostgres, "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceMessages.WithLabelValues(dto.SourcePostgres, "error")))
	require.Len(t, rec.received(), 3)
	assert.Equal(t, "42", rec.received()[0].TraceID)
}

func TestStopWhileUnreachable(t *testing.T) {
	l := NewListener("postgres://nobody@127.0.0.1:1/none?connect_timeout=1", []string{"news"}, &recorder{}, slog.New(slog.DiscardHandler), nil)
	require.NoError(t, l.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	assert.NoError(t, l.Stop(ctx))

	select {
	case <-l.Ready():
		t.Fatal("listener reported ready without a database")
	default:
	}
}

func TestListenerAgainstPostgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	rec := &recorder{}
	l := NewListener(dsn, []string{"ess_news"}, rec, slog.New(slog.DiscardHandler), nil)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(context.Background()) })

	select {
	case <-l.Ready():
	case <-time.After(10 * time.Second):
		t.Fatal("listener not ready")
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dsn)
	require.NoError(t, err)
	defer conn.Close(ctx)
	require.NoError(t, Notify(ctx, conn, "ess_news", []byte(`{"id":"1","data":"x"}`)))

	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, 5*time.Second, 20*time.Millisecond)
	got := rec.received()[0]
	assert.Equal(t, dto.SourcePostgres, got.Source)
	assert.Equal(t, "ess_news", got.RoutingKey)
	assert.JSONEq(t, `{"id":"1","data":"x"}`, string(got.Payload))
}
