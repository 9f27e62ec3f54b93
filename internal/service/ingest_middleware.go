package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/webitel/event-stream-service/internal/domain/event"
	"github.com/webitel/event-stream-service/internal/domain/registry"
	"github.com/webitel/event-stream-service/internal/metrics"
	"github.com/webitel/event-stream-service/internal/service/dto"
)

// IngestMiddleware implements [DECORATOR_PATTERN] to add observability
// to ingestion without touching the broadcast path.
type IngestMiddleware struct {
	Next    Ingester
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func NewIngestMiddleware(next Ingester, logger *slog.Logger, m *metrics.Metrics) Ingester {
	return &IngestMiddleware{Next: next, Logger: logger, Metrics: m}
}

func (m *IngestMiddleware) Ingest(ctx context.Context, msg dto.InboundMessage) error {
	start := time.Now()
	err := m.Next.Ingest(ctx, msg)
	m.observe(msg.Source, start, err,
		"routing_key", msg.RoutingKey,
		"trace_id", msg.TraceID,
	)
	return err
}

func (m *IngestMiddleware) Publish(ctx context.Context, source string, ev *event.Event) error {
	start := time.Now()
	err := m.Next.Publish(ctx, source, ev)
	m.observe(source, start, err,
		"channel", ev.Path(),
		"event_id", ev.ID(),
	)
	return err
}

func (m *IngestMiddleware) observe(source string, start time.Time, err error, attrs ...any) {
	if m.Metrics != nil {
		m.Metrics.ObserveIngest(source, start, err)
	}

	attrs = append(attrs, "source", source, "duration_ms", time.Since(start).Milliseconds())
	switch {
	case err == nil:
		m.Logger.Debug("EVENT_BROADCAST", attrs...)
	case errors.Is(err, event.ErrInvalidEvent), errors.Is(err, registry.ErrUnknownChannel):
		// [POLICY_REJECTION] producer-side problem, not a fault of this service
		m.Logger.Info("EVENT_REJECTED", append(attrs, "err", err)...)
	default:
		m.Logger.Error("EVENT_BROADCAST_FAILED", append(attrs, "err", err)...)
	}
}
