package service

import (
	"log/slog"

	"github.com/webitel/event-stream-service/internal/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		fx.Annotate(
			NewIngestService,
			fx.As(new(Ingester)),
		),
	),

	// [DECORATION_LAYER] Intercept Ingester to add cross-cutting concerns
	fx.Decorate(func(orig Ingester, logger *slog.Logger, m *metrics.Metrics) Ingester {
		return NewIngestMiddleware(orig, logger.With("component", "ingest"), m)
	}),
)
