package pgnotify

import (
	"log/slog"

	"github.com/webitel/event-stream-service/config"
	"github.com/webitel/event-stream-service/internal/metrics"
	"github.com/webitel/event-stream-service/internal/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pgnotify",
	fx.Provide(func(cfg *config.Config, ingest service.Ingester, logger *slog.Logger, m *metrics.Metrics) *Listener {
		return NewListener(cfg.Postgres.DSN, cfg.Postgres.Channels, ingest, logger.With("component", "pgnotify"), m)
	}),
	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, l *Listener) {
		if !cfg.Postgres.Enabled {
			return
		}
		lc.Append(fx.Hook{
			OnStart: l.Start,
			OnStop:  l.Stop,
		})
	}),
)
