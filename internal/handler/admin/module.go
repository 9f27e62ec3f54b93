package admin

import (
	"log/slog"

	"github.com/webitel/event-stream-service/config"
	"github.com/webitel/event-stream-service/internal/handler/sse"
	"github.com/webitel/event-stream-service/internal/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("admin",
	fx.Provide(func(cfg *config.Config, d *sse.Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Server {
		return NewServer(cfg.Admin.Addr, NewRouter(d, m.Handler()), logger.With("component", "admin"))
	}),
	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, s *Server) {
		if !cfg.Admin.Enabled {
			return
		}
		lc.Append(fx.Hook{
			OnStart: s.Start,
			OnStop:  s.Stop,
		})
	}),
)
