package cmd

import (
	"log/slog"

	"github.com/webitel/event-stream-service/config"
	"github.com/webitel/event-stream-service/internal/cache"
	"github.com/webitel/event-stream-service/internal/domain/registry"
	"github.com/webitel/event-stream-service/internal/handler/admin"
	amqpdi "github.com/webitel/event-stream-service/internal/handler/amqp"
	"github.com/webitel/event-stream-service/internal/handler/pgnotify"
	"github.com/webitel/event-stream-service/internal/handler/sse"
	"github.com/webitel/event-stream-service/internal/metrics"
	"github.com/webitel/event-stream-service/internal/service"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		appOptions(cfg),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
	)
}

// appOptions is the whole graph. Stop hooks run in reverse: admin, dispatcher, sources,
// hub, then the cache backends.
func appOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
		),
		fx.Invoke(WatchConfig),
		cache.Module,
		registry.Module,
		metrics.Module,
		service.Module,
		amqpdi.Module,
		pgnotify.Module,
		sse.Module,
		admin.Module,
	)
}
