package amqp

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/webitel/event-stream-service/config"
	"github.com/webitel/event-stream-service/internal/adapter/pubsub"
	"github.com/webitel/event-stream-service/internal/metrics"
	"github.com/webitel/event-stream-service/internal/service"
	"go.uber.org/fx"
)

var Module = fx.Module("amqp-handler",
	fx.Provide(
		func(cfg *config.Config, wm watermill.LoggerAdapter) *pubsub.SubscriberProvider {
			return pubsub.NewSubscriberProvider(pubsub.SourceConfig{
				URL:          cfg.AMQP.URL,
				Exchange:     cfg.AMQP.Exchange,
				ExchangeType: cfg.AMQP.ExchangeType,
				RoutingKey:   cfg.AMQP.RoutingKey,
				Queue:        cfg.AMQP.Queue,
				Prefetch:     cfg.AMQP.Prefetch,
			}, wm)
		},
		func(cfg *config.Config, ingest service.Ingester, logger *slog.Logger, m *metrics.Metrics) (*MessageHandler, error) {
			return NewMessageHandler(ingest, logger.With("component", "amqp"), m, cfg.AMQP.DedupSize)
		},
		func(subs *pubsub.SubscriberProvider, h *MessageHandler, logger *slog.Logger, wm watermill.LoggerAdapter) *Source {
			return NewSource(subs, h, logger.With("component", "amqp"), wm)
		},
	),

	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, src *Source, logger *slog.Logger) {
		if !cfg.AMQP.Enabled {
			logger.Info("AMQP_SOURCE_DISABLED")
			return
		}
		lc.Append(fx.Hook{
			OnStart: src.Start,
			OnStop:  src.Stop,
		})
	}),
)
