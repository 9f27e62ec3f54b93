package registry

import (
	"context"
	"log/slog"

	"github.com/webitel/event-stream-service/config"
	"github.com/webitel/event-stream-service/internal/cache"
	"go.uber.org/fx"
)

func settingsFrom(c config.ChannelConfig) ChannelSettings {
	return ChannelSettings{
		HistoryLength:     c.HistoryLength,
		CacheAdapter:      c.CacheAdapter,
		AllowedOrigins:    c.AllowedOrigins,
		AllowedPublishers: c.AllowedPublishers,
	}
}

var Module = fx.Module("registry",
	fx.Provide(
		// [CLEAN_INJECTION] Configure Hub using Functional Options
		func(cfg *config.Config, caches cache.Factory, logger *slog.Logger) *Hub {
			return NewHub(caches, logger.With("component", "hub"),
				WithShards(cfg.Server.ThreadsPerChannel),
				WithPingInterval(cfg.Server.PingInterval),
				WithMailboxSize(cfg.Server.MailboxSize),
				WithUndefinedChannels(cfg.Server.AllowUndefinedChannels),
				WithDefaults(settingsFrom(cfg.ChannelDefaults())),
			)
		},
		fx.Annotate(
			func(h *Hub) Hubber { return h },
			fx.As(new(Hubber)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, h *Hub) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				for _, c := range cfg.Channels {
					if _, err := h.Declare(c.Path, settingsFrom(cfg.Resolve(c))); err != nil {
						return err
					}
				}
				return nil
			},
			OnStop: func(ctx context.Context) error {
				h.Shutdown() // [GRACEFUL_SHUTDOWN] Stop all shard loops and close subscribers
				return nil
			},
		})
	}),
)
