package cache

import (
	"context"
	"log/slog"

	"github.com/webitel/event-stream-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("cache",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) *Provider {
			return NewProvider(ProviderConfig{
				RedisURL:     cfg.Redis.URL,
				RedisPrefix:  cfg.Redis.Prefix,
				RedisTimeout: cfg.Redis.Timeout,
				BoltPath:     cfg.Bolt.Path,
			}, logger.With("component", "cache"))
		},
		fx.Annotate(
			func(p *Provider) Factory { return p },
			fx.As(new(Factory)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, p *Provider) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return p.Close()
			},
		})
	}),
)
