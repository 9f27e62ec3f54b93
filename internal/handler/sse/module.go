package sse

import (
	"context"
	"log/slog"
	"net"
	"strconv"

	"github.com/webitel/event-stream-service/config"
	"github.com/webitel/event-stream-service/internal/domain/registry"
	"github.com/webitel/event-stream-service/internal/metrics"
	"github.com/webitel/event-stream-service/internal/service"
	"go.uber.org/fx"
)

func configFrom(cfg *config.Config) Config {
	s := cfg.Server
	return Config{
		Addr:             net.JoinHostPort(s.BindIP, strconv.Itoa(s.Port)),
		Acceptors:        s.Acceptors,
		EnablePost:       s.EnablePost,
		MaxRequestSize:   s.MaxRequestSize,
		MaxPostSize:      s.MaxPostSize,
		MaxSendBuffer:    s.MaxSendBuffer,
		HandshakeTimeout: s.HandshakeTimeout,
	}
}

var Module = fx.Module("sse",
	fx.Provide(
		func(cfg *config.Config, hub registry.Hubber, ingest service.Ingester, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
			return NewDispatcher(configFrom(cfg), hub, ingest, logger.With("component", "sse"), m)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, d *Dispatcher) {
		lc.Append(fx.Hook{
			OnStart: d.Start,
			OnStop: func(ctx context.Context) error {
				// [DRAIN] stop accepting before the hub closes its subscribers
				return d.Stop(ctx)
			},
		})
	}),
)
