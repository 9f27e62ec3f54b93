package metrics

import (
	"github.com/webitel/event-stream-service/internal/domain/registry"
	"go.uber.org/fx"
)

var Module = fx.Module("metrics",
	fx.Provide(New),
	fx.Invoke(func(m *Metrics, hub registry.Hubber) error {
		return m.RegisterHub(hub)
	}),
)
