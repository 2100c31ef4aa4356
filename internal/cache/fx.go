package cache

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("cache",
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Tuning  *config.TuningHolder
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func New(p Params) (*SubscriptionCache, error) {
	settings := p.Tuning.Get().Cache

	var recorder Recorder
	if p.Metrics != nil {
		recorder = p.Metrics
	}

	return NewSubscriptionCache(Options{
		MaxSize:       settings.MaxSize,
		DefaultTTL:    settings.DefaultTTL,
		SweepInterval: settings.SweepInterval,
		Clock:         p.Clock,
		Log:           p.Log,
		Recorder:      recorder,
	})
}

func registerLifecycle(lc fx.Lifecycle, c *SubscriptionCache, tuning *config.TuningHolder, cfg config.Config, log *zap.Logger) error {
	tuning.Subscribe(c.ApplyTuning)

	collector := NewCollector(c, cfg.AppName)
	if err := prometheus.Register(collector); err != nil {
		log.Warn("cache collector not registered", zap.Error(err))
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			prometheus.Unregister(collector)
			c.Destroy()
			return nil
		},
	})
	return nil
}
