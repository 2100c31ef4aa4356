package reconcile

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	obsmetrics "github.com/smallbiznis/entitlements/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("reconcile",
	fx.Provide(NewRedisClient),
	fx.Provide(New),
	fx.Invoke(func(r *Reconciler, tuning *config.TuningHolder) {
		tuning.Subscribe(r.ApplyTuning)
	}),
)

// NewRedisClient returns nil when no Redis address is configured.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				// Guard errors fail open.
				log.Warn("resync guard redis unreachable", zap.String("addr", addr), zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Tuning  *config.TuningHolder
	Redis   *redis.Client       `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func New(p Params) (*Reconciler, error) {
	settings := p.Tuning.Get().Reconcile

	opts := Options{
		Cooldown:    settings.Cooldown,
		MaxResyncs:  settings.MaxResyncs,
		Tolerance:   settings.CreditTolerance,
		MaxSessions: settings.MaxSessions,
		Clock:       p.Clock,
		Log:         p.Log,
	}
	if p.Redis != nil {
		opts.Guard = NewRedisGuard(p.Redis, "")
	}
	if p.Metrics != nil {
		opts.Recorder = p.Metrics
	}
	return NewReconciler(opts)
}
