package config

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Tuning is the hot-reloadable subset of the configuration.
type Tuning struct {
	Cache     CacheSettings     `mapstructure:"cache"`
	Reconcile ReconcileSettings `mapstructure:"reconcile"`
}

// TuningHolder keeps the current Tuning and notifies subscribers on reload.
type TuningHolder struct {
	current atomic.Value // holds Tuning

	mu        sync.Mutex
	listeners []func(Tuning)
}

// NewStaticTuningHolder returns a holder that never reloads.
func NewStaticTuningHolder(t Tuning) *TuningHolder {
	holder := &TuningHolder{}
	holder.current.Store(t.normalize())
	return holder
}

// NewTuningHolder reads entitlements.yml when present, falling back to the
// environment-derived values in cfg, and watches the file for changes.
func NewTuningHolder(cfg Config, log *zap.Logger) (*TuningHolder, error) {
	defaults := Tuning{Cache: cfg.Cache, Reconcile: cfg.Reconcile}

	v := viper.New()
	v.SetConfigName(cfg.TuningFile)
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/entitlements")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ENTITLEMENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("cache.maxSize", defaults.Cache.MaxSize)
	v.SetDefault("cache.defaultTTL", defaults.Cache.DefaultTTL)
	v.SetDefault("cache.sweepInterval", defaults.Cache.SweepInterval)
	v.SetDefault("reconcile.cooldown", defaults.Reconcile.Cooldown)
	v.SetDefault("reconcile.maxResyncs", defaults.Reconcile.MaxResyncs)
	v.SetDefault("reconcile.creditTolerance", defaults.Reconcile.CreditTolerance)
	v.SetDefault("reconcile.maxSessions", defaults.Reconcile.MaxSessions)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	var tuning Tuning
	if err := v.Unmarshal(&tuning); err != nil {
		return nil, err
	}
	if err := validateTuning(tuning); err != nil {
		return nil, err
	}

	holder := &TuningHolder{}
	holder.current.Store(tuning.normalize())

	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Tuning
		if err := v.Unmarshal(&updated); err != nil {
			log.Warn("tuning reload failed", zap.Error(err))
			return
		}
		if err := validateTuning(updated); err != nil {
			log.Warn("invalid tuning ignored", zap.Error(err))
			return
		}
		holder.update(updated)
		log.Info("tuning reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *TuningHolder) Get() Tuning {
	return h.current.Load().(Tuning)
}

// Subscribe registers fn to run after every successful reload.
func (h *TuningHolder) Subscribe(fn func(Tuning)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

func (h *TuningHolder) update(t Tuning) {
	t = t.normalize()
	h.current.Store(t)

	h.mu.Lock()
	listeners := append([]func(Tuning){}, h.listeners...)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(t)
	}
}

func (t Tuning) normalize() Tuning {
	t.Cache = t.Cache.WithDefaults()
	t.Reconcile = t.Reconcile.WithDefaults()
	return t
}

func validateTuning(t Tuning) error {
	if t.Cache.MaxSize < 0 {
		return errors.New("cache.maxSize cannot be negative")
	}
	if t.Cache.DefaultTTL < 0 {
		return errors.New("cache.defaultTTL cannot be negative")
	}
	if t.Reconcile.MaxResyncs < 0 {
		return errors.New("reconcile.maxResyncs cannot be negative")
	}
	return nil
}
