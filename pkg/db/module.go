package db

import (
	"context"
	"fmt"

	"github.com/smallbiznis/entitlements/internal/config"
	obslogger "github.com/smallbiznis/entitlements/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprometheus "gorm.io/plugin/prometheus"
)

var Module = fx.Module("db",
	fx.Provide(NewConfig),
	fx.Provide(Open),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Pool      Config
	Log       *zap.Logger
	GormLog   obslogger.GormLoggerConfig `optional:"true"`
}

// Open connects to the primary store with tracing, pool metrics and zap
// query logging attached.
func Open(p Params) (*gorm.DB, error) {
	dialector, err := Dialect(p.Config)
	if err != nil {
		return nil, err
	}

	gormLog := p.GormLog
	if gormLog == (obslogger.GormLoggerConfig{}) {
		gormLog = obslogger.DefaultGormLoggerConfig()
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 obslogger.NewGormLogger(gormLog),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p.Pool.Type, err)
	}

	if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(p.Config.DBName))); err != nil {
		return nil, fmt.Errorf("register otelgorm: %w", err)
	}
	if err := conn.Use(gormprometheus.New(gormprometheus.Config{
		DBName:          p.Config.DBName,
		RefreshInterval: 15,
	})); err != nil {
		return nil, fmt.Errorf("register gorm prometheus: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if p.Pool.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(p.Pool.MaxIdleConn)
	}
	if p.Pool.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(p.Pool.MaxOpenConn)
	}
	if p.Pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(p.Pool.ConnMaxLifetime)
	}
	if p.Pool.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(p.Pool.ConnMaxIdleTime)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := sqlDB.PingContext(ctx); err != nil {
				return fmt.Errorf("ping %s: %w", p.Pool.Type, err)
			}
			p.Log.Info("database connected", zap.String("type", p.Pool.Type))
			return nil
		},
		OnStop: func(context.Context) error {
			return sqlDB.Close()
		},
	})
	return conn, nil
}
