package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlements/internal/cache"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/entitlement"
	"github.com/smallbiznis/entitlements/internal/migration"
	"github.com/smallbiznis/entitlements/internal/observability"
	"github.com/smallbiznis/entitlements/internal/reconcile"
	"github.com/smallbiznis/entitlements/internal/server"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional Domains
		cache.Module,
		reconcile.Module,
		entitlement.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
