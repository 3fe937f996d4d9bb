package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/smallbiznis/carebill/internal/audit"
	"github.com/smallbiznis/carebill/internal/clock"
	"github.com/smallbiznis/carebill/internal/config"
	"github.com/smallbiznis/carebill/internal/escalation"
	"github.com/smallbiznis/carebill/internal/invoice"
	"github.com/smallbiznis/carebill/internal/ledger"
	"github.com/smallbiznis/carebill/internal/migration"
	"github.com/smallbiznis/carebill/internal/observability"
	"github.com/smallbiznis/carebill/internal/observability/exporter"
	"github.com/smallbiznis/carebill/internal/reminder"
	"github.com/smallbiznis/carebill/internal/scheduler"
	"github.com/smallbiznis/carebill/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		exporter.Module,

		// Billing domains
		audit.Module,
		invoice.Module,
		ledger.Module,
		escalation.Module,
		reminder.Module,

		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
