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
	"github.com/smallbiznis/carebill/internal/observability"
	"github.com/smallbiznis/carebill/internal/observability/exporter"
	"github.com/smallbiznis/carebill/internal/reminder"
	"github.com/smallbiznis/carebill/internal/scheduler"
	"github.com/smallbiznis/carebill/pkg/db"
)

// The sweep worker expects the schema to be migrated by cmd/carebill.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		exporter.Module,

		// Domain services required by the scheduler
		audit.Module,
		invoice.Module,
		ledger.Module,
		escalation.Module,
		reminder.Module,

		// No migrations here
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
