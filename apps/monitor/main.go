package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sessionbill/internal/clock"
	"github.com/smallbiznis/sessionbill/internal/config"
	"github.com/smallbiznis/sessionbill/internal/credit"
	"github.com/smallbiznis/sessionbill/internal/ledger"
	"github.com/smallbiznis/sessionbill/internal/migration"
	"github.com/smallbiznis/sessionbill/internal/monitor"
	"github.com/smallbiznis/sessionbill/internal/observability"
	"github.com/smallbiznis/sessionbill/internal/pricing"
	"github.com/smallbiznis/sessionbill/internal/provider"
	"github.com/smallbiznis/sessionbill/internal/ratelimit"
	"github.com/smallbiznis/sessionbill/internal/redisclient"
	"github.com/smallbiznis/sessionbill/internal/sessionbilling"
	"github.com/smallbiznis/sessionbill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		redisclient.Module,

		// Domain services required by the monitor
		ratelimit.Module,
		pricing.Module,
		ledger.Module,
		credit.Module,
		sessionbilling.Module,
		provider.Module,

		// No server module!
		monitor.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
