package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sessionbill/internal/authorization"
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
	"github.com/smallbiznis/sessionbill/internal/server"
	"github.com/smallbiznis/sessionbill/internal/sessionbilling"
	"github.com/smallbiznis/sessionbill/internal/statement"
	"github.com/smallbiznis/sessionbill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		redisclient.Module,
		ratelimit.Module,

		// Functional Domains
		pricing.Module,
		ledger.Module,
		credit.Module,
		sessionbilling.Module,
		provider.Module,
		authorization.Module,
		statement.Module,
		monitor.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
