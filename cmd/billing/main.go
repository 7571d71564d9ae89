package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/tatamipay/billing/internal/charge"
	"github.com/tatamipay/billing/internal/clock"
	"github.com/tatamipay/billing/internal/config"
	"github.com/tatamipay/billing/internal/gateway"
	"github.com/tatamipay/billing/internal/invoice"
	"github.com/tatamipay/billing/internal/locks"
	"github.com/tatamipay/billing/internal/migration"
	"github.com/tatamipay/billing/internal/notify"
	obsmetrics "github.com/tatamipay/billing/internal/observability/metrics"
	"github.com/tatamipay/billing/internal/policy"
	"github.com/tatamipay/billing/internal/reconciler"
	"github.com/tatamipay/billing/internal/scheduler"
	"github.com/tatamipay/billing/internal/server"
	"github.com/tatamipay/billing/internal/subscription"
	"github.com/tatamipay/billing/pkg/db"
	"github.com/tatamipay/billing/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		log.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		obsmetrics.Module,
		locks.Module,
		migration.Module,

		// Billing domains
		policy.Module,
		invoice.Module,
		subscription.Module,
		gateway.Module,
		charge.Module,
		reconciler.Module,
		notify.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
