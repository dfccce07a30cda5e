package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/revara/internal/clock"
	"github.com/smallbiznis/revara/internal/config"
	"github.com/smallbiznis/revara/internal/coupon"
	"github.com/smallbiznis/revara/internal/credit"
	"github.com/smallbiznis/revara/internal/currency"
	"github.com/smallbiznis/revara/internal/customer"
	"github.com/smallbiznis/revara/internal/events"
	"github.com/smallbiznis/revara/internal/invoice"
	"github.com/smallbiznis/revara/internal/migration"
	"github.com/smallbiznis/revara/internal/observability"
	"github.com/smallbiznis/revara/internal/payment"
	"github.com/smallbiznis/revara/internal/refund"
	"github.com/smallbiznis/revara/internal/scheduler"
	"github.com/smallbiznis/revara/internal/subscription"
	"github.com/smallbiznis/revara/internal/tax"
	"github.com/smallbiznis/revara/internal/vendorcost"
	"github.com/smallbiznis/revara/pkg/db"
	"github.com/smallbiznis/revara/pkg/log"
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
		observability.Module,
		migration.Module,
		events.Module,

		// Billing domains
		customer.Module,
		currency.Module,
		tax.Module,
		coupon.Module,
		invoice.Module,
		credit.Module,
		payment.Module,
		refund.Module,
		vendorcost.Module,
		subscription.Module,

		// Background sweeps
		scheduler.Module,
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
