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
	"github.com/smallbiznis/revara/internal/observability"
	"github.com/smallbiznis/revara/internal/payment"
	"github.com/smallbiznis/revara/internal/scheduler"
	"github.com/smallbiznis/revara/internal/subscription"
	"github.com/smallbiznis/revara/internal/tax"
	"github.com/smallbiznis/revara/internal/vendorcost"
	"github.com/smallbiznis/revara/pkg/db"
	"github.com/smallbiznis/revara/pkg/log"
	"go.uber.org/fx"
)

// Standalone billing sweep worker. Schema management is left to the main
// binary; this app assumes the database is already migrated.
func main() {
	app := fx.New(
		config.Module,
		log.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		observability.Module,
		events.Module,

		// Domains the sweeps depend on
		customer.Module,
		currency.Module,
		tax.Module,
		coupon.Module,
		invoice.Module,
		credit.Module,
		payment.Module,
		vendorcost.Module,
		subscription.Module,

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
