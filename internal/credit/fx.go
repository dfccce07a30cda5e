package credit

import (
	"github.com/smallbiznis/revara/internal/credit/service"
	"go.uber.org/fx"
)

// Module wires the credit ledger.
var Module = fx.Module("credit",
	fx.Provide(
		service.NewLedger,
	),
)
