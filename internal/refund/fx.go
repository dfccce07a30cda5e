package refund

import (
	"github.com/smallbiznis/revara/internal/refund/service"
	"go.uber.org/fx"
)

// Module wires the refund auditor.
var Module = fx.Module("refund",
	fx.Provide(
		service.NewAuditor,
	),
)
