package vendorcost

import (
	"github.com/smallbiznis/revara/internal/vendorcost/service"
	"go.uber.org/fx"
)

// Module wires the vendor cost tracker.
var Module = fx.Module("vendorcost",
	fx.Provide(
		service.NewTracker,
	),
)
