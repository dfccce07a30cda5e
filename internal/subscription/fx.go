package subscription

import (
	"github.com/smallbiznis/revara/internal/subscription/repository"
	"github.com/smallbiznis/revara/internal/subscription/service"
	"go.uber.org/fx"
)

// Module wires subscription lifecycle management.
var Module = fx.Module("subscription",
	fx.Provide(
		repository.New,
		service.NewService,
	),
)
