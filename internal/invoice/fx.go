package invoice

import (
	"github.com/smallbiznis/revara/internal/invoice/repository"
	"github.com/smallbiznis/revara/internal/invoice/service"
	"go.uber.org/fx"
)

// Module wires the invoice compiler.
var Module = fx.Module("invoice",
	fx.Provide(
		repository.New,
		service.NewService,
	),
)
