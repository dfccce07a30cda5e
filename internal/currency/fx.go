package currency

import (
	"github.com/smallbiznis/revara/internal/currency/repository"
	"github.com/smallbiznis/revara/internal/currency/service"
	"go.uber.org/fx"
)

var Module = fx.Module("currency",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
)
