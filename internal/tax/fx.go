package tax

import (
	"github.com/smallbiznis/revara/internal/tax/repository"
	"github.com/smallbiznis/revara/internal/tax/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tax",
	fx.Provide(repository.New),
	fx.Provide(service.NewResolver),
)
