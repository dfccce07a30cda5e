package coupon

import (
	"github.com/smallbiznis/revara/internal/coupon/service"
	"go.uber.org/fx"
)

var Module = fx.Module("coupon",
	fx.Provide(service.NewEngine),
)
