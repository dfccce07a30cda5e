package payment

import (
	paymentdomain "github.com/smallbiznis/revara/internal/payment/domain"
	"github.com/smallbiznis/revara/internal/payment/gateway"
	"github.com/smallbiznis/revara/internal/payment/repository"
	"github.com/smallbiznis/revara/internal/payment/service"
	"go.uber.org/fx"
)

// Module wires the payment allocator with the sandbox gateway. Deployments
// with a real provider decorate the Gateway binding.
var Module = fx.Module("payment",
	fx.Provide(
		repository.New,
		service.NewService,
		fx.Annotate(gateway.NewSandbox, fx.As(new(paymentdomain.Gateway))),
	),
)
