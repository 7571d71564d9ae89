package reconciler

import (
	"github.com/tatamipay/billing/internal/reconciler/service"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciler.service",
	fx.Provide(service.NewService),
)
