package policy

import (
	"github.com/tatamipay/billing/internal/config"
	"github.com/tatamipay/billing/internal/policy/service"
	"go.uber.org/fx"
)

var Module = fx.Module("policy.service",
	fx.Provide(config.NewPolicyHolder),
	fx.Provide(service.NewService),
)
