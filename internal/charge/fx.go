package charge

import "go.uber.org/fx"

var Module = fx.Module("charge.service",
	fx.Provide(NewService),
)
