package application

import "go.uber.org/fx"

var Module = fx.Module("application.module",
	fx.Provide(
		NewService,
	),
)

var Server = fx.Module("application.server",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
