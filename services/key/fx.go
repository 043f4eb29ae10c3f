package key

import (
	"keyserver/pkg/token"

	"go.uber.org/fx"
)

var Module = fx.Module("key.module",
	fx.Provide(
		token.NewGenerator,
		NewEngine,
	),
)

var Server = fx.Module("key.server",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
