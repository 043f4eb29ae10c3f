package audit

import (
	"keyserver/pkg/config"

	"github.com/minio/minio-go/v7"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.module",
	fx.Provide(
		NewService,
	),
)

var Server = fx.Module("audit.server",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

// Worker runs the chain verification and archive tasks. The archiver is only
// wired when a MinIO client is available.
var Worker = fx.Module("audit.worker",
	fx.Provide(
		provideArchiver,
		NewTaskHandler,
	),
	fx.Invoke(RegisterTaskHandlers),
)

type archiverParams struct {
	fx.In
	Service *Service
	Config  *config.Config
	Minio   *minio.Client `optional:"true"`
}

func provideArchiver(p archiverParams) *Archiver {
	if p.Minio == nil {
		return nil
	}
	return NewArchiver(p.Service, p.Minio, p.Config.Minio.BucketName)
}
