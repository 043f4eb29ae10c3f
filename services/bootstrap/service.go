package bootstrap

import (
	"context"
	"fmt"

	"keyserver/pkg/actor"
	"keyserver/pkg/config"
	"keyserver/pkg/errutil"
	"keyserver/services/application"
	"keyserver/services/audit"
	"keyserver/services/key"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var system = actor.Actor{Username: "system", Role: "admin", IP: "127.0.0.1"}

type Service struct {
	db     *gorm.DB
	config *config.Config
	apps   *application.Service
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
	Apps   *application.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		config: p.Config,
		apps:   p.Apps,
	}
}

// Models are the tables the service owns, in creation order.
func Models() []any {
	return []any{
		&application.Application{},
		&key.Key{},
		&audit.Log{},
		&audit.ChainHead{},
	}
}

func (s *Service) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		zap.L().Error("[bootstrap] migration failed", zap.Error(err))
		return fmt.Errorf("bootstrap: migrate: %w", err)
	}
	zap.L().Info("[bootstrap] schema migrated")
	return nil
}

// Seed creates the application named in BOOTSTRAP.APPLICATION_NAME unless it
// already exists.
func (s *Service) Seed(ctx context.Context) error {
	bc := s.config.Bootstrap
	if bc.ApplicationName == "" {
		return nil
	}

	params := application.CreateParams{Name: bc.ApplicationName}
	if bc.SupportMessage != "" {
		msg := bc.SupportMessage
		params.SupportMessage = &msg
	}

	app, err := s.apps.Create(ctx, params, system)
	switch {
	case errutil.StatusOf(err) == errutil.StatusConflict:
		zap.L().Info("[bootstrap] Default application already exists", zap.String("name", bc.ApplicationName))
		return nil
	case err != nil:
		return fmt.Errorf("bootstrap: seed application: %w", err)
	}

	zap.L().Info("[bootstrap] Default application created", zap.String("name", app.Name), zap.String("application_id", app.ID))
	return nil
}
