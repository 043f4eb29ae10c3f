package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"keyserver/pkg/actor"
	"keyserver/pkg/db/option"
	"keyserver/pkg/db/pagination"
	"keyserver/pkg/errutil"
	"keyserver/pkg/repository"
	"keyserver/services/audit"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	audit *audit.Service
	repo  repository.Repository[Application]

	support singleflight.Group
}

type ServiceParams struct {
	fx.In
	DB    *gorm.DB
	Node  *snowflake.Node
	Audit *audit.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:    p.DB,
		node:  p.Node,
		audit: p.Audit,
		repo:  repository.ProvideStore[Application](p.DB),
	}
}

func logger(ctx context.Context) *zap.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return zap.L().With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}

// Create registers an application and records AppCreated in the same
// transaction.
func (s *Service) Create(ctx context.Context, p CreateParams, by actor.Actor) (*Application, error) {
	zapLog := logger(ctx)

	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, errutil.ValidationFailed("application name is required", nil,
			errutil.WithDetails(errutil.Detail{Field: "name", Message: "required"}))
	}

	appSlug := slug.Make(name)
	if appSlug == "" {
		return nil, errutil.ValidationFailed("application name must contain letters or digits", nil,
			errutil.WithDetails(errutil.Detail{Field: "name", Message: "no letters or digits"}))
	}

	app := &Application{
		ID:             s.node.Generate().String(),
		Name:           name,
		Slug:           appSlug,
		SupportMessage: p.SupportMessage,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTrx(tx)

		if err := s.ensureUnique(ctx, repo, app.ID, app.Name, app.Slug); err != nil {
			return err
		}

		if err := repo.Create(ctx, app); err != nil {
			return translate(err)
		}

		_, err := s.audit.Append(ctx, tx, audit.Entry{
			ApplicationID: app.ID,
			Event:         audit.AppCreated,
			Message:       fmt.Sprintf("Application '%s' created by %s", app.Name, by),
			Metadata: map[string]string{
				"actor": by.Username,
				"ip":    by.IP,
				"name":  app.Name,
			},
		})
		return err
	})
	if err != nil {
		zapLog.Error("failed to create application", zap.String("name", name), zap.Error(err))
		return nil, err
	}

	zapLog.Info("application created", zap.String("application_id", app.ID), zap.String("slug", app.Slug))
	return app, nil
}

func (s *Service) ensureUnique(ctx context.Context, repo repository.Repository[Application], id, name, appSlug string) error {
	for _, q := range []option.QueryOption{column("name", name), column("slug", appSlug)} {
		existing, err := repo.FindOne(ctx, nil, q)
		if err != nil {
			return err
		}
		if existing != nil && existing.ID != id {
			return errutil.Conflict(fmt.Sprintf("application '%s' already exists", name), nil)
		}
	}
	return nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return errutil.Conflict("application already exists", err)
	}
	return err
}

// Update applies changes and records one AppModified entry listing them.
// Nothing is written when no field actually changes.
func (s *Service) Update(ctx context.Context, id string, c Changes, by actor.Actor) (*Application, error) {
	zapLog := logger(ctx)

	var app *Application
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.repo.WithTrx(tx)

		var err error
		app, err = findByID(ctx, repo, id, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if app == nil {
			return errutil.NotFound("application not found", nil)
		}

		var changes []string
		updates := map[string]any{}

		if c.Name != nil {
			name := strings.TrimSpace(*c.Name)
			if name == "" {
				return errutil.ValidationFailed("application name cannot be empty", nil)
			}
			if name != app.Name {
				newSlug := slug.Make(name)
				if newSlug == "" {
					return errutil.ValidationFailed("application name must contain letters or digits", nil)
				}
				if err := s.ensureUnique(ctx, repo, app.ID, name, newSlug); err != nil {
					return err
				}
				changes = append(changes, fmt.Sprintf("name changed from '%s' to '%s'", app.Name, name))
				updates["name"] = name
				updates["slug"] = newSlug
				app.Name, app.Slug = name, newSlug
			}
		}

		if c.SupportMessage != nil {
			old := ""
			if app.SupportMessage != nil {
				old = *app.SupportMessage
			}
			if *c.SupportMessage != old {
				changes = append(changes, fmt.Sprintf("support message changed from '%s' to '%s'", old, *c.SupportMessage))
				msg := *c.SupportMessage
				updates["support_message"] = msg
				app.SupportMessage = &msg
			}
		}

		if len(changes) == 0 {
			return nil
		}

		if err := repo.Update(ctx, app.ID, updates); err != nil {
			return translate(err)
		}

		_, err = s.audit.Append(ctx, tx, audit.Entry{
			ApplicationID: app.ID,
			Event:         audit.AppModified,
			Message:       fmt.Sprintf("Application modified by %s: %s", by, strings.Join(changes, ", ")),
			Metadata: map[string]string{
				"actor": by.Username,
				"ip":    by.IP,
			},
		})
		return err
	})
	if err != nil {
		zapLog.Error("failed to update application", zap.String("application_id", id), zap.Error(err))
		return nil, err
	}

	s.support.Forget(id)
	return app, nil
}

// Get returns the application or a not_found error.
func (s *Service) Get(ctx context.Context, id string) (*Application, error) {
	app, err := findByID(ctx, s.repo, id)
	if err != nil {
		logger(ctx).Error("failed to get application", zap.String("application_id", id), zap.Error(err))
		return nil, err
	}
	if app == nil {
		return nil, errutil.NotFound("application not found", nil)
	}
	return app, nil
}

// Lookup reads the application through tx, returning nil when it does not
// exist. An empty id never matches.
func (s *Service) Lookup(ctx context.Context, tx *gorm.DB, id string) (*Application, error) {
	return findByID(ctx, s.repo.WithTrx(tx), id)
}

func findByID(ctx context.Context, repo repository.Repository[Application], id string, opts ...option.QueryOption) (*Application, error) {
	if id == "" {
		return nil, nil
	}
	return repo.FindOne(ctx, nil, append(opts, column("id", id))...)
}

func column(field, value string) option.QueryOption {
	return option.ApplyOperator(option.Condition{Field: field, Operator: option.EQ, Value: value})
}

func (s *Service) List(ctx context.Context, p pagination.Pagination) ([]*Application, *pagination.PageInfo, error) {
	rows, err := s.repo.Find(ctx, &Application{}, option.ApplyPagination(p))
	if err != nil {
		logger(ctx).Error("failed to list applications", zap.Error(err))
		return nil, nil, err
	}

	page, info := pagination.Page(rows, p.Limit, func(a *Application) pagination.Cursor {
		return pagination.Cursor{ID: a.ID}
	})
	return page, info, nil
}

// SupportMessage returns the text shown to end users whose activation failed.
// Concurrent lookups for the same application share one query.
func (s *Service) SupportMessage(ctx context.Context, id string) string {
	if id == "" {
		return ""
	}

	v, err, _ := s.support.Do(id, func() (any, error) {
		app, err := s.Lookup(ctx, nil, id)
		if err != nil || app == nil || app.SupportMessage == nil {
			return "", err
		}
		return *app.SupportMessage, nil
	})
	if err != nil {
		logger(ctx).Warn("failed to load support message", zap.String("application_id", id), zap.Error(err))
		return ""
	}
	return v.(string)
}
