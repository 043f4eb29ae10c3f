package task

import (
	"context"
	"fmt"
	"time"

	"keyserver/pkg/config"
	"keyserver/pkg/task"
	"keyserver/services/audit"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Service fans the nightly audit jobs out to the worker queue, one task per
// application chain.
type Service struct {
	audit    *audit.Service
	enqueuer task.Enqueuer
	archive  bool
}

type Params struct {
	fx.In
	Audit    *audit.Service
	Enqueuer task.Enqueuer
	Config   *config.Config
}

func NewService(p Params) *Service {
	return &Service{
		audit:    p.Audit,
		enqueuer: p.Enqueuer,
		archive:  p.Config.Minio.Endpoint != "",
	}
}

// EnqueueAuditJobs queues a chain verification, and an archive when object
// storage is configured, for every application. Task ids carry the day so a
// second run on the same day is a no-op.
func (s *Service) EnqueueAuditJobs(ctx context.Context, day time.Time) error {
	ids, err := s.audit.ApplicationIDs(ctx)
	if err != nil {
		return fmt.Errorf("list audit chains: %w", err)
	}

	stamp := day.UTC().Format("20060102")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		g.Go(func() error {
			verify, err := audit.NewVerifyChainTask(id)
			if err != nil {
				return err
			}
			if err := s.enqueue(gctx, verify, fmt.Sprintf("verify:%s:%s", id, stamp)); err != nil {
				return err
			}

			if !s.archive {
				return nil
			}
			archive, err := audit.NewArchiveTask(id)
			if err != nil {
				return err
			}
			return s.enqueue(gctx, archive, fmt.Sprintf("archive:%s:%s", id, stamp))
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	zap.L().Info("[Scheduler] audit jobs enqueued", zap.Int("applications", len(ids)))
	return nil
}

func (s *Service) enqueue(ctx context.Context, t *asynq.Task, id string) error {
	queued, err := task.EnqueueOnce(ctx, s.enqueuer, t, id, 24*time.Hour)
	if err != nil {
		return err
	}
	if !queued {
		zap.L().Debug("[Scheduler] task already queued", zap.String("task_id", id))
	}
	return nil
}
