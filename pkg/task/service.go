package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Enqueuer hands tasks to the worker queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type asynqEnqueuer struct {
	client *asynq.Client
}

func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &asynqEnqueuer{client: client}
}

func (e *asynqEnqueuer) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	return info, nil
}

// IsDuplicate reports whether err means the task is already queued.
func IsDuplicate(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}

// EnqueueOnce queues task under id and keeps the finished task around for
// retention, so repeating the call within that window is a no-op. It reports
// whether the task was newly queued.
func EnqueueOnce(ctx context.Context, e Enqueuer, task *asynq.Task, id string, retention time.Duration, opts ...asynq.Option) (bool, error) {
	opts = append(opts, asynq.TaskID(id), asynq.Retention(retention))
	if _, err := e.Enqueue(ctx, task, opts...); err != nil {
		if IsDuplicate(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
