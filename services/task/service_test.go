package task

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"keyserver/pkg/config"
	"keyserver/pkg/taskname"
	"keyserver/services/audit"
	"keyserver/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	types []string
	seen  map[string]bool
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, o := range opts {
		if o.Type() != asynq.TaskIDOpt {
			continue
		}
		id := o.Value().(string)
		if f.seen[id] {
			return nil, fmt.Errorf("failed to enqueue task %s: %w", task.Type(), asynq.ErrTaskIDConflict)
		}
		f.seen[id] = true
	}
	f.types = append(f.types, task.Type())
	return &asynq.TaskInfo{}, nil
}

func newService(t *testing.T, minio bool) (*Service, *fakeEnqueuer) {
	t.Helper()
	db := testutil.NewTestDB(t, &audit.Log{}, &audit.ChainHead{})
	auditSvc := audit.NewService(audit.ServiceParams{DB: db, Node: testutil.NewNode(t)})
	for _, app := range []string{"app-1", "app-2"} {
		_, err := auditSvc.Append(context.Background(), nil, audit.Entry{ApplicationID: app, Event: audit.AppCreated, Message: "created"})
		require.NoError(t, err)
	}

	cfg := &config.Config{}
	if minio {
		cfg.Minio.Endpoint = "localhost:9000"
	}
	enq := &fakeEnqueuer{seen: map[string]bool{}}
	return NewService(Params{Audit: auditSvc, Enqueuer: enq, Config: cfg}), enq
}

func TestEnqueueAuditJobs(t *testing.T) {
	svc, enq := newService(t, true)
	day := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

	require.NoError(t, svc.EnqueueAuditJobs(context.Background(), day))
	require.Len(t, enq.types, 4)
	require.ElementsMatch(t, []string{
		taskname.AuditVerifyChain, taskname.AuditArchive,
		taskname.AuditVerifyChain, taskname.AuditArchive,
	}, enq.types)

	// same day again only hits task id conflicts
	require.NoError(t, svc.EnqueueAuditJobs(context.Background(), day))
	require.Len(t, enq.types, 4)
}

func TestEnqueueSkipsArchiveWithoutStorage(t *testing.T) {
	svc, enq := newService(t, false)
	require.NoError(t, svc.EnqueueAuditJobs(context.Background(), time.Now()))
	require.Equal(t, []string{taskname.AuditVerifyChain, taskname.AuditVerifyChain}, enq.types)
}

func TestNextRunTime(t *testing.T) {
	loc := time.UTC
	before := time.Date(2026, 3, 1, 1, 30, 0, 0, loc)
	require.Equal(t, time.Date(2026, 3, 1, 2, 0, 0, 0, loc), nextRunTime(before, 2, 0))

	at := time.Date(2026, 3, 1, 2, 0, 0, 0, loc)
	require.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, loc), nextRunTime(at, 2, 0))

	after := time.Date(2026, 3, 1, 23, 0, 0, 0, loc)
	require.Equal(t, time.Date(2026, 3, 2, 2, 0, 0, 0, loc), nextRunTime(after, 2, 0))
}
