package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"keyserver/pkg/config"
	"keyserver/pkg/db/pagination"
	"keyserver/pkg/errutil"
	"keyserver/pkg/httpapi"
	"keyserver/pkg/taskname"
	"keyserver/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestService(t *testing.T, secret string) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &Log{}, &ChainHead{})
	cfg := &config.Config{}
	cfg.Audit.ChainKey = secret
	return NewService(ServiceParams{DB: db, Node: testutil.NewNode(t), Config: cfg}), db
}

func appendN(t *testing.T, svc *Service, appID string, n int) []*Log {
	t.Helper()
	out := make([]*Log, 0, n)
	for i := 0; i < n; i++ {
		l, err := svc.Append(context.Background(), nil, Entry{
			ApplicationID: appID,
			KeyID:         "key-1",
			Event:         KeyAccess,
			Message:       fmt.Sprintf("key check %d", i),
			Metadata:      map[string]string{"ip": "192.0.2.7", "n": fmt.Sprint(i)},
		})
		require.NoError(t, err)
		out = append(out, l)
	}
	return out
}

func TestAppendBuildsChain(t *testing.T) {
	svc, _ := newTestService(t, "s3cret")
	logs := appendN(t, svc, "app-1", 3)

	for i, l := range logs {
		require.Equal(t, int64(i+1), l.Sequence)
		if i > 0 {
			require.Equal(t, logs[i-1].Hash, l.PreviousHash)
		}
	}
	require.Empty(t, logs[0].PreviousHash)

	// chains are independent per application
	other := appendN(t, svc, "app-2", 1)
	require.Equal(t, int64(1), other[0].Sequence)

	v, err := svc.VerifyChain(context.Background(), "app-1")
	require.NoError(t, err)
	require.True(t, v.Valid)
	require.Equal(t, int64(3), v.Entries)
}

func TestAppendRejectsInvalidEntries(t *testing.T) {
	svc, _ := newTestService(t, "")

	_, err := svc.Append(context.Background(), nil, Entry{Event: Info})
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))

	_, err = svc.Append(context.Background(), nil, Entry{ApplicationID: "app-1", Event: Event(42)})
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))
}

func TestAppendRollsBackWithCaller(t *testing.T) {
	svc, db := newTestService(t, "")

	boom := errors.New("boom")
	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.Append(context.Background(), tx, Entry{ApplicationID: "app-1", Event: KeyModified, Message: "x"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int64
	require.NoError(t, db.Model(&Log{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestVerifyDetectsTampering(t *testing.T) {
	svc, db := newTestService(t, "s3cret")
	appendN(t, svc, "app-1", 4)

	require.NoError(t, db.Model(&Log{}).
		Where("application_id = ? AND sequence = ?", "app-1", 2).
		Update("message", "nothing happened").Error)

	v, err := svc.VerifyChain(context.Background(), "app-1")
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, int64(2), v.BrokenAt)
	require.Equal(t, "hash mismatch", v.Reason)
}

func TestVerifyDetectsTruncation(t *testing.T) {
	svc, db := newTestService(t, "s3cret")
	appendN(t, svc, "app-1", 3)

	require.NoError(t, db.Where("application_id = ? AND sequence = ?", "app-1", 3).Delete(&Log{}).Error)

	v, err := svc.VerifyChain(context.Background(), "app-1")
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, "chain head mismatch", v.Reason)
}

func TestVerifyDetectsGap(t *testing.T) {
	svc, db := newTestService(t, "s3cret")
	appendN(t, svc, "app-1", 3)

	require.NoError(t, db.Where("application_id = ? AND sequence = ?", "app-1", 2).Delete(&Log{}).Error)

	v, err := svc.VerifyChain(context.Background(), "app-1")
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, int64(2), v.BrokenAt)
	require.Equal(t, "missing entry", v.Reason)
}

func TestVerifyRequiresSameKey(t *testing.T) {
	svc, db := newTestService(t, "s3cret")
	appendN(t, svc, "app-1", 2)

	other := NewService(ServiceParams{DB: db, Node: testutil.NewNode(t)})
	v, err := other.VerifyChain(context.Background(), "app-1")
	require.NoError(t, err)
	require.False(t, v.Valid)
	require.Equal(t, int64(1), v.BrokenAt)
}

func TestVerifyAll(t *testing.T) {
	svc, db := newTestService(t, "s3cret")
	appendN(t, svc, "app-1", 2)
	appendN(t, svc, "app-2", 2)
	require.NoError(t, db.Model(&Log{}).
		Where("application_id = ? AND sequence = ?", "app-2", 1).
		Update("message", "forged").Error)

	all, err := svc.VerifyAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.True(t, all[0].Valid)
	require.False(t, all[1].Valid)
}

func TestListFilters(t *testing.T) {
	svc, _ := newTestService(t, "")
	ctx := context.Background()
	appendN(t, svc, "app-1", 3)
	_, err := svc.Append(ctx, nil, Entry{ApplicationID: "app-1", Event: Warn, Message: "failed key check"})
	require.NoError(t, err)

	logs, _, err := svc.List(ctx, Filter{ApplicationID: "app-1", Event: "warn"}, pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Nil(t, logs[0].KeyID)

	logs, _, err = svc.List(ctx, Filter{KeyID: "key-1"}, pagination.Pagination{})
	require.NoError(t, err)
	require.Len(t, logs, 3)

	page, info, err := svc.List(ctx, Filter{ApplicationID: "app-1"}, pagination.Pagination{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.True(t, info.HasMore)

	_, _, err = svc.List(ctx, Filter{Event: "bogus"}, pagination.Pagination{})
	require.Equal(t, errutil.StatusBadRequest, errutil.StatusOf(err))
}

type fakeStore struct {
	bucket, object string
	body           []byte
	err            error
}

func (f *fakeStore) PutObject(_ context.Context, bucket, object string, r io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	f.bucket, f.object = bucket, object
	f.body, _ = io.ReadAll(r)
	return minio.UploadInfo{Bucket: bucket, Key: object}, nil
}

func TestArchiveWritesJSONLines(t *testing.T) {
	svc, _ := newTestService(t, "s3cret")
	appendN(t, svc, "app-1", 3)

	store := &fakeStore{}
	object, err := NewArchiver(svc, store, "audit-archive").Archive(context.Background(), "app-1")
	require.NoError(t, err)
	require.Equal(t, "audit-archive", store.bucket)
	require.True(t, strings.HasPrefix(object, "audit/app-1/"))

	lines := bytes.Split(bytes.TrimSpace(store.body), []byte("\n"))
	require.Len(t, lines, 3)

	var first View
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.Equal(t, int64(1), first.Sequence)
	require.Equal(t, "192.0.2.7", first.Metadata["ip"])
}

func TestArchiveIsFullSnapshot(t *testing.T) {
	svc, _ := newTestService(t, "s3cret")
	appendN(t, svc, "app-1", 2)

	store := &fakeStore{}
	archiver := NewArchiver(svc, store, "audit-archive")
	_, err := archiver.Archive(context.Background(), "app-1")
	require.NoError(t, err)

	appendN(t, svc, "app-1", 3)
	_, err = archiver.Archive(context.Background(), "app-1")
	require.NoError(t, err)

	lines := bytes.Split(bytes.TrimSpace(store.body), []byte("\n"))
	require.Len(t, lines, 5)

	var first View
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.Equal(t, int64(1), first.Sequence)
}

func TestTaskHandlers(t *testing.T) {
	svc, db := newTestService(t, "s3cret")
	appendN(t, svc, "app-1", 2)
	ctx := context.Background()

	store := &fakeStore{}
	h := NewTaskHandler(TaskHandlerParams{Service: svc, Archiver: NewArchiver(svc, store, "b")})

	task, err := NewVerifyChainTask("app-1")
	require.NoError(t, err)
	require.Equal(t, taskname.AuditVerifyChain, task.Type())
	require.NoError(t, h.HandleVerifyChain(ctx, task))

	archive, err := NewArchiveTask("app-1")
	require.NoError(t, err)
	require.NoError(t, h.HandleArchive(ctx, archive))
	require.NotEmpty(t, store.body)

	require.ErrorIs(t, h.HandleVerifyChain(ctx, asynq.NewTask(taskname.AuditVerifyChain, []byte("{"))), asynq.SkipRetry)

	require.NoError(t, db.Model(&Log{}).Where("sequence = ?", 1).Update("message", "forged").Error)
	require.ErrorIs(t, h.HandleVerifyChain(ctx, task), asynq.SkipRetry)

	noArchive := NewTaskHandler(TaskHandlerParams{Service: svc})
	require.ErrorIs(t, noArchive.HandleArchive(ctx, archive), asynq.SkipRetry)
}

func TestHandlerListAndVerify(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService(t, "s3cret")
	appendN(t, svc, "app-1", 2)

	r := gin.New()
	RegisterRoutes(&httpapi.Routes{Engine: r, Admin: r.Group("/api/admin")}, NewHandler(svc))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/admin/audit?app_id=app-1&event=key_access", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var list struct {
		Data []View `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 2)
	require.Equal(t, "key_access", list.Data[0].Event.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/admin/audit/verify?app_id=app-1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var v Verification
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	require.True(t, v.Valid)
	require.Equal(t, int64(2), v.Entries)
}
