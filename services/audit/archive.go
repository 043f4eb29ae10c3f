package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"
)

// ObjectStore is the subset of *minio.Client the archiver writes through.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Export writes the application's chain as JSON lines in sequence order.
func (s *Service) Export(ctx context.Context, applicationID string, w io.Writer) (int64, error) {
	enc := json.NewEncoder(w)
	var last, written int64

	for {
		var batch []*Log
		if err := s.db.WithContext(ctx).
			Where("application_id = ? AND sequence > ?", applicationID, last).
			Order("sequence asc").
			Limit(verifyBatchSize).
			Find(&batch).Error; err != nil {
			return written, fmt.Errorf("audit: export: %w", err)
		}

		for _, entry := range batch {
			if err := enc.Encode(entry.View()); err != nil {
				return written, err
			}
			written++
			last = entry.Sequence
		}

		if len(batch) < verifyBatchSize {
			return written, nil
		}
	}
}

type Archiver struct {
	svc    *Service
	store  ObjectStore
	bucket string
	now    func() time.Time
}

func NewArchiver(svc *Service, store ObjectStore, bucket string) *Archiver {
	return &Archiver{svc: svc, store: store, bucket: bucket, now: time.Now}
}

// Archive uploads a full snapshot of the application's chain and returns the
// object name.
func (a *Archiver) Archive(ctx context.Context, applicationID string) (string, error) {
	var buf bytes.Buffer
	n, err := a.svc.Export(ctx, applicationID, &buf)
	if err != nil {
		return "", err
	}

	object := fmt.Sprintf("audit/%s/%s.jsonl", applicationID, a.now().UTC().Format("20060102T150405Z"))
	if _, err := a.store.PutObject(ctx, a.bucket, object, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	}); err != nil {
		return "", fmt.Errorf("audit: upload archive: %w", err)
	}

	zap.L().Info("audit chain archived",
		zap.String("application_id", applicationID),
		zap.String("object", object),
		zap.Int64("entries", n),
	)
	return object, nil
}
