package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"keyserver/pkg/config"
	"keyserver/pkg/db/option"
	"keyserver/pkg/db/pagination"
	"keyserver/pkg/errutil"
	"keyserver/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const verifyBatchSize = 500

type Service struct {
	db    *gorm.DB
	node  *snowflake.Node
	chain *Chain
	now   func() time.Time

	logs repository.Repository[Log]
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Config *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	secret := ""
	if p.Config != nil {
		secret = p.Config.Audit.ChainKey
	}
	chain := NewChain(secret)
	if !chain.Keyed() {
		zap.L().Warn("audit chain key not configured, entries are hashed without a secret")
	}

	return &Service{
		db:    p.DB,
		node:  p.Node,
		chain: chain,
		now:   time.Now,
		logs:  repository.ProvideStore[Log](p.DB),
	}
}

func traceFields(ctx context.Context) []zap.Field {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}

// Append writes e inside tx so the entry commits or rolls back with the change
// it records. A nil tx runs the append in its own transaction.
func (s *Service) Append(ctx context.Context, tx *gorm.DB, e Entry) (*Log, error) {
	if e.ApplicationID == "" {
		return nil, errutil.BadRequest("audit entry requires an application", nil)
	}
	if !e.Event.Valid() {
		return nil, errutil.BadRequest(fmt.Sprintf("unknown audit event %d", int(e.Event)), nil)
	}

	if tx != nil {
		return s.append(ctx, tx, e)
	}

	var out *Log
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.append(ctx, tx, e)
		return err
	})
	return out, err
}

func (s *Service) append(ctx context.Context, tx *gorm.DB, e Entry) (*Log, error) {
	tx = tx.WithContext(ctx)

	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ChainHead{ApplicationID: e.ApplicationID}).Error; err != nil {
		return nil, fmt.Errorf("audit: init chain head: %w", err)
	}

	var head ChainHead
	if err := tx.Scopes(option.LockingUpdate).Where("application_id = ?", e.ApplicationID).First(&head).Error; err != nil {
		return nil, fmt.Errorf("audit: lock chain head: %w", err)
	}

	entry := &Log{
		ID:            s.node.Generate().String(),
		ApplicationID: e.ApplicationID,
		Sequence:      head.Sequence + 1,
		EventType:     e.Event,
		Message:       e.Message,
		Timestamp:     s.now().UTC().Truncate(time.Millisecond),
		PreviousHash:  head.Hash,
	}
	if e.KeyID != "" {
		keyID := e.KeyID
		entry.KeyID = &keyID
	}
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("audit: encode metadata: %w", err)
		}
		entry.Metadata = raw
	}
	entry.Hash = s.chain.Hash(entry)

	if err := tx.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("audit: insert entry: %w", err)
	}

	if err := tx.Model(&ChainHead{}).Where("application_id = ?", e.ApplicationID).Updates(map[string]any{
		"sequence":   entry.Sequence,
		"hash":       entry.Hash,
		"updated_at": entry.Timestamp,
	}).Error; err != nil {
		return nil, fmt.Errorf("audit: advance chain head: %w", err)
	}

	return entry, nil
}

type Filter struct {
	ApplicationID string `form:"app_id"`
	KeyID         string `form:"key_id"`
	Event         string `form:"event"`
}

func (s *Service) List(ctx context.Context, f Filter, p pagination.Pagination) ([]*Log, *pagination.PageInfo, error) {
	zapLog := zap.L().With(traceFields(ctx)...)

	query := &Log{ApplicationID: f.ApplicationID}
	if f.KeyID != "" {
		keyID := f.KeyID
		query.KeyID = &keyID
	}

	opts := []option.QueryOption{option.ApplyPagination(p)}
	if f.Event != "" {
		ev, err := ParseEvent(f.Event)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid event filter", err)
		}
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field:    "event_type",
			Operator: option.EQ,
			Value:    int(ev),
		}))
	}

	rows, err := s.logs.Find(ctx, query, opts...)
	if err != nil {
		zapLog.Error("failed to list audit logs", zap.Error(err))
		return nil, nil, err
	}

	page, info := pagination.Page(rows, p.Limit, func(l *Log) pagination.Cursor {
		return pagination.Cursor{ID: l.ID}
	})
	return page, info, nil
}

type Verification struct {
	ApplicationID string `json:"application_id"`
	Entries       int64  `json:"entries"`
	Valid         bool   `json:"valid"`
	BrokenAt      int64  `json:"broken_at,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

func (v *Verification) fail(seq int64, reason string) {
	v.Valid = false
	v.BrokenAt = seq
	v.Reason = reason
}

// VerifyChain recomputes every link of the application's chain and checks the
// tip against the recorded head, which catches truncated tails.
func (s *Service) VerifyChain(ctx context.Context, applicationID string) (*Verification, error) {
	v := &Verification{ApplicationID: applicationID, Valid: true}

	prevHash := ""
	var last int64

	for {
		var batch []*Log
		if err := s.db.WithContext(ctx).
			Where("application_id = ? AND sequence > ?", applicationID, last).
			Order("sequence asc").
			Limit(verifyBatchSize).
			Find(&batch).Error; err != nil {
			return nil, fmt.Errorf("audit: read chain: %w", err)
		}

		for _, entry := range batch {
			switch {
			case entry.Sequence != last+1:
				v.fail(last+1, "missing entry")
			case entry.PreviousHash != prevHash:
				v.fail(entry.Sequence, "previous hash mismatch")
			case !s.chain.Verify(entry):
				v.fail(entry.Sequence, "hash mismatch")
			}
			if !v.Valid {
				return v, nil
			}
			v.Entries++
			prevHash = entry.Hash
			last = entry.Sequence
		}

		if len(batch) < verifyBatchSize {
			break
		}
	}

	var head ChainHead
	err := s.db.WithContext(ctx).Where("application_id = ?", applicationID).First(&head).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if last != 0 {
			v.fail(last, "chain head missing")
		}
	case err != nil:
		return nil, fmt.Errorf("audit: read chain head: %w", err)
	case head.Sequence != last || head.Hash != prevHash:
		v.fail(last+1, "chain head mismatch")
	}

	return v, nil
}

// ApplicationIDs lists every application that has a chain.
func (s *Service) ApplicationIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&ChainHead{}).Order("application_id").Pluck("application_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// VerifyAll checks every chain, at most four at a time.
func (s *Service) VerifyAll(ctx context.Context) ([]*Verification, error) {
	ids, err := s.ApplicationIDs(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*Verification, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, id := range ids {
		g.Go(func() error {
			v, err := s.VerifyChain(gctx, id)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}
