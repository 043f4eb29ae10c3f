package key

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"keyserver/pkg/actor"
	"keyserver/pkg/db/option"
	"keyserver/pkg/db/pagination"
	"keyserver/pkg/errutil"
	"keyserver/pkg/security"
	"keyserver/pkg/token"
	"keyserver/services/application"
	"keyserver/services/audit"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrKeyNotFound          = errors.New("key not found")
	ErrActivationsExhausted = errors.New("key is out of activations")
)

// ActivationError tells the caller which key and application a failed
// activation concerned. It unwraps to ErrKeyNotFound or
// ErrActivationsExhausted.
type ActivationError struct {
	KeyID         string
	ApplicationID string
	Err           error
}

func (e *ActivationError) Error() string {
	return e.Err.Error()
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}

// Engine decides checks and activations and runs the administrative key
// operations. Each operation is one transaction that includes its audit
// entries.
type Engine struct {
	db      *gorm.DB
	node    *snowflake.Node
	store   *Store
	apps    *application.Service
	audit   *audit.Service
	tokens  *token.Generator
	compare func(a, b string) int
	now     func() time.Time
}

type EngineParams struct {
	fx.In
	DB     *gorm.DB
	Node   *snowflake.Node
	Apps   *application.Service
	Audit  *audit.Service
	Tokens *token.Generator `optional:"true"`
}

func NewEngine(p EngineParams) *Engine {
	tokens := p.Tokens
	if tokens == nil {
		tokens = token.NewGenerator()
	}
	return &Engine{
		db:      p.DB,
		node:    p.Node,
		store:   NewStore(p.DB),
		apps:    p.Apps,
		audit:   p.Audit,
		tokens:  tokens,
		compare: security.Bit,
		now:     time.Now,
	}
}

func logger(ctx context.Context) *zap.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	return zap.L().With(
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	)
}

// KeyExists reports whether token names an enabled key of the application.
// Every candidate row is compared in constant time and the scan never stops
// early. An empty appID scans all keys.
func (e *Engine) KeyExists(ctx context.Context, appID, tok string, origin Origin) (bool, error) {
	return e.check(ctx, appID, tok, origin, false)
}

// KeyValid is KeyExists that also requires origin's hardware id to equal
// the one bound to the key.
func (e *Engine) KeyValid(ctx context.Context, appID, tok string, origin Origin) (bool, error) {
	return e.check(ctx, appID, tok, origin, true)
}

func (e *Engine) check(ctx context.Context, appID, tok string, origin Origin, hardware bool) (bool, error) {
	found := false

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := e.store.WithTrx(tx)

		keys, err := store.FindAll(ctx, appID)
		if err != nil {
			return fmt.Errorf("key: scan: %w", err)
		}

		var matched []*Key
		for _, k := range keys {
			m := e.compare(tok, k.Token) &
				security.BoolBit(k.Enabled) &
				security.BoolBit(appID == "" || k.ApplicationID == appID)
			if hardware {
				m &= e.compare(origin.HardwareID, k.HardwareID)
			}
			if m == 1 {
				matched = append(matched, k)
			}
		}

		if len(matched) == 0 {
			return e.recordUnknown(ctx, tx, appID, audit.Warn, fmt.Sprintf("failed key check from %s", origin), origin)
		}

		now := e.now()
		for _, k := range matched {
			if err := store.RecordCheck(ctx, k.ID, origin, now); err != nil {
				return fmt.Errorf("key: record check: %w", err)
			}
			if _, err := e.audit.Append(ctx, tx, audit.Entry{
				ApplicationID: k.ApplicationID,
				KeyID:         k.ID,
				Event:         audit.KeyAccess,
				Message:       fmt.Sprintf("key check from %s", origin),
				Metadata:      origin.Metadata(),
			}); err != nil {
				return err
			}
		}
		found = true
		return nil
	})
	if err != nil {
		checks.WithLabelValues("error").Inc()
		logger(ctx).Error("key check failed", zap.String("app_id", appID), zap.Error(err))
		return false, err
	}

	if found {
		checks.WithLabelValues("match").Inc()
	} else {
		checks.WithLabelValues("miss").Inc()
	}
	return found, nil
}

// recordUnknown logs a lookup that matched no key. The entry belongs to the
// application named by the request, so nothing is written when there is
// none.
func (e *Engine) recordUnknown(ctx context.Context, tx *gorm.DB, appID string, event audit.Event, msg string, origin Origin) error {
	app, err := e.apps.Lookup(ctx, tx, appID)
	if err != nil {
		return err
	}
	if app == nil {
		logger(ctx).Warn(msg, zap.String("app_id", appID))
		return nil
	}

	_, err = e.audit.Append(ctx, tx, audit.Entry{
		ApplicationID: app.ID,
		Event:         event,
		Message:       msg,
		Metadata:      origin.Metadata(),
	})
	return err
}

// GetKey is an indexed lookup of an enabled key. It is only meant to be
// called after KeyExists or KeyValid succeeded. It returns nil when no key
// matches.
func (e *Engine) GetKey(ctx context.Context, appID, tok string, origin Origin) (*Key, error) {
	var out *Key
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		k, err := e.store.WithTrx(tx).FindActive(ctx, appID, tok)
		if err != nil || k == nil {
			return err
		}

		if _, err := e.audit.Append(ctx, tx, audit.Entry{
			ApplicationID: k.ApplicationID,
			KeyID:         k.ID,
			Event:         audit.KeyAccess,
			Message:       fmt.Sprintf("key retrieval from %s", origin),
			Metadata:      origin.Metadata(),
		}); err != nil {
			return err
		}
		out = k
		return nil
	})
	if err != nil {
		logger(ctx).Error("failed to get key", zap.String("app_id", appID), zap.Error(err))
		return nil, err
	}
	return out, nil
}

// Activate consumes one activation of the key named by tok and binds it to
// origin's hardware id. Unlimited keys are stamped but never decremented.
//
// Failures are returned as *ActivationError. The FailedActivation entry they
// produce is committed even though the call fails.
func (e *Engine) Activate(ctx context.Context, appID, tok string, origin Origin) (*Activation, error) {
	zapLog := logger(ctx)

	var (
		out     *Activation
		outcome error
	)

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := e.store.WithTrx(tx)

		k, err := store.FindActive(ctx, appID, tok, option.WithLockingUpdate())
		if err != nil {
			return fmt.Errorf("key: lock: %w", err)
		}
		if k == nil {
			outcome = &ActivationError{ApplicationID: appID, Err: ErrKeyNotFound}
			return e.recordUnknown(ctx, tx, appID, audit.FailedActivation,
				fmt.Sprintf("activation of unknown token from %s", origin), origin)
		}

		exhausted := func() error {
			outcome = &ActivationError{KeyID: k.ID, ApplicationID: k.ApplicationID, Err: ErrActivationsExhausted}
			_, err := e.audit.Append(ctx, tx, audit.Entry{
				ApplicationID: k.ApplicationID,
				KeyID:         k.ID,
				Event:         audit.FailedActivation,
				Message:       fmt.Sprintf("failed activation attempt from %s", origin),
				Metadata:      origin.Metadata(),
			})
			return err
		}

		remaining := Unlimited
		switch k.State() {
		case StateExhausted:
			return exhausted()
		case StateFinite:
			ok, err := store.ConsumeActivation(ctx, k.ID)
			if err != nil {
				return fmt.Errorf("key: consume activation: %w", err)
			}
			if !ok {
				return exhausted()
			}
			if remaining, err = store.Remaining(ctx, k.ID); err != nil {
				return err
			}
		}

		if err := store.RecordActivation(ctx, k.ID, origin, e.now()); err != nil {
			return fmt.Errorf("key: record activation: %w", err)
		}

		msg := fmt.Sprintf("new activation from %s", origin)
		if remaining == Unlimited {
			msg = fmt.Sprintf("new unlimited activation from %s", origin)
		}
		md := origin.Metadata()
		md["remaining"] = strconv.Itoa(remaining)
		if _, err := e.audit.Append(ctx, tx, audit.Entry{
			ApplicationID: k.ApplicationID,
			KeyID:         k.ID,
			Event:         audit.AppActivation,
			Message:       msg,
			Metadata:      md,
		}); err != nil {
			return err
		}

		out = &Activation{
			KeyID:         k.ID,
			ApplicationID: k.ApplicationID,
			Remaining:     remaining,
			Unlimited:     remaining == Unlimited,
		}
		return nil
	})
	if err != nil {
		activations.WithLabelValues("error").Inc()
		zapLog.Error("activation failed", zap.String("app_id", appID), zap.Error(err))
		return nil, err
	}

	switch {
	case errors.Is(outcome, ErrKeyNotFound):
		activations.WithLabelValues("not_found").Inc()
		zapLog.Info("activation of unknown token", zap.String("app_id", appID), zap.String("origin", origin.String()))
		return nil, outcome
	case errors.Is(outcome, ErrActivationsExhausted):
		activations.WithLabelValues("exhausted").Inc()
		zapLog.Info("activation refused, key exhausted", zap.String("app_id", appID), zap.String("origin", origin.String()))
		return nil, outcome
	}

	activations.WithLabelValues("ok").Inc()
	zapLog.Info("key activated",
		zap.String("key_id", out.KeyID),
		zap.Int("remaining", out.Remaining),
		zap.String("origin", origin.String()),
	)
	return out, nil
}

func activationsLabel(n int) string {
	if n == Unlimited {
		return "unlimited activations"
	}
	return fmt.Sprintf("%d activation(s)", n)
}

// CutKey issues a new key. The returned key carries the cleartext token,
// which is not exposed again afterwards.
func (e *Engine) CutKey(ctx context.Context, p CutKeyParams, by actor.Actor) (*Key, error) {
	zapLog := logger(ctx)

	if p.Activations < Unlimited {
		return nil, errutil.ValidationFailed("activations must be -1 for unlimited or at least 0", nil,
			errutil.WithDetails(errutil.Detail{Field: "activations", Message: "must be >= -1"}))
	}

	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}

	var k *Key
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		app, err := e.apps.Lookup(ctx, tx, p.ApplicationID)
		if err != nil {
			return err
		}
		if app == nil {
			return errutil.NotFound("application not found", nil)
		}

		store := e.store.WithTrx(tx)
		tok, err := e.tokens.GenerateUnique(ctx, store.TokenExists)
		if err != nil {
			return fmt.Errorf("key: generate token: %w", err)
		}

		k = &Key{
			ID:            e.node.Generate().String(),
			ApplicationID: app.ID,
			Token:         tok,
			Remaining:     p.Activations,
			Enabled:       enabled,
			Memo:          p.Memo,
			CutDate:       e.now().UTC(),
		}
		if err := store.Insert(ctx, k); err != nil {
			return fmt.Errorf("key: insert: %w", err)
		}

		_, err = e.audit.Append(ctx, tx, audit.Entry{
			ApplicationID: k.ApplicationID,
			KeyID:         k.ID,
			Event:         audit.KeyCreated,
			Message:       fmt.Sprintf("new key cut by %s with %s", by, activationsLabel(k.Remaining)),
			Metadata: map[string]string{
				"actor":       by.Username,
				"ip":          by.IP,
				"activations": strconv.Itoa(k.Remaining),
				"memo":        k.Memo,
			},
		})
		return err
	})
	if err != nil {
		zapLog.Error("failed to cut key", zap.String("app_id", p.ApplicationID), zap.Error(err))
		return nil, err
	}

	keysCut.Inc()
	zapLog.Info("key cut",
		zap.String("key_id", k.ID),
		zap.String("app_id", k.ApplicationID),
		zap.Int("activations", k.Remaining),
		zap.String("actor", by.Username),
	)
	return k, nil
}

// DisableKey turns off the key with the exact token. Once it commits no
// check or activation can match the key.
func (e *Engine) DisableKey(ctx context.Context, tok string, by actor.Actor) error {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := e.store.WithTrx(tx)

		k, err := store.FindByToken(ctx, tok, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if k == nil {
			return ErrKeyNotFound
		}

		if err := store.Save(ctx, k.ID, map[string]any{"enabled": false}); err != nil {
			return fmt.Errorf("key: disable: %w", err)
		}

		_, err = e.audit.Append(ctx, tx, audit.Entry{
			ApplicationID: k.ApplicationID,
			KeyID:         k.ID,
			Event:         audit.KeyModified,
			Message:       fmt.Sprintf("key disabled by %s", by),
			Metadata: map[string]string{
				"actor": by.Username,
				"ip":    by.IP,
			},
		})
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			logger(ctx).Error("failed to disable key", zap.Error(err))
		}
		return err
	}

	logger(ctx).Info("key disabled", zap.String("actor", by.Username))
	return nil
}

// ModifyKey applies administrative edits and records them in one
// KeyModified entry. When nothing differs from the stored key no entry is
// written. A key moved to another application is recorded in the new
// application's chain.
func (e *Engine) ModifyKey(ctx context.Context, id string, c KeyChanges, by actor.Actor) (*Key, error) {
	if c.Remaining != nil && *c.Remaining < Unlimited {
		return nil, errutil.ValidationFailed("remaining must be -1 for unlimited or at least 0", nil,
			errutil.WithDetails(errutil.Detail{Field: "remaining", Message: "must be >= -1"}))
	}

	var k *Key
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := e.store.WithTrx(tx)

		var err error
		k, err = store.FindByID(ctx, id, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if k == nil {
			return ErrKeyNotFound
		}

		var changes []string
		updates := map[string]any{}
		md := map[string]string{
			"actor": by.Username,
			"ip":    by.IP,
		}

		if c.Remaining != nil && *c.Remaining != k.Remaining {
			changes = append(changes, fmt.Sprintf("activations changed from %d to %d", k.Remaining, *c.Remaining))
			updates["remaining"] = *c.Remaining
			k.Remaining = *c.Remaining
		}

		if c.Memo != nil && *c.Memo != k.Memo {
			changes = append(changes, fmt.Sprintf("memo changed from '%s' to '%s'", k.Memo, *c.Memo))
			updates["memo"] = *c.Memo
			k.Memo = *c.Memo
		}

		if c.ApplicationID != nil && *c.ApplicationID != k.ApplicationID {
			app, err := e.apps.Lookup(ctx, tx, *c.ApplicationID)
			if err != nil {
				return err
			}
			if app == nil {
				return errutil.NotFound("application not found", nil)
			}
			changes = append(changes, fmt.Sprintf("app changed from %s to %s", k.ApplicationID, app.ID))
			md["previous_application_id"] = k.ApplicationID
			updates["application_id"] = app.ID
			k.ApplicationID = app.ID
		}

		if c.Enabled != nil && *c.Enabled != k.Enabled {
			changes = append(changes, fmt.Sprintf("active changed from %t to %t", k.Enabled, *c.Enabled))
			updates["enabled"] = *c.Enabled
			k.Enabled = *c.Enabled
		}

		if len(changes) == 0 {
			return nil
		}

		if err := store.Save(ctx, k.ID, updates); err != nil {
			return fmt.Errorf("key: modify: %w", err)
		}

		_, err = e.audit.Append(ctx, tx, audit.Entry{
			ApplicationID: k.ApplicationID,
			KeyID:         k.ID,
			Event:         audit.KeyModified,
			Message:       fmt.Sprintf("edited by %s: %s", by, strings.Join(changes, ", ")),
			Metadata:      md,
		})
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			logger(ctx).Error("failed to modify key", zap.String("key_id", id), zap.Error(err))
		}
		return nil, err
	}
	return k, nil
}

// Get returns a key by id for the admin views.
func (e *Engine) Get(ctx context.Context, id string) (*Key, error) {
	k, err := e.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, ErrKeyNotFound
	}
	return k, nil
}

// List pages through the keys of an application, or all keys when appID is
// empty.
func (e *Engine) List(ctx context.Context, appID string, p pagination.Pagination) ([]*Key, *pagination.PageInfo, error) {
	rows, err := e.store.Find(ctx, &Key{ApplicationID: appID}, option.ApplyPagination(p))
	if err != nil {
		logger(ctx).Error("failed to list keys", zap.String("app_id", appID), zap.Error(err))
		return nil, nil, err
	}

	page, info := pagination.Page(rows, p.Limit, func(k *Key) pagination.Cursor {
		return pagination.Cursor{ID: k.ID}
	})
	return page, info, nil
}
