package key

import (
	"context"
	"time"

	"keyserver/pkg/db/option"
	"keyserver/pkg/repository"

	"gorm.io/gorm"
)

// Store holds the key queries the engine needs on top of the generic
// repository. Every method runs on the handle the Store was bound to, so a
// Store from WithTrx takes part in the caller's transaction.
type Store struct {
	db   *gorm.DB
	repo repository.Repository[Key]
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, repo: repository.ProvideStore[Key](db)}
}

func (s *Store) WithTrx(tx *gorm.DB) *Store {
	if tx == nil {
		return s
	}
	return &Store{db: tx, repo: s.repo.WithTrx(tx)}
}

// FindAll returns every key of the application, or every key when
// applicationID is empty.
func (s *Store) FindAll(ctx context.Context, applicationID string) ([]*Key, error) {
	db := s.db.WithContext(ctx).Order("id")
	if applicationID != "" {
		db = db.Where("application_id = ?", applicationID)
	}
	var out []*Key
	if err := db.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindActive looks up an enabled key by exact token. An empty applicationID
// matches the token in any application.
func (s *Store) FindActive(ctx context.Context, applicationID, token string, opts ...option.QueryOption) (*Key, error) {
	if token == "" {
		return nil, nil
	}
	opts = append(opts, equals("token", token), equals("enabled", true))
	if applicationID != "" {
		opts = append(opts, equals("application_id", applicationID))
	}
	return s.repo.FindOne(ctx, nil, opts...)
}

func equals(field string, value any) option.QueryOption {
	return option.ApplyOperator(option.Condition{Field: field, Operator: option.EQ, Value: value})
}

// FindByToken matches the exact token, enabled or not. An empty token
// matches nothing.
func (s *Store) FindByToken(ctx context.Context, token string, opts ...option.QueryOption) (*Key, error) {
	if token == "" {
		return nil, nil
	}
	return s.repo.FindOne(ctx, nil, append(opts, equals("token", token))...)
}

func (s *Store) FindByID(ctx context.Context, id string, opts ...option.QueryOption) (*Key, error) {
	if id == "" {
		return nil, nil
	}
	return s.repo.FindOne(ctx, nil, append(opts, equals("id", id))...)
}

func (s *Store) Find(ctx context.Context, query *Key, opts ...option.QueryOption) ([]*Key, error) {
	return s.repo.Find(ctx, query, opts...)
}

func (s *Store) Insert(ctx context.Context, k *Key) error {
	return s.repo.Create(ctx, k)
}

func (s *Store) Save(ctx context.Context, id string, updates map[string]any) error {
	return s.repo.Update(ctx, id, updates)
}

func (s *Store) TokenExists(ctx context.Context, token string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&Key{}).Where("token = ?", token).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// ConsumeActivation takes one activation from an enabled finite key. It
// reports false when the key had none left.
func (s *Store) ConsumeActivation(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Key{}).
		Where("id = ? AND enabled = ? AND remaining > 0", id, true).
		Update("remaining", gorm.Expr("remaining - 1"))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) Remaining(ctx context.Context, id string) (int, error) {
	var remaining int
	err := s.db.WithContext(ctx).Model(&Key{}).Where("id = ?", id).Select("remaining").Scan(&remaining).Error
	return remaining, err
}

// RecordActivation binds the hardware id and stamps the activation.
func (s *Store) RecordActivation(ctx context.Context, id string, origin Origin, at time.Time) error {
	return s.db.WithContext(ctx).Model(&Key{}).Where("id = ?", id).Updates(map[string]any{
		"hardware_id":        origin.HardwareID,
		"last_activation_ts": at,
		"last_activation_ip": origin.IP,
		"total_activations":  gorm.Expr("total_activations + 1"),
	}).Error
}

func (s *Store) RecordCheck(ctx context.Context, id string, origin Origin, at time.Time) error {
	return s.db.WithContext(ctx).Model(&Key{}).Where("id = ?", id).Updates(map[string]any{
		"last_check_ts": at,
		"last_check_ip": origin.IP,
		"total_checks":  gorm.Expr("total_checks + 1"),
	}).Error
}
