package option

import (
	"keyserver/pkg/db/pagination"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QueryOption mutates a query before it is executed by a repository.
type QueryOption func(db *gorm.DB) *gorm.DB

// LockingUpdate is a gorm scope adding SELECT ... FOR UPDATE. Dialects without
// row locks (sqlite) drop the clause.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func WithLockingUpdate() QueryOption {
	return LockingUpdate
}

type Operator string

const (
	EQ Operator = "="
	GT Operator = ">"
)

type Condition struct {
	Field    string
	Operator Operator
	Value    any
}

func ApplyOperator(c Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		col := clause.Column{Name: c.Field}
		if c.Operator == GT {
			return db.Where(clause.Gt{Column: col, Value: c.Value})
		}
		return db.Where(clause.Eq{Column: col, Value: c.Value})
	}
}

// ApplyPagination walks forward by id from the cursor and fetches one row past
// the limit so callers can tell whether another page exists.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		limit := p.Limit
		if limit <= 0 {
			limit = pagination.DefaultLimit
		}
		if limit > pagination.MaxLimit {
			limit = pagination.MaxLimit
		}

		if p.Cursor != "" {
			if cursor, err := pagination.DecodeCursor(p.Cursor); err == nil && cursor.ID != "" {
				db = ApplyOperator(Condition{Field: "id", Operator: GT, Value: cursor.ID})(db)
			}
		}

		return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}}).Limit(limit + 1)
	}
}
