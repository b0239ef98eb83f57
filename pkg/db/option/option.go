package option

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"questline-settlement/pkg/db/pagination"
)

// QueryOption mutates a gorm query before it runs.
type QueryOption func(*gorm.DB) *gorm.DB

// Operator is a comparison operator usable in ApplyOperator conditions.
type Operator string

const (
	EQ  Operator = "="
	NEQ Operator = "<>"
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

type Condition struct {
	Field    string
	Operator Operator
	Value    interface{}
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

// WithSortBy orders the result set. SortBy must be allow-listed so
// user-supplied column names never reach the ORDER BY clause.
func WithSortBy(sort QuerySortBy) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		column := sort.SortBy
		if column == "" {
			column = "created_at"
		}

		if sort.Allow != nil && !sort.Allow[column] {
			return db
		}

		return db.Order(clause.OrderByColumn{
			Column: clause.Column{Name: column},
			Desc:   strings.EqualFold(sort.OrderBy, "desc"),
		})
	}
}

// LockingUpdate is the row-level locking scope, usable directly with
// tx.Scopes. sqlite has no FOR UPDATE; its single-writer model already
// serializes these transactions.
func LockingUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialector != nil && db.Dialector.Name() == "sqlite" {
		return db
	}
	return db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func WithLockingUpdate() QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return LockingUpdate(db)
	}
}

func ApplyOperator(conds ...Condition) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		for _, cond := range conds {
			db = db.Where(fmt.Sprintf("%s %s ?", cond.Field, cond.Operator), cond.Value)
		}
		return db
	}
}

func ApplyPagination(p pagination.Pagination) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		limit := p.Limit
		if limit <= 0 {
			limit = 10
		}
		return db.Limit(limit)
	}
}
