package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"questline-settlement/pkg/db/option"
)

// Repository is the shared persistence surface for gorm-backed models.
// FindOne reports a missing row as (nil, nil) so callers can branch on
// existence without unwrapping gorm errors.
type Repository[T any] interface {
	// WithTrx returns a copy bound to tx; the receiver stays untouched.
	WithTrx(tx *gorm.DB) Repository[T]
	Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error)
	FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error)
	Create(ctx context.Context, resource *T) error
	Update(ctx context.Context, resourceID string, resource any) error
	BatchCreate(ctx context.Context, resources []*T) error
	BatchUpdate(ctx context.Context, resources []*T) error
	Count(ctx context.Context, query *T) (int64, error)
}

type store[T any] struct {
	db *gorm.DB
}

// ProvideStore builds the default gorm-backed Repository for T.
func ProvideStore[T any](db *gorm.DB) Repository[T] {
	return &store[T]{db: db}
}

func (s *store[T]) WithTrx(tx *gorm.DB) Repository[T] {
	if tx == nil {
		return s
	}
	return &store[T]{db: tx}
}

func (s *store[T]) Find(ctx context.Context, query *T, opts ...option.QueryOption) ([]*T, error) {
	var out []*T

	tx := s.db.WithContext(ctx).Where(query)
	for _, opt := range opts {
		tx = opt(tx)
	}

	if err := tx.Find(&out).Error; err != nil {
		return nil, err
	}

	return out, nil
}

func (s *store[T]) FindOne(ctx context.Context, query *T, opts ...option.QueryOption) (*T, error) {
	var out T

	tx := s.db.WithContext(ctx).Where(query)
	for _, opt := range opts {
		tx = opt(tx)
	}

	if err := tx.First(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return &out, nil
}

func (s *store[T]) Create(ctx context.Context, resource *T) error {
	return s.db.WithContext(ctx).Create(resource).Error
}

// Update applies resource onto the row with the given id. Pass a map to
// write zero values; a struct only writes its non-zero fields.
func (s *store[T]) Update(ctx context.Context, resourceID string, resource any) error {
	var model T
	return s.db.WithContext(ctx).Model(&model).Where("id = ?", resourceID).Updates(resource).Error
}

func (s *store[T]) BatchCreate(ctx context.Context, resources []*T) error {
	if len(resources) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&resources).Error
}

func (s *store[T]) BatchUpdate(ctx context.Context, resources []*T) error {
	if len(resources) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Save(&resources).Error
}

func (s *store[T]) Count(ctx context.Context, query *T) (int64, error) {
	var (
		model T
		n     int64
	)

	if err := s.db.WithContext(ctx).Model(&model).Where(query).Count(&n).Error; err != nil {
		return 0, err
	}

	return n, nil
}
