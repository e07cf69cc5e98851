package repo

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// DefaultLimit caps List when ListOpts.Limit is not positive.
const DefaultLimit = 100

// GormRepo is a generic gorm-backed repository for one model type.
type GormRepo[T any, ID comparable] struct {
	db      *gorm.DB
	idKey   string
	orderBy string
}

// GormOption configures a GormRepo.
type GormOption[T any, ID comparable] func(*GormRepo[T, ID])

// WithIDKey sets the column used as the ID (default "id").
func WithIDKey[T any, ID comparable](key string) GormOption[T, ID] {
	return func(r *GormRepo[T, ID]) { r.idKey = key }
}

// WithOrder sets the default ORDER BY clause for List (default "<id> ASC").
func WithOrder[T any, ID comparable](clause string) GormOption[T, ID] {
	return func(r *GormRepo[T, ID]) { r.orderBy = clause }
}

// NewGormRepo creates a repository over db.
func NewGormRepo[T any, ID comparable](db *gorm.DB, opts ...GormOption[T, ID]) *GormRepo[T, ID] {
	r := &GormRepo[T, ID]{db: db, idKey: "id"}
	for _, o := range opts {
		o(r)
	}
	if r.orderBy == "" {
		r.orderBy = r.idKey + " ASC"
	}
	return r
}

// Compile-time interface check.
var _ Repository[struct{}, int64] = (*GormRepo[struct{}, int64])(nil)

// DB returns the underlying handle bound to ctx.
func (r *GormRepo[T, ID]) DB(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx)
}

func (r *GormRepo[T, ID]) Get(ctx context.Context, id ID) (T, error) {
	var out T
	err := r.DB(ctx).Where(r.idKey+" = ?", id).Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return out, fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	return out, err
}

func (r *GormRepo[T, ID]) List(ctx context.Context, opts ListOpts) ([]T, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	order := opts.OrderBy
	if order == "" {
		order = r.orderBy
	}

	q := r.DB(ctx).Order(order).Offset(opts.Offset).Limit(limit)
	if len(opts.Filter) > 0 {
		q = q.Where(opts.Filter)
	}
	var items []T
	if err := q.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// ListByIDs returns the entities whose id is in ids, in no particular order.
func (r *GormRepo[T, ID]) ListByIDs(ctx context.Context, ids []ID) ([]T, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var items []T
	if err := r.DB(ctx).Where(r.idKey+" IN ?", ids).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *GormRepo[T, ID]) Create(ctx context.Context, entity T) (T, error) {
	if err := r.DB(ctx).Create(&entity).Error; err != nil {
		var zero T
		return zero, err
	}
	return entity, nil
}
