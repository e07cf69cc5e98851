// Package repo defines the generic Repository interface and list options.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entity has the requested id.
var ErrNotFound = errors.New("repo: not found")

// Repository is a generic CRUD interface.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Create(ctx context.Context, entity T) (T, error)
}

// ListOpts controls pagination, filtering and ordering for List operations.
type ListOpts struct {
	Offset int
	Limit  int
	Filter map[string]any
	// OrderBy is a raw ORDER BY clause; the repository default applies when empty.
	OrderBy string
}
