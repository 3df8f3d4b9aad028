// Package repo defines a generic keyed repository and its Neo4j implementation.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no entity has the requested ID.
var ErrNotFound = errors.New("not found")

// Repository stores entities keyed by ID. Upsert creates or replaces.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Upsert(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) (bool, error)
	DeleteAll(ctx context.Context) (int, error)
}

// ListOpts controls pagination and ordering for List.
type ListOpts struct {
	Offset int
	Limit  int    // <= 0 means 100
	SortBy string // property name; empty keeps storage order
	Desc   bool
}
