package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when no record exists under the key.
	ErrNotFound = errors.New("record not found")
	// ErrQuotaExceeded is returned by Set when the write would exceed the
	// storage quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Store is the durable key/value port the session manager persists to.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
