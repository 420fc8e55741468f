package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed = errors.New("storage closed")
	// ErrNoChange may be returned by an UpdateFunc to leave the value untouched.
	// Update then returns nil.
	ErrNoChange = errors.New("storage: no change")
)

// UpdateFunc receives the current value (ok=false when absent) and returns the
// next one. A nil next deletes the key.
type UpdateFunc func(cur []byte, ok bool) (next []byte, err error)

// Store is the persistence API used by credentials, settings, dispatch dedup
// and the client reminder ledger.
type Store interface {
	Get(ctx context.Context, bucket, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	// Update runs fn inside one transaction on the latest stored value.
	Update(ctx context.Context, bucket, key string, fn UpdateFunc) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory" (default): process-local map
//   - "file": one directory per bucket, atomic file replace
//   - "sqlite": SQLite database file (modernc, pure Go)
//   - "postgres": PostgreSQL via DSN (lib/pq)
//   - "redis": Redis via URL in DSN (go-redis)
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Bucket names.
const (
	BucketPasscodes = "user-passcodes"
	BucketSettings  = "user-settings"
	BucketDedup     = "dispatch-dedup"
	BucketLocal     = "local"
)

// applyUpdate runs fn and reports what the driver should persist.
func applyUpdate(fn UpdateFunc, cur []byte, ok bool) (next []byte, write bool, err error) {
	next, err = fn(cur, ok)
	if errors.Is(err, ErrNoChange) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return next, true, nil
}
