// Package store defines the persistence gateway for the ledger engine.
// Implementations include in-memory (for testing), SQLite (local disk),
// PostgreSQL (remote) and a Redis read-through cache in front of any of them.
//
// The gateway is an opaque key/value store: callers own the encoding of
// the values they save.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no value is stored under the key.
var ErrNotFound = errors.New("store: key not found")

// Gateway is the persistence interface.
type Gateway interface {
	// Load returns the value stored under key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save stores value under key, replacing any previous value.
	Save(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists the stored keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Pinger is implemented by gateways backed by a connection that can fail.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks g's backing connection. Gateways without one are always
// reachable.
func Ping(ctx context.Context, g Gateway) error {
	if p, ok := g.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
