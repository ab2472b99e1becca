// Package storage provides the persistence capability consumed by change
// detection and version management: an opaque key-value store holding whole
// snapshot values, with in-memory and SQLite-backed implementations.
package storage

import (
	"context"
	"errors"
)

// Fixed key namespaces. The services own the serialization format of each
// value; backends treat values as opaque blobs.
const (
	KeyVersionTrees    = "version-management:trees"
	KeyVersionBranches = "version-management:branches"
	KeyVersionHeads    = "version-management:heads"
	KeyVersionCache    = "change-detection:version-cache"
	KeyChangeHistory   = "change-detection:change-history"
)

// ErrNotFound is returned by Get when a key has never been set.
var ErrNotFound = errors.New("key not found")

// Store is the opaque key-value capability. Set replaces the whole value for
// a key; a crash between two Sets never yields a half-written snapshot.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, tags ...string) error
	Close() error
}
