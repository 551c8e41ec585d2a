// Package objectstorage defines the opaque capability search segment
// artifacts are persisted through: a byte blob keyed by a flat string,
// put once, read back whole, occasionally deleted once a compaction
// supersedes it. It never interprets the bytes it stores.
//
// Grounded on the capability-interface style of
// _examples/cuemby-warren/pkg/storage/store.go (a narrow interface
// naming every operation the rest of the system needs, with a single
// concrete backend behind it) generalized down to a blob store's
// three verbs.
package objectstorage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when key has no value.
var ErrNotFound = errors.New("objectstorage: key not found")

// Storage is the Put/Get/Delete capability pkg/search's flushers and
// compactors persist segment artifacts through. Implementations only
// need to be content-addressable by key; they impose no structure on
// data.
type Storage interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
