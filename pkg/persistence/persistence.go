// Package persistence defines the capability interface the document
// log, secondary-index log, and persistence-globals store present to
// the rest of the backend. Concrete backends (pkg/persistence/boltpersistence)
// implement this interface; the commit path, query pipeline, and
// search workers depend only on it.
//
// Grounded on spec.md §6 (External Interfaces: Persistence) and on
// _examples/cuemby-warren/pkg/storage/store.go's capability-interface
// boundary style.
package persistence

import (
	"context"
	"encoding/json"
	"io"

	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// ConflictPolicy controls what a write batch does when it collides
// with an existing key.
type ConflictPolicy int

const (
	Overwrite ConflictPolicy = iota
	ErrorOnConflict
)

// Direction is the scan order for a range read.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// Version tags the on-disk write schema's version, exposed so search
// index managers can detect they can't safely read an older snapshot.
type Version uint32

// DocRecord is one row of the document log: a value at (ts, tablet,
// id), or a tombstone if Value is nil.
type DocRecord struct {
	Tablet values.TabletID
	ID     values.InternalID
	TS     values.Timestamp
	Value  *values.Document
	PrevTS values.Timestamp
	HasPrev bool
}

// IndexRecord is one row of the secondary-index log: a key at
// (index, ts) mapping to (tablet, id), or a tombstone if Tombstone is
// set.
type IndexRecord struct {
	IndexID   values.IndexID
	Key       values.IndexKey
	TS        values.Timestamp
	Tablet    values.TabletID
	DocID     values.InternalID
	Tombstone bool
}

// WriteBatch is an atomic group of document and index log writes, the
// unit the commit path persists per transaction.
type WriteBatch struct {
	Documents    []DocRecord
	IndexEntries []IndexRecord
}

// DocTS identifies a specific revision of a document, the key used to
// look up a previous revision.
type DocTS struct {
	Tablet values.TabletID
	ID     values.InternalID
	TS     values.Timestamp
}

// IndexChunk is a page of index-log entries returned for maintenance
// scans (e.g. a search index flusher reading a whole table).
type IndexChunk struct {
	Entries    []IndexRecord
	NextCursor []byte
}

// Persistence is the storage contract of spec.md §6: a content-
// addressed document log and secondary-index log, plus a small
// key/value globals store, and a handful of maintenance operations.
type Persistence interface {
	// Write commits a batch atomically. policy governs what happens if
	// a (ts, tablet, id) or (index, key, ts) key already exists.
	Write(ctx context.Context, batch WriteBatch, policy ConflictPolicy) error

	// LoadDocuments streams document log rows for a tablet within
	// [from, to) in the given direction.
	LoadDocuments(ctx context.Context, tablet values.TabletID, from, to values.Timestamp, dir Direction) ([]DocRecord, error)

	// PreviousRevisions resolves, for each requested (tablet, id, ts),
	// the most recent document revision strictly before ts.
	PreviousRevisions(ctx context.Context, keys []DocTS) (map[DocTS]DocRecord, error)

	// IndexRange scans an index's entries within interval, in order,
	// up to limit entries -- the query pipeline's sole read path and
	// the commit path's OCC read of "what committed since begin_ts".
	IndexRange(ctx context.Context, indexID values.IndexID, interval txn.Interval, order Direction, limit int) ([]IndexRecord, error)

	// LoadIndexChunk pages through an index's entries for maintenance
	// (flusher/compactor full scans), resuming from a cursor.
	LoadIndexChunk(ctx context.Context, indexID values.IndexID, cursor []byte, limit int) (IndexChunk, error)

	// DeleteIndexEntries physically removes index-log rows, used by
	// compaction once their segment is superseded.
	DeleteIndexEntries(ctx context.Context, entries []IndexRecord) error

	// Globals is the small JSON key/value store used for fast-forward
	// timestamps and bootstrap checkpoints.
	GlobalsGet(ctx context.Context, key string) (json.RawMessage, bool, error)
	GlobalsSet(ctx context.Context, key string, value json.RawMessage) error

	// IsFresh reports whether this persistence instance has never been
	// written to (a brand new data directory).
	IsFresh(ctx context.Context) (bool, error)

	// IsReadOnly reports whether this instance rejects writes (a
	// follower's local read replica, for instance).
	IsReadOnly() bool

	// Version reports the write schema version, for the search index
	// managers' version-gating rule.
	Version() Version

	// NextTS returns a timestamp guaranteed to be greater than every
	// timestamp ever written, the seed the commit path's candidate
	// commit_ts is computed from.
	NextTS(ctx context.Context) (values.Timestamp, error)
}

// Snapshotter is implemented by Persistence backends that can produce
// and install a full hot backup of their on-disk state. pkg/consensus
// uses it to back a raft.FSM's Snapshot/Restore with the real document
// and index log rather than an in-memory reconstruction, since that is
// exactly what those rows already are.
type Snapshotter interface {
	Backup(w io.Writer) error
	Restore(r io.Reader) error
}
