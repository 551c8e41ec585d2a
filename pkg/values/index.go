package values

import "github.com/google/uuid"

// IndexID is the internal id of an index row in the `_index` table.
type IndexID uuid.UUID

func NewIndexID() IndexID { return IndexID(uuid.New()) }

func (id IndexID) String() string { return uuid.UUID(id).String() }

func (id IndexID) Bytes() []byte {
	u := uuid.UUID(id)
	return u[:]
}

// IndexDescriptor names an index within its tablet, independent of
// state (an enabled and a pending index may share a descriptor).
type IndexDescriptor string

// IndexName is the fully-qualified, printable name of an index:
// table name plus descriptor, e.g. "messages.by_author".
type IndexName struct {
	Table      TableName
	Descriptor IndexDescriptor
}

func (n IndexName) String() string {
	return string(n.Table) + "." + string(n.Descriptor)
}

// PersistenceVersion tags the on-disk encoding of search index
// segments, so a backend can detect it doesn't understand an older
// snapshot format and treat the index as still backfilling.
type PersistenceVersion uint32

// WriteTimestamp is either a committed timestamp or the pending
// marker used for writes still inside an open transaction (not yet
// assigned a commit timestamp).
type WriteTimestamp struct {
	committed bool
	ts        Timestamp
}

func Committed(ts Timestamp) WriteTimestamp { return WriteTimestamp{committed: true, ts: ts} }
func Pending() WriteTimestamp               { return WriteTimestamp{committed: false} }

func (w WriteTimestamp) IsCommitted() bool { return w.committed }

func (w WriteTimestamp) Timestamp() (Timestamp, bool) { return w.ts, w.committed }

func (w WriteTimestamp) Compare(other WriteTimestamp) int {
	if w.committed != other.committed {
		// Pending sorts after every committed timestamp: a transaction's
		// own uncommitted writes are always "newest".
		if !w.committed {
			return 1
		}
		return -1
	}
	if !w.committed {
		return 0
	}
	switch {
	case w.ts < other.ts:
		return -1
	case w.ts > other.ts:
		return 1
	default:
		return 0
	}
}
