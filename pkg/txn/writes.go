package txn

import (
	"fmt"

	"github.com/cuemby/docbase/pkg/dberrors"
	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/values"
)

// Default transaction write budgets, grounded on the
// TRANSACTION_MAX_NUM_USER_WRITES / TRANSACTION_MAX_USER_WRITE_SIZE_BYTES
// knobs in writes.rs, renamed for this port.
const (
	DefaultMaxUserWrites        = 8192
	DefaultMaxUserWriteBytes    = 32 << 20
	DefaultMaxSystemWrites      = 32768
	DefaultMaxSystemWriteBytes  = 128 << 20
)

// Budgets bounds a transaction's write set, separately for
// developer-visible (user) writes and system-table writes.
type Budgets struct {
	MaxUserWrites       int
	MaxUserWriteBytes   int
	MaxSystemWrites     int
	MaxSystemWriteBytes int
}

func DefaultBudgets() Budgets {
	return Budgets{
		MaxUserWrites:       DefaultMaxUserWrites,
		MaxUserWriteBytes:   DefaultMaxUserWriteBytes,
		MaxSystemWrites:     DefaultMaxSystemWrites,
		MaxSystemWriteBytes: DefaultMaxSystemWriteBytes,
	}
}

// BootstrapTablets names the two self-describing system tables whose
// mutation requires recording the special any-key dependency
// `writes.rs`'s `record_reads_for_write` carves out.
type BootstrapTablets struct {
	TablesTablet values.TabletID
	IndexTablet  values.TabletID
}

// Update is one document's pending change in a write set: the
// previous committed value (if any) and the value the transaction
// wants to write (nil means delete).
type Update struct {
	Prev *values.DocAndTS
	Next *values.Document
}

// WriteSize tracks how much of a transaction's budget has been spent.
type WriteSize struct {
	NumWrites int
	Bytes     int
}

// WriteSet accumulates per-document updates for a transaction,
// coalescing repeated writes to the same document and charging writes
// to a separate user or system budget.
//
// Grounded on _examples/original_source/crates/database/src/writes.rs.
type WriteSet struct {
	order   []values.DocumentID
	updates map[values.DocumentID]*Update

	userSize   WriteSize
	systemSize WriteSize
	budgets    Budgets
}

func NewWriteSet(budgets Budgets) *WriteSet {
	return &WriteSet{
		updates: make(map[values.DocumentID]*Update),
		budgets: budgets,
	}
}

func (w *WriteSet) IsEmpty() bool { return len(w.updates) == 0 }

func (w *WriteSet) UserSize() WriteSize   { return w.userSize }
func (w *WriteSet) SystemSize() WriteSize { return w.systemSize }

// Update records a write to id: old_document -> new_document,
// implementing the four steps of spec.md §4.2.
func (w *WriteSet) Update(isSystem bool, reads *ReadSet, bootstrap BootstrapTablets, id values.DocumentID, prev *values.DocAndTS, next *values.Document) error {
	if prev == nil {
		if _, exists := w.updates[id]; exists {
			return fmt.Errorf("duplicate insert for document %s", id.InternalID)
		}
		w.registerNewID(reads, id)
	}
	w.recordReadsForWrite(bootstrap, reads, id.TabletID)

	idSize := len(id.InternalID.Bytes())
	valueSize := 0
	if next != nil {
		valueSize = estimateSize(next.Value())
	}

	size := &w.userSize
	maxWrites, maxBytes := w.budgets.MaxUserWrites, w.budgets.MaxUserWriteBytes
	if isSystem {
		size = &w.systemSize
		maxWrites, maxBytes = w.budgets.MaxSystemWrites, w.budgets.MaxSystemWriteBytes
	}

	// The size always reflects the attempted write, even if it is then
	// rejected for exceeding budget, so a caller can tell it threw
	// rather than silently dropping the write.
	size.NumWrites++
	size.Bytes += idSize + valueSize

	if size.NumWrites > maxWrites {
		if isSystem {
			return fmt.Errorf("too many system document writes in a single transaction: %d", size.NumWrites)
		}
		return dberrors.PaginationLimit("TooManyWrites",
			fmt.Sprintf("too many writes in a single function execution (limit: %d)", maxWrites))
	}
	if size.Bytes > maxBytes {
		if isSystem {
			return fmt.Errorf("too many bytes written in system tables in a single transaction: %d", size.Bytes)
		}
		return dberrors.PaginationLimit("TooManyBytesWritten",
			fmt.Sprintf("too many bytes written in a single function execution (limit: %d bytes)", maxBytes))
	}

	if existing, ok := w.updates[id]; ok {
		if !documentsEqual(existing.Next, prevDoc(prev)) {
			return fmt.Errorf("inconsistent update: old update's new document does not match this write's prev document")
		}
		existing.Next = next
		return nil
	}

	w.updates[id] = &Update{Prev: prev, Next: next}
	w.order = append(w.order, id)
	return nil
}

func prevDoc(prev *values.DocAndTS) *values.Document {
	if prev == nil {
		return nil
	}
	return prev.Doc
}

func documentsEqual(a, b *values.Document) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && values.Equal(a.Value(), b.Value())
}

// registerNewID records the read dependency that lets a concurrent
// insert of the same id OCC against this transaction, per spec.md
// §4.2 step 1.
func (w *WriteSet) registerNewID(reads *ReadSet, id values.DocumentID) {
	key := values.EncodeIndexKey([]values.Value{values.Bytes(id.InternalID.Bytes())})
	reads.RecordIndexedDerived(IndexRef{Tablet: id.TabletID, Name: indexing.ByIDDescriptor}, IntervalPrefix([]byte(key)))
}

// recordReadsForWrite records the standard write dependencies of
// spec.md §4.2 step 2: a point read that the table still exists, and
// a range read on the index configuration for the tablet, so
// concurrent table/index mutation OCCs against this write.
func (w *WriteSet) recordReadsForWrite(bootstrap BootstrapTablets, reads *ReadSet, tablet values.TabletID) {
	if tablet == bootstrap.TablesTablet || tablet == bootstrap.IndexTablet {
		// Mutations of `_tables`/`_index` themselves cannot race with any
		// other table or index mutation: both registries check invariants
		// across the whole set, so any write to either conflicts with any
		// other write to either.
		reads.RecordIndexedDerived(IndexRef{Tablet: bootstrap.TablesTablet, Name: indexing.ByIDDescriptor}, IntervalAll())
		reads.RecordIndexedDerived(IndexRef{Tablet: bootstrap.IndexTablet, Name: indexing.ByIDDescriptor}, IntervalAll())
		return
	}

	tabletKey := values.EncodeIndexKey([]values.Value{values.Bytes(tablet.Bytes())})
	reads.RecordIndexedDerived(IndexRef{Tablet: bootstrap.TablesTablet, Name: indexing.ByIDDescriptor}, IntervalPrefix([]byte(tabletKey)))

	reads.RecordIndexedDerived(IndexRef{Tablet: bootstrap.IndexTablet, Name: "by_table_id"}, IntervalPrefix([]byte(tabletKey)))
}

func estimateSize(v values.Value) int {
	switch v.Kind() {
	case values.KindNull, values.KindBool:
		return 1
	case values.KindInt64, values.KindFloat64:
		return 8
	case values.KindString:
		s, _ := v.AsString()
		return len(s)
	case values.KindBytes:
		b, _ := v.AsBytes()
		return len(b)
	case values.KindArray:
		arr, _ := v.AsArray()
		total := 0
		for _, e := range arr {
			total += estimateSize(e)
		}
		return total
	case values.KindObject:
		obj, _ := v.AsObject()
		total := 0
		for _, k := range obj.Keys() {
			fv, _ := obj.Get(k)
			total += len(k) + estimateSize(fv)
		}
		return total
	default:
		return 0
	}
}

// CoalescedWrites returns every write in insertion order, with no
// document id appearing twice.
func (w *WriteSet) CoalescedWrites() []struct {
	ID     values.DocumentID
	Update *Update
} {
	out := make([]struct {
		ID     values.DocumentID
		Update *Update
	}, 0, len(w.order))
	for _, id := range w.order {
		out = append(out, struct {
			ID     values.DocumentID
			Update *Update
		}{ID: id, Update: w.updates[id]})
	}
	return out
}

// GeneratedIDs returns the ids that this write set inserted for the
// first time (no prior document).
func (w *WriteSet) GeneratedIDs() []values.DocumentID {
	var out []values.DocumentID
	for _, id := range w.order {
		if w.updates[id].Prev == nil {
			out = append(out, id)
		}
	}
	return out
}
