package query

import (
	"fmt"

	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// creationTimeField is the synthetic indexed field a FullTableScan
// fingerprints against: by_creation_time has no developer-configured
// field list to report, but a table recreated with a different
// physical ordering must still fingerprint differently. Grounded on
// query/mod.rs's IndexedFields::creation_time() marker.
var creationTimeField = values.FieldPath{"_creationTime"}

// Compiled is a compiled query ready to drive: its fingerprint for
// cursor validation, and the Stream a Driver steps.
type Compiled struct {
	Fingerprint Fingerprint
	Stream      Stream
}

// Compile resolves q's source against the index registry and builds
// the Stream a Driver will step, optionally resuming from a prior
// page's cursor.
//
// Grounded on CompiledQuery::new_bounded in
// _examples/original_source/crates/database/src/query/mod.rs: resolve
// the index, compute the fingerprint over its indexed fields, validate
// any cursor against that fingerprint, then build the bounded range
// node and wrap it in each operator in order.
func Compile(registry *indexing.Registry, q Query, cursor *Cursor, pageSize int) (*Compiled, error) {
	if q.Source.Kind == SearchSource {
		return nil, fmt.Errorf("query: search sources compile via pkg/search/text, not pkg/query.Compile")
	}

	descriptor := q.Source.IndexName
	if q.Source.Kind == FullTableScan {
		descriptor = indexing.ByCreationTimeDescriptor
	}
	idx, ok := registry.EnabledByName(q.Source.Tablet, descriptor)
	if !ok {
		return nil, fmt.Errorf("query: no enabled index %q on tablet %s", descriptor, q.Source.Tablet)
	}

	var indexedFields []values.FieldPath
	if q.Source.Kind == FullTableScan {
		indexedFields = []values.FieldPath{creationTimeField}
	} else if idx.Database != nil {
		indexedFields = idx.Database.Fields
	}

	fp := q.Fingerprint(indexedFields)
	if err := ValidateCursor(cursor, fp); err != nil {
		return nil, err
	}

	interval := q.Source.Interval
	if q.Source.Kind == FullTableScan {
		interval = txn.IntervalAll()
	}
	if cursor != nil && len(cursor.Position) > 0 {
		interval = narrowFromCursor(interval, cursor.Position, q.Source.Order)
	}

	order := persistence.Forward
	if q.Source.Order == Desc {
		order = persistence.Backward
	}

	s := newIndexRangeStream(idx.ID, q.Source.Tablet, descriptor, interval, order, pageSize)
	var stream Stream = s
	for _, op := range q.Operators {
		switch op.Kind {
		case OpFilter:
			stream = newFilterStream(stream, op.Field, op.Want)
		case OpLimit:
			stream = newLimitStream(stream, op.N)
		}
	}

	return &Compiled{Fingerprint: fp, Stream: stream}, nil
}

// narrowFromCursor advances interval's scan-direction bound past a
// previously returned position, so resuming a cursor never re-yields
// a row already sent to the client.
func narrowFromCursor(interval txn.Interval, position CursorPosition, order Order) txn.Interval {
	key := []byte(position)
	if order == Desc {
		interval.End = key
		return interval
	}
	interval.Start = successor(key)
	return interval
}

func successor(key []byte) []byte {
	return append(append([]byte(nil), key...), 0x00)
}
