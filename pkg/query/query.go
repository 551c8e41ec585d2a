// Package query implements the read-side query pipeline: sources,
// post-operators, fingerprinting, and the batched streaming driver
// that turns a compiled query into persistence.IndexRange calls.
//
// Grounded on _examples/original_source/crates/database/src/query/mod.rs
// (Query, QuerySource, QueryOperator, CompiledQuery::new_bounded).
package query

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// SourceKind is the three ways a query can produce its initial stream
// of documents.
type SourceKind int

const (
	FullTableScan SourceKind = iota
	IndexRangeSource
	SearchSource
)

func (k SourceKind) String() string {
	switch k {
	case FullTableScan:
		return "full_table_scan"
	case IndexRangeSource:
		return "index_range"
	case SearchSource:
		return "search"
	default:
		return "unknown"
	}
}

// Source names where a query's rows come from. A FullTableScan
// compiles to an IndexRange over the table's by_creation_time index
// with an unbounded interval; IndexRangeSource names an explicit
// index and bound; SearchSource defers to a text index manager.
type Source struct {
	Kind   SourceKind
	Tablet values.TabletID

	// IndexRangeSource only: the index scanned and the field-value
	// bound compiled against its indexed fields.
	IndexName values.IndexDescriptor
	Interval  txn.Interval

	Order Order

	// SearchSource only: the search index queried and the raw
	// predicate text, compiled by pkg/search/text.Compile.
	SearchIndexName values.IndexDescriptor
	SearchField     values.FieldPath
	SearchText      string
	SearchFilters   map[string]values.Value
}

// Order is the scan direction, named independently of
// persistence.Direction so this package doesn't need to import it
// just to express a query.
type Order int

const (
	Asc Order = iota
	Desc
)

// OperatorKind distinguishes the two post-operators spec.md §4.3
// names.
type OperatorKind int

const (
	OpFilter OperatorKind = iota
	OpLimit
)

// Operator is one post-processing step applied to a source's stream,
// in order.
type Operator struct {
	Kind OperatorKind

	// OpFilter: keep rows where Field equals Want.
	Field values.FieldPath
	Want  values.Value

	// OpLimit: stop after N rows.
	N int
}

func Filter(field values.FieldPath, want values.Value) Operator {
	return Operator{Kind: OpFilter, Field: field, Want: want}
}

func Limit(n int) Operator {
	return Operator{Kind: OpLimit, N: n}
}

// Query is a source plus an ordered list of post-operators.
type Query struct {
	Source    Source
	Operators []Operator
}

// Fingerprint is a stable hash of a query's source, ordering, and
// indexed fields: the identity a pagination cursor is validated
// against, so resuming a cursor against a structurally different
// query is rejected rather than silently misinterpreted.
type Fingerprint [32]byte

func (f Fingerprint) String() string { return fmt.Sprintf("%x", f[:]) }

// Fingerprint hashes q's source, order, and operators, plus the
// indexed field list the source resolves against (passed in by the
// caller, since only the index registry knows it). Two queries with
// the same shape but different indexed fields - for instance because
// an index was dropped and recreated over different fields between
// cursor pages - must never fingerprint equal.
//
// Hashed with crypto/sha256 over a canonical length-prefixed
// encoding; no ecosystem library in the retrieval pack owns this
// narrow, exact-byte-layout hashing concern (see DESIGN.md).
func (q Query) Fingerprint(indexedFields []values.FieldPath) Fingerprint {
	h := sha256.New()
	writeUint(h, uint64(q.Source.Kind))
	writeBytes(h, q.Source.Tablet.Bytes())
	writeString(h, string(q.Source.IndexName))
	writeBytes(h, q.Source.Interval.Start)
	writeBytes(h, q.Source.Interval.End)
	writeUint(h, uint64(q.Source.Order))
	writeString(h, string(q.Source.SearchIndexName))
	writeString(h, q.Source.SearchField.String())
	writeString(h, q.Source.SearchText)

	writeUint(h, uint64(len(indexedFields)))
	for _, fp := range indexedFields {
		writeString(h, fp.String())
	}

	writeUint(h, uint64(len(q.Operators)))
	for _, op := range q.Operators {
		writeUint(h, uint64(op.Kind))
		writeString(h, op.Field.String())
		writeBytes(h, values.EncodeIndexKey([]values.Value{op.Want}))
		writeUint(h, uint64(op.N))
	}

	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out
}

func writeUint(h interface{ Write([]byte) (int, error) }, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func writeBytes(h interface{ Write([]byte) (int, error) }, b []byte) {
	writeUint(h, uint64(len(b)))
	h.Write(b)
}

func writeString(h interface{ Write([]byte) (int, error) }, s string) {
	writeBytes(h, []byte(s))
}
