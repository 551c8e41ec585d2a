// Package txn implements a transaction's read set and write set: the
// bookkeeping the commit path validates at commit time (OCC) and
// applies to persistence.
//
// Grounded on _examples/original_source/crates/database/src/reads.rs
// and writes.rs.
package txn

import (
	"bytes"
	"sync"

	"github.com/cuemby/docbase/pkg/values"
)

// IndexRef names an index independent of state, the unit reads and
// writes are recorded against.
type IndexRef struct {
	Tablet values.TabletID
	Name   values.IndexDescriptor
}

// Interval is a half-open [Start, End) byte range. An empty Start
// means unbounded below; an empty End means unbounded above.
type Interval struct {
	Start []byte
	End   []byte
}

// IntervalAll returns the unbounded interval, used for read
// dependencies that must overlap any write to an index (e.g. any
// mutation of `_index`/`_tables`).
func IntervalAll() Interval { return Interval{} }

// IntervalPrefix returns the interval of every key beginning with
// prefix.
func IntervalPrefix(prefix []byte) Interval {
	return Interval{Start: prefix, End: prefixSuccessor(prefix)}
}

// IntervalPoint returns the interval containing exactly one key.
func IntervalPoint(key []byte) Interval {
	return Interval{Start: key, End: append(append([]byte(nil), key...), 0x00)}
}

// prefixSuccessor returns the smallest byte string that is strictly
// greater than every string with the given prefix, or nil if no such
// bound exists (the prefix is all 0xff bytes).
func prefixSuccessor(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// Contains reports whether key falls within the interval.
func (iv Interval) Contains(key []byte) bool {
	if len(iv.Start) > 0 && bytes.Compare(key, iv.Start) < 0 {
		return false
	}
	if len(iv.End) > 0 && bytes.Compare(key, iv.End) >= 0 {
		return false
	}
	return true
}

// Overlaps reports whether two half-open intervals share any key.
func (iv Interval) Overlaps(other Interval) bool {
	if len(iv.End) > 0 && len(other.Start) > 0 && bytes.Compare(iv.End, other.Start) <= 0 {
		return false
	}
	if len(other.End) > 0 && len(iv.Start) > 0 && bytes.Compare(other.End, iv.Start) <= 0 {
		return false
	}
	return true
}

type rangeRead struct {
	index    IndexRef
	interval Interval
}

// searchRead is a structured search predicate read, recorded
// conservatively: any commit touching the index's tablet is treated
// as overlapping, since this package does not itself compile or
// evaluate the predicate (that's pkg/search's job).
type searchRead struct {
	index IndexRef
}

// ReadSet accumulates the point reads, range reads, and search reads
// a transaction has made, for the commit path's OCC check.
type ReadSet struct {
	mu      sync.Mutex
	ranges  []rangeRead
	searches []searchRead
}

func NewReadSet() *ReadSet {
	return &ReadSet{}
}

// RecordPoint records a point read of a single index key.
func (r *ReadSet) RecordPoint(index IndexRef, key values.IndexKey) {
	r.RecordRange(index, IntervalPoint([]byte(key)))
}

// RecordRange records a range read over an interval of an index.
func (r *ReadSet) RecordRange(index IndexRef, interval Interval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranges = append(r.ranges, rangeRead{index: index, interval: interval})
}

// RecordIndexedDerived is an alias for RecordRange matching the
// naming `writes.rs`'s `record_reads_for_write` uses for the
// dependencies it derives from a write, independent of any value the
// transaction actually looked at.
func (r *ReadSet) RecordIndexedDerived(index IndexRef, interval Interval) {
	r.RecordRange(index, interval)
}

// RecordSearch records that a transaction ran a search query against
// an index, conservatively conflicting with any write to that index's
// tablet.
func (r *ReadSet) RecordSearch(index IndexRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.searches = append(r.searches, searchRead{index: index})
}

// OverlapsKey reports whether any recorded read on the given index
// overlaps a single key written by a candidate commit.
func (r *ReadSet) OverlapsKey(index IndexRef, key values.IndexKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rr := range r.ranges {
		if rr.index != index {
			continue
		}
		if rr.interval.Contains([]byte(key)) {
			return true
		}
	}
	for _, sr := range r.searches {
		if sr.index.Tablet == index.Tablet {
			return true
		}
	}
	return false
}

// OverlapsInterval reports whether any recorded read on the given
// index overlaps the given interval.
func (r *ReadSet) OverlapsInterval(index IndexRef, interval Interval) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rr := range r.ranges {
		if rr.index != index {
			continue
		}
		if rr.interval.Overlaps(interval) {
			return true
		}
	}
	for _, sr := range r.searches {
		if sr.index.Tablet == index.Tablet {
			return true
		}
	}
	return false
}

// OverlapsTablet reports whether any recorded read touches the given
// tablet at all. Commit notifications the subscription worker
// consumes name only the tablet and document id a write touched, not
// the specific index keys it changed, so invalidating a query
// conservatively requires treating any read on that tablet as a
// candidate match.
func (r *ReadSet) OverlapsTablet(tablet values.TabletID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rr := range r.ranges {
		if rr.index.Tablet == tablet {
			return true
		}
	}
	for _, sr := range r.searches {
		if sr.index.Tablet == tablet {
			return true
		}
	}
	return false
}

// RangeRead is an exported snapshot of one recorded range read, the
// shape the commit path's OCC validation walks to find the index
// ranges a candidate commit must be checked against.
type RangeRead struct {
	Index    IndexRef
	Interval Interval
}

// Ranges returns every range read recorded so far.
func (r *ReadSet) Ranges() []RangeRead {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RangeRead, len(r.ranges))
	for i, rr := range r.ranges {
		out[i] = RangeRead{Index: rr.index, Interval: rr.interval}
	}
	return out
}

// SearchRead is an exported snapshot of one recorded search read.
type SearchRead struct {
	Index IndexRef
}

// Searches returns every search read recorded so far.
func (r *ReadSet) Searches() []SearchRead {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SearchRead, len(r.searches))
	for i, sr := range r.searches {
		out[i] = SearchRead{Index: sr.index}
	}
	return out
}

// IsEmpty reports whether the transaction recorded no reads at all.
func (r *ReadSet) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ranges) == 0 && len(r.searches) == 0
}

// Clone produces an independent copy of the reads recorded so far,
// sharing no mutable state with the original.
func (r *ReadSet) Clone() *ReadSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := &ReadSet{
		ranges:   append([]rangeRead(nil), r.ranges...),
		searches: append([]searchRead(nil), r.searches...),
	}
	return out
}
