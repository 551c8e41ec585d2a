package text

import (
	"sort"

	"github.com/cuemby/docbase/pkg/values"
)

// Segment is one immutable on-disk fragment of a text index: a set of
// postings covering documents committed up to (and including) TS at
// the time it was built. A snapshot is the ordered list of segments
// produced by successive flushes, merged down by the compactor.
//
// Grounded on the "fragmented index" terminology of
// text_index_manager.rs; the actual postings representation here is a
// simple sorted-term map rather than a real inverted-file format,
// since no on-disk search codec exists anywhere in the retrieval
// pack (see DESIGN.md).
type Segment struct {
	ID       uint64
	MaxTS    values.Timestamp
	Postings map[string][]Hit
	Deleted  int
}

// SegmentID and NumDeleted satisfy pkg/search/metawriter.SearchIndex,
// letting the flusher/compactor race reconciliation operate on text
// segments without this package depending on metawriter.
func (s *Segment) SegmentID() uint64 { return s.ID }
func (s *Segment) NumDeleted() int   { return s.Deleted }

// MarkDeleted removes every posting for docID and records the
// deletion, the operation metawriter's merge-deletes reconciliation
// replays onto a segment it didn't originally build.
func (s *Segment) MarkDeleted(docID values.InternalID) {
	changed := false
	for term, hits := range s.Postings {
		kept := hits[:0]
		for _, h := range hits {
			if h.DocID == docID {
				changed = true
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) == 0 {
			delete(s.Postings, term)
		} else {
			s.Postings[term] = kept
		}
	}
	if changed {
		s.Deleted++
	}
}

// Hit is one document's appearance in a segment's postings for a
// single term.
type Hit struct {
	DocID values.InternalID
	TS    values.Timestamp
}

// NewSegment builds a segment out of memory index postings captured
// at flush time.
func NewSegment(id uint64, maxTS values.Timestamp, entries map[values.InternalID]SegmentEntry) *Segment {
	s := &Segment{ID: id, MaxTS: maxTS, Postings: make(map[string][]Hit)}
	for docID, e := range entries {
		for term := range e.Terms {
			s.Postings[term] = append(s.Postings[term], Hit{DocID: docID, TS: e.TS})
		}
	}
	for _, hits := range s.Postings {
		sort.Slice(hits, func(i, j int) bool { return hits[i].DocID.String() < hits[j].DocID.String() })
	}
	return s
}

// SegmentEntry is the flush-time view of one document's contribution,
// independent of the live MemoryIndex's internal posting type.
type SegmentEntry struct {
	TS      values.Timestamp
	Terms   map[string]struct{}
	Filters map[string]values.Value
}

// Search returns every document id in the segment matching every term
// of the query (AND semantics), without regard to filters: filter
// evaluation happens against the per-document field snapshot the
// caller joins in afterward, since a segment does not duplicate full
// field values per term.
func (s *Segment) Search(terms []string) map[values.InternalID]values.Timestamp {
	if len(terms) == 0 {
		out := make(map[values.InternalID]values.Timestamp)
		for _, hits := range s.Postings {
			for _, h := range hits {
				out[h.DocID] = h.TS
			}
		}
		return out
	}
	counts := make(map[values.InternalID]int)
	latest := make(map[values.InternalID]values.Timestamp)
	for _, t := range terms {
		for _, h := range s.Postings[t] {
			counts[h.DocID]++
			if h.TS > latest[h.DocID] {
				latest[h.DocID] = h.TS
			}
		}
	}
	out := make(map[values.InternalID]values.Timestamp)
	for id, c := range counts {
		if c == len(terms) {
			out[id] = latest[id]
		}
	}
	return out
}

// Merge folds other into a new segment covering both, other winning
// on conflicting documents since it is assumed newer (this is the
// compactor's core operation).
func Merge(id uint64, base, other *Segment) *Segment {
	maxTS := base.MaxTS
	if other.MaxTS > maxTS {
		maxTS = other.MaxTS
	}
	merged := &Segment{ID: id, MaxTS: maxTS, Postings: make(map[string][]Hit)}
	newer := make(map[values.InternalID]bool)
	for _, hits := range other.Postings {
		for _, h := range hits {
			newer[h.DocID] = true
		}
	}
	for term, hits := range base.Postings {
		for _, h := range hits {
			if !newer[h.DocID] {
				merged.Postings[term] = append(merged.Postings[term], h)
			}
		}
	}
	for term, hits := range other.Postings {
		merged.Postings[term] = append(merged.Postings[term], hits...)
	}
	return merged
}
