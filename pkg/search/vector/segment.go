package vector

import (
	"sort"

	"github.com/cuemby/docbase/pkg/values"
)

// Segment is one immutable on-disk fragment of a vector index.
// Grounded on the "flat vs ANN segment" discussion of spec.md §4.5:
// this port always builds a flat (brute-force) segment, since no ANN
// index library is present in the retrieval pack to ground an
// approximate structure (see DESIGN.md).
type Segment struct {
	ID      uint64
	MaxTS   values.Timestamp
	Vectors map[values.InternalID]Vector
	Filters map[values.InternalID]map[string]values.Value
	Deleted int
}

// SegmentID and NumDeleted satisfy pkg/search/metawriter.SearchIndex.
func (s *Segment) SegmentID() uint64 { return s.ID }
func (s *Segment) NumDeleted() int   { return s.Deleted }

// MarkDeleted removes docID's vector from the segment, the operation
// metawriter's merge-deletes reconciliation replays onto a segment it
// didn't originally build.
func (s *Segment) MarkDeleted(docID values.InternalID) {
	if _, ok := s.Vectors[docID]; !ok {
		return
	}
	delete(s.Vectors, docID)
	delete(s.Filters, docID)
	s.Deleted++
}

func NewSegment(id uint64, maxTS values.Timestamp, entries map[values.InternalID]SegmentEntry) *Segment {
	s := &Segment{ID: id, MaxTS: maxTS, Vectors: make(map[values.InternalID]Vector), Filters: make(map[values.InternalID]map[string]values.Value)}
	for docID, e := range entries {
		s.Vectors[docID] = e.Vector
		s.Filters[docID] = e.Filters
	}
	return s
}

// SegmentEntry is the flush-time view of one document's contribution.
type SegmentEntry struct {
	TS      values.Timestamp
	Vector  Vector
	Filters map[string]values.Value
}

// TopK performs a brute-force nearest-neighbor scan, returning up to k
// neighbors ordered by ascending distance.
func (s *Segment) TopK(query Vector, filters map[string]values.Value, k int) []Neighbor {
	out := make([]Neighbor, 0, len(s.Vectors))
	for id, v := range s.Vectors {
		if !matchesFilters(s.Filters[id], filters) {
			continue
		}
		out = append(out, Neighbor{DocID: id, Distance: CosineDistance(query, v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Merge folds other into a new segment, other winning on conflicting
// documents.
func Merge(id uint64, base, other *Segment) *Segment {
	maxTS := base.MaxTS
	if other.MaxTS > maxTS {
		maxTS = other.MaxTS
	}
	merged := &Segment{ID: id, MaxTS: maxTS, Vectors: make(map[values.InternalID]Vector), Filters: make(map[values.InternalID]map[string]values.Value)}
	for id, v := range base.Vectors {
		merged.Vectors[id] = v
		merged.Filters[id] = base.Filters[id]
	}
	for id, v := range other.Vectors {
		merged.Vectors[id] = v
		merged.Filters[id] = other.Filters[id]
	}
	return merged
}
