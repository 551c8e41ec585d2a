// Package text implements the in-memory text index, its on-disk
// segment flusher and compactor, and the manager that serves search
// queries by merging the two.
//
// Grounded on _examples/original_source/crates/search/src/text_index_manager.rs
// and crates/search/src/memory_index.rs (read for shape; the Go port
// below is a from-scratch reimplementation of the same state machine,
// not a line-for-line translation).
package text

import (
	"strings"
	"unicode"

	"github.com/cuemby/docbase/pkg/values"
)

// Tokenize splits a string into lowercase alphanumeric terms, the
// small hand-rolled matcher standing in for a real search-engine
// tokenizer (see DESIGN.md: no full-text search library is present in
// the retrieval pack).
func Tokenize(s string) []string {
	terms := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return terms
}

// posting is the memory index's per-document entry: the terms it
// contributes at the time of a given commit, or nil Terms for a pure
// tombstone (the document was deleted or no longer matches).
type posting struct {
	ts           values.Timestamp
	terms        map[string]struct{}
	filterValues map[string]values.Value
	tombstoned   bool
}

// MemoryIndex holds the tail of a text index's document log since the
// last on-disk snapshot: per-document term sets plus tombstones, used
// to serve recent writes a disk segment hasn't absorbed yet.
type MemoryIndex struct {
	minTS    values.WriteTimestamp
	postings map[values.InternalID]*posting
}

// NewMemoryIndex creates an empty memory index whose revisions begin
// at minTS (inclusive): no revision before minTS is ever recorded
// here, matching spec.md §4.4's invariant that a transition requires
// `mem.min_ts <= new_snapshot.ts`.
func NewMemoryIndex(minTS values.WriteTimestamp) *MemoryIndex {
	return &MemoryIndex{minTS: minTS, postings: make(map[values.InternalID]*posting)}
}

func (m *MemoryIndex) MinTS() values.WriteTimestamp { return m.minTS }

// Update records a commit's effect on one document: newTerms (nil if
// deleted or no longer matches) replaces whatever the index held for
// the document and becomes its current contribution.
func (m *MemoryIndex) Update(id values.InternalID, ts values.Timestamp, newTerms map[string]struct{}, filterValues map[string]values.Value) {
	m.postings[id] = &posting{
		ts:           ts,
		terms:        newTerms,
		filterValues: filterValues,
		tombstoned:   newTerms == nil,
	}
}

// Truncate drops every recorded revision older than newMinTS and
// advances MinTS, the step a Backfilled->Ready or Ready->Ready
// transition performs once a new disk snapshot makes those revisions
// redundant.
func (m *MemoryIndex) Truncate(newMinTS values.Timestamp) {
	for id, p := range m.postings {
		if p.ts < newMinTS {
			delete(m.postings, id)
		}
	}
	m.minTS = values.Committed(newMinTS)
}

// Clone returns an independent copy, used when a transition needs to
// mutate a truncated copy without disturbing the index still serving
// concurrent reads.
func (m *MemoryIndex) Clone() *MemoryIndex {
	out := &MemoryIndex{minTS: m.minTS, postings: make(map[values.InternalID]*posting, len(m.postings))}
	for id, p := range m.postings {
		cp := *p
		out.postings[id] = &cp
	}
	return out
}

func (m *MemoryIndex) Size() int {
	total := 0
	for id, p := range m.postings {
		total += len(id.Bytes())
		for t := range p.terms {
			total += len(t)
		}
	}
	return total
}

// Candidate is one memory-index hit or tombstone surfaced to the
// search merge step.
type Candidate struct {
	DocID      values.InternalID
	TS         values.Timestamp
	Tombstoned bool
	Matches    bool
}

// Candidates returns every document the memory index has an opinion
// about for the given compiled query: either it matches (a hit more
// recent than the disk snapshot) or it's tombstoned (so a disk hit for
// the same id must be discarded).
func (m *MemoryIndex) Candidates(q *CompiledQuery) []Candidate {
	var out []Candidate
	for id, p := range m.postings {
		if p.tombstoned {
			out = append(out, Candidate{DocID: id, TS: p.ts, Tombstoned: true})
			continue
		}
		if q.MatchesTerms(p.terms) && q.MatchesFilters(p.filterValues) {
			out = append(out, Candidate{DocID: id, TS: p.ts, Matches: true})
		} else {
			// Still touched in memory (no longer matches); treat as a
			// tombstone for merge purposes so a stale disk hit isn't
			// served.
			out = append(out, Candidate{DocID: id, TS: p.ts, Tombstoned: true})
		}
	}
	return out
}

// DocumentIDsSince returns every document id the memory index has
// recorded a revision for at or after ts.
func (m *MemoryIndex) DocumentIDsSince(ts values.Timestamp) []values.InternalID {
	var out []values.InternalID
	for id, p := range m.postings {
		if p.ts >= ts {
			out = append(out, id)
		}
	}
	return out
}
