// Package vector implements the in-memory vector index, its flusher,
// compactor, bootstrap replay, and the manager that serves
// approximate-nearest-neighbor queries by merging disk and memory.
//
// Grounded on _examples/original_source/crates/vector/src/vector_index_manager.rs
// and crates/database/src/vector_bootstrap.rs (both read for shape;
// reimplemented from scratch in Go, not translated line for line).
package vector

import (
	"math"
	"sync"

	"github.com/cuemby/docbase/pkg/values"
)

// Vector is a dense embedding of fixed dimension.
type Vector []float32

func (v Vector) dot(o Vector) float32 {
	var sum float32
	for i := range v {
		sum += v[i] * o[i]
	}
	return sum
}

func (v Vector) norm() float32 {
	return float32(math.Sqrt(float64(v.dot(v))))
}

// CosineDistance returns 1 - cosine similarity; smaller is closer.
func CosineDistance(a, b Vector) float32 {
	na, nb := a.norm(), b.norm()
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - a.dot(b)/(na*nb)
}

type posting struct {
	ts           values.Timestamp
	vector       Vector
	filterValues map[string]values.Value
	tombstoned   bool
}

// MemoryIndex holds the tail of a vector index's document log since
// the last on-disk snapshot, brute-force scanned at query time: the
// retrieval pack carries no ANN library, so exact search stands in for
// it (see DESIGN.md).
type MemoryIndex struct {
	mu       sync.Mutex
	minTS    values.WriteTimestamp
	postings map[values.InternalID]*posting
}

func NewMemoryIndex(minTS values.WriteTimestamp) *MemoryIndex {
	return &MemoryIndex{minTS: minTS, postings: make(map[values.InternalID]*posting)}
}

func (m *MemoryIndex) MinTS() values.WriteTimestamp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minTS
}

func (m *MemoryIndex) Update(id values.InternalID, ts values.Timestamp, vec Vector, filterValues map[string]values.Value) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postings[id] = &posting{ts: ts, vector: vec, filterValues: filterValues, tombstoned: vec == nil}
}

func (m *MemoryIndex) Truncate(newMinTS values.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.postings {
		if p.ts < newMinTS {
			delete(m.postings, id)
		}
	}
	m.minTS = values.Committed(newMinTS)
}

func (m *MemoryIndex) Clone() *MemoryIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &MemoryIndex{minTS: m.minTS, postings: make(map[values.InternalID]*posting, len(m.postings))}
	for id, p := range m.postings {
		cp := *p
		out.postings[id] = &cp
	}
	return out
}

func (m *MemoryIndex) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for id, p := range m.postings {
		total += len(id.Bytes()) + len(p.vector)*4
	}
	return total
}

// Neighbor is one candidate result from a brute-force scan.
type Neighbor struct {
	DocID      values.InternalID
	Distance   float32
	Tombstoned bool
}

// Search scans every memory posting, returning a Neighbor for every
// document that matches the filter and one tombstone marker for every
// deleted/no-longer-matching document, so the manager's merge step can
// invalidate a stale disk hit for the same id.
func (m *MemoryIndex) Search(query Vector, filters map[string]values.Value) []Neighbor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Neighbor, 0, len(m.postings))
	for id, p := range m.postings {
		if p.tombstoned || !matchesFilters(p.filterValues, filters) {
			out = append(out, Neighbor{DocID: id, Tombstoned: true})
			continue
		}
		out = append(out, Neighbor{DocID: id, Distance: CosineDistance(query, p.vector)})
	}
	return out
}

func matchesFilters(have, want map[string]values.Value) bool {
	for k, v := range want {
		hv, ok := have[k]
		if !ok || !values.Equal(hv, v) {
			return false
		}
	}
	return true
}

// DocumentIDsSince returns the ids the memory index has recorded a
// revision for at or after ts.
func (m *MemoryIndex) DocumentIDsSince(ts values.Timestamp) []values.InternalID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []values.InternalID
	for id, p := range m.postings {
		if p.ts >= ts {
			out = append(out, id)
		}
	}
	return out
}
