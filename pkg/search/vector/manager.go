package vector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/docbase/pkg/dberrors"
	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/values"
)

type diskStateKind int

const (
	diskBackfilling diskStateKind = iota
	diskBackfilled
	diskReady
)

// SnapshotInfo is the disk-backed half of a vector index once it has
// flushed at least once.
type SnapshotInfo struct {
	Segments []*Segment
	TS       values.Timestamp
	Version  values.PersistenceVersion
}

// Index is one vector index's current runtime state.
type Index struct {
	Kind     diskStateKind
	Memory   *MemoryIndex
	Snapshot *SnapshotInfo
}

func newBackfillingIndex(minTS values.WriteTimestamp) *Index {
	return &Index{Kind: diskBackfilling, Memory: NewMemoryIndex(minTS)}
}

// IndexRowChange describes one committed change to an `_index` row
// relevant to vector indexes.
type IndexRowChange struct {
	ID      values.IndexID
	Tablet  values.TabletID
	Name    values.IndexDescriptor
	Config  *indexing.VectorConfig
	Enabled bool
	Deleted bool
	TS      values.Timestamp
}

type managerState int

const (
	managerBootstrapping managerState = iota
	managerReady
)

// Manager owns every vector index's runtime state, mirroring
// pkg/search/text.Manager's shape (see its doc comment for the shared
// transition rationale); kept as a separate, non-generic type rather
// than parameterized over term/vector payloads, since the two domains
// diverge enough (boolean term matching vs. metric nearest-neighbor
// search) that sharing an interface would buy little.
type Manager struct {
	mu                 sync.RWMutex
	state              managerState
	indexes            map[values.IndexID]*Index
	persistenceVersion values.PersistenceVersion
}

func NewManager(persistenceVersion values.PersistenceVersion) *Manager {
	return &Manager{state: managerBootstrapping, persistenceVersion: persistenceVersion}
}

func (m *Manager) MarkReady(indexes map[values.IndexID]*Index) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = managerReady
	m.indexes = indexes
}

func (m *Manager) requireReady() error {
	if m.state != managerReady {
		return dberrors.Overloaded("SearchIndexesUnavailable", "vector search indexes are still backfilling")
	}
	return nil
}

func (m *Manager) ApplyIndexRowChange(change IndexRowChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != managerReady {
		return nil
	}

	if change.Deleted {
		delete(m.indexes, change.ID)
		return nil
	}

	existing, ok := m.indexes[change.ID]
	if !ok {
		m.indexes[change.ID] = newBackfillingIndex(values.Committed(change.TS))
		return nil
	}

	switch existing.Kind {
	case diskBackfilling:
		return nil
	case diskBackfilled, diskReady:
		if existing.Snapshot == nil {
			return fmt.Errorf("vector index %s: backfilled/ready state missing snapshot", change.ID)
		}
		if change.Enabled {
			existing.Kind = diskReady
		} else {
			existing.Kind = diskBackfilled
		}
		return nil
	}
	return nil
}

func (m *Manager) ApplySnapshot(id values.IndexID, snapshot SnapshotInfo, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.indexes[id]
	if !ok {
		return fmt.Errorf("vector index %s: no such index", id)
	}

	var minTS values.WriteTimestamp
	switch idx.Kind {
	case diskBackfilling:
		minTS = idx.Memory.MinTS()
	case diskBackfilled, diskReady:
		if idx.Snapshot == nil {
			return fmt.Errorf("vector index %s: missing prior snapshot", id)
		}
		minTS = values.Committed(idx.Snapshot.TS)
	}
	if ts, committed := minTS.Timestamp(); committed && ts > snapshot.TS {
		return fmt.Errorf("vector index %s: snapshot ts %d older than indexed prefix %d", id, snapshot.TS, ts)
	}

	mem := idx.Memory
	if mem == nil {
		mem = NewMemoryIndex(values.Committed(snapshot.TS))
	} else {
		mem = mem.Clone()
	}
	mem.Truncate(snapshot.TS.Succ())

	next := &Index{Memory: mem, Snapshot: &snapshot}
	if enabled {
		next.Kind = diskReady
	} else {
		next.Kind = diskBackfilled
	}
	m.indexes[id] = next
	return nil
}

func (m *Manager) ApplyDocumentWrite(registry *indexing.Registry, tablet values.TabletID, id values.InternalID, ts values.Timestamp, newDoc *values.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != managerReady {
		return
	}
	for _, cfg := range registry.VectorIndexesOnTablet(tablet) {
		idx, ok := m.indexes[cfg.ID]
		if !ok {
			continue
		}
		vec := ExtractVector(newDoc, cfg.Vector)
		filters := ExtractFilterValues(newDoc, cfg.Vector.FilterFields)
		idx.Memory.Update(id, ts, vec, filters)
	}
}

// Search returns up to k nearest neighbors for a query vector against
// a Ready index, merging the disk snapshot's top-k candidates with a
// brute-force scan of the memory tail and discarding any disk hit a
// memory tombstone has invalidated (spec.md §4.7's overfetch
// compensation: because a disk top-k can't know a memory deletion
// removed one of its k results, the disk scan is over-fetched by the
// number of memory-tail writes before trimming back to k).
func (m *Manager) Search(id values.IndexID, query Vector, filters map[string]values.Value, k int) ([]Neighbor, error) {
	if err := m.requireReady(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.indexes[id]
	if !ok {
		return nil, fmt.Errorf("vector index %s: no such index", id)
	}
	if idx.Kind != diskReady {
		return nil, dberrors.Overloaded("VectorIndexBackfilling", fmt.Sprintf("vector index %s has not finished backfilling", id))
	}
	if idx.Snapshot.Version != m.persistenceVersion {
		return nil, dberrors.Overloaded("VectorIndexStalePersistenceVersion",
			fmt.Sprintf("vector index %s snapshot was built under an incompatible persistence version", id))
	}

	overfetch := k + len(idx.Memory.postings)
	var diskHits []Neighbor
	for _, seg := range idx.Snapshot.Segments {
		diskHits = append(diskHits, seg.TopK(query, filters, overfetch)...)
	}

	best := make(map[values.InternalID]float32)
	for _, h := range diskHits {
		if d, ok := best[h.DocID]; !ok || h.Distance < d {
			best[h.DocID] = h.Distance
		}
	}
	for _, n := range idx.Memory.Search(query, filters) {
		if n.Tombstoned {
			delete(best, n.DocID)
			continue
		}
		if d, ok := best[n.DocID]; !ok || n.Distance < d {
			best[n.DocID] = n.Distance
		}
	}

	out := make([]Neighbor, 0, len(best))
	for id, d := range best {
		out = append(out, Neighbor{DocID: id, Distance: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *Manager) State(id values.IndexID) (*Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[id]
	return idx, ok
}

// ExtractVector reads a document's configured vector field, returning
// nil if absent or of the wrong dimension.
func ExtractVector(doc *values.Document, cfg *indexing.VectorConfig) Vector {
	if doc == nil {
		return nil
	}
	v, ok := values.Lookup(doc.Value(), cfg.VectorField)
	if !ok {
		return nil
	}
	arr, ok := v.AsArray()
	if !ok || len(arr) != cfg.Dimension {
		return nil
	}
	out := make(Vector, len(arr))
	for i, e := range arr {
		f, ok := e.AsFloat64()
		if !ok {
			return nil
		}
		out[i] = float32(f)
	}
	return out
}

func ExtractFilterValues(doc *values.Document, fields []values.FieldPath) map[string]values.Value {
	if doc == nil || len(fields) == 0 {
		return nil
	}
	out := make(map[string]values.Value, len(fields))
	for _, f := range fields {
		if v, ok := values.Lookup(doc.Value(), f); ok {
			out[f.String()] = v
		}
	}
	return out
}
