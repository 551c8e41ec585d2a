package text

import (
	"fmt"
	"sync"

	"github.com/cuemby/docbase/pkg/dberrors"
	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/values"
)

// diskStateKind mirrors text_index_manager.rs's TextIndexState:
// Backfilling carries only a memory index, Backfilled and Ready both
// carry a disk snapshot and differ only in whether the index is
// currently serving queries.
type diskStateKind int

const (
	diskBackfilling diskStateKind = iota
	diskBackfilled
	diskReady
)

// SnapshotInfo is the disk-backed half of a text index once it has
// flushed at least once.
type SnapshotInfo struct {
	Segments []*Segment
	TS       values.Timestamp
	Version  values.PersistenceVersion
}

// TextIndex is one index's current state: either still backfilling in
// memory only, backfilled but not yet serving (config not enabled
// yet), or ready and serving queries.
type TextIndex struct {
	Kind     diskStateKind
	Memory   *MemoryIndex
	Snapshot *SnapshotInfo
}

func newBackfillingIndex(minTS values.WriteTimestamp) *TextIndex {
	return &TextIndex{Kind: diskBackfilling, Memory: NewMemoryIndex(minTS)}
}

// IndexRowChange describes one committed change to an `_index` row
// relevant to text indexes: deletion/insertion mirror the document
// mutation, already narrowed by the caller to the text-index case.
type IndexRowChange struct {
	ID      values.IndexID
	Tablet  values.TabletID
	Name    values.IndexDescriptor
	Config  *indexing.TextConfig
	Enabled bool // the new row's registry state; irrelevant on pure deletion
	Deleted bool
	TS      values.Timestamp
}

type managerState int

const (
	managerBootstrapping managerState = iota
	managerReady
)

// Manager owns every text index's runtime state and answers search
// queries by merging each index's disk snapshot with its memory tail.
//
// Grounded on _examples/original_source/crates/search/src/text_index_manager.rs.
type Manager struct {
	mu                 sync.RWMutex
	state              managerState
	indexes            map[values.IndexID]*TextIndex
	persistenceVersion values.PersistenceVersion
}

func NewManager(persistenceVersion values.PersistenceVersion) *Manager {
	return &Manager{state: managerBootstrapping, persistenceVersion: persistenceVersion}
}

// MarkReady transitions the manager out of bootstrapping once the
// backfill replay that populated indexes has finished.
func (m *Manager) MarkReady(indexes map[values.IndexID]*TextIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = managerReady
	m.indexes = indexes
}

func (m *Manager) requireReady() error {
	if m.state != managerReady {
		return dberrors.Overloaded("SearchIndexesUnavailable", "text search indexes are still backfilling")
	}
	return nil
}

// ApplyIndexRowChange reacts to a commit on the `_index` table,
// creating, transitioning, or removing the corresponding TextIndex.
// Bootstrapping managers ignore all updates; they are populated wholly
// by the initial MarkReady call instead.
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
		// Still no disk snapshot; nothing to transition until a flush
		// publishes one via ApplySnapshot.
		return nil
	case diskBackfilled, diskReady:
		if existing.Snapshot == nil {
			return fmt.Errorf("text index %s: backfilled/ready state missing snapshot", change.ID)
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

// ApplySnapshot publishes a newly-flushed disk snapshot for an index,
// truncating its memory index down to the snapshot's timestamp and
// promoting it to Ready (if enabled) or Backfilled.
//
// Grounded on the Backfilling->Backfilled and Backfilled->Ready /
// Ready->Ready transitions of text_index_manager.rs's `update`: a
// transition is only valid if the prior memory index (or prior
// snapshot) has seen every write up to the new snapshot's timestamp.
func (m *Manager) ApplySnapshot(id values.IndexID, snapshot SnapshotInfo, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, ok := m.indexes[id]
	if !ok {
		return fmt.Errorf("text index %s: no such index", id)
	}

	var minTS values.WriteTimestamp
	switch idx.Kind {
	case diskBackfilling:
		minTS = idx.Memory.MinTS()
	case diskBackfilled, diskReady:
		if idx.Snapshot == nil {
			return fmt.Errorf("text index %s: missing prior snapshot", id)
		}
		minTS = values.Committed(idx.Snapshot.TS)
	}
	if ts, committed := minTS.Timestamp(); committed && ts > snapshot.TS {
		return fmt.Errorf("text index %s: snapshot ts %d older than indexed prefix %d", id, snapshot.TS, ts)
	}

	mem := idx.Memory
	if mem == nil {
		mem = NewMemoryIndex(values.Committed(snapshot.TS))
	} else {
		mem = mem.Clone()
	}
	mem.Truncate(snapshot.TS.Succ())

	next := &TextIndex{Memory: mem, Snapshot: &snapshot}
	if enabled {
		next.Kind = diskReady
	} else {
		next.Kind = diskBackfilled
	}
	m.indexes[id] = next
	return nil
}

// ApplyDocumentWrite fans a committed document write out to every
// text index configured on its tablet, updating each index's memory
// tail with the new term set (and retiring the old one implicitly:
// MemoryIndex.Update replaces the prior posting for this document).
func (m *Manager) ApplyDocumentWrite(registry *indexing.Registry, tablet values.TabletID, id values.InternalID, ts values.Timestamp, oldDoc, newDoc *values.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != managerReady {
		return
	}
	for _, cfg := range registry.TextIndexesOnTablet(tablet) {
		idx, ok := m.indexes[cfg.ID]
		if !ok {
			continue
		}
		terms := ExtractTerms(newDoc, cfg.Text.SearchField)
		filters := ExtractFilterValues(newDoc, cfg.Text.FilterFields)
		idx.Memory.Update(id, ts, terms, filters)
	}
}

// Search answers a compiled query against one index, merging its disk
// snapshot (if version-compatible) with its memory tail, per spec.md
// §4.4's version-gating rule: a snapshot built under an older
// PersistenceVersion is treated as if the index were still
// backfilling rather than served stale.
func (m *Manager) Search(id values.IndexID, q *CompiledQuery) ([]values.InternalID, error) {
	if err := m.requireReady(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.indexes[id]
	if !ok {
		return nil, fmt.Errorf("text index %s: no such index", id)
	}
	if idx.Kind != diskReady {
		return nil, dberrors.Overloaded("TextIndexBackfilling", fmt.Sprintf("text index %s has not finished backfilling", id))
	}
	if idx.Snapshot.Version != m.persistenceVersion {
		return nil, dberrors.Overloaded("TextIndexStalePersistenceVersion",
			fmt.Sprintf("text index %s snapshot was built under an incompatible persistence version", id))
	}

	results := make(map[values.InternalID]values.Timestamp)
	for _, seg := range idx.Snapshot.Segments {
		for docID, ts := range seg.Search(q.Terms) {
			if prev, ok := results[docID]; !ok || ts > prev {
				results[docID] = ts
			}
		}
	}

	for _, c := range idx.Memory.Candidates(q) {
		if c.Tombstoned {
			delete(results, c.DocID)
			continue
		}
		if c.Matches {
			results[c.DocID] = c.TS
		}
	}

	out := make([]values.InternalID, 0, len(results))
	for id := range results {
		out = append(out, id)
	}
	return out, nil
}

func (m *Manager) State(id values.IndexID) (*TextIndex, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[id]
	return idx, ok
}
