package text

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/values"
)

func newTestRegistryWithTextIndex(t *testing.T) (*indexing.Registry, values.TabletID, values.TabletID, *indexing.Index) {
	t.Helper()
	indexTablet := values.NewTabletID()
	r := indexing.New(indexTablet)
	selfByID := &indexing.Index{
		ID: values.NewIndexID(), Tablet: indexTablet, Name: indexing.ByIDDescriptor,
		Kind: indexing.KindDatabase, State: indexing.StateEnabled,
		Database: &indexing.DatabaseConfig{Fields: []values.FieldPath{{"_id"}}},
	}
	require.NoError(t, r.Bootstrap(selfByID, nil))

	docsTablet := values.NewTabletID()
	idx := &indexing.Index{
		ID: values.NewIndexID(), Tablet: docsTablet, Name: "by_body",
		Kind: indexing.KindText, State: indexing.StateEnabled,
		Text: &indexing.TextConfig{SearchField: values.FieldPath{"body"}},
	}
	require.NoError(t, r.Update(nil, idx))
	return r, indexTablet, docsTablet, idx
}

func docWithBody(body string) *values.Document {
	obj := values.NewObject()
	obj.Set("body", values.String(body))
	return &values.Document{Fields: obj}
}

func TestManagerBootstrappingRejectsSearch(t *testing.T) {
	m := NewManager(1)
	_, err := m.Search(values.NewIndexID(), Compile(values.FieldPath{"body"}, "hello", nil))
	require.Error(t, err)
}

func TestManagerBackfillingToReadyTransitionServesMemoryOnly(t *testing.T) {
	_, _, docsTablet, idx := newTestRegistryWithTextIndex(t)
	m := NewManager(1)
	m.MarkReady(map[values.IndexID]*TextIndex{})

	require.NoError(t, m.ApplyIndexRowChange(IndexRowChange{ID: idx.ID, Tablet: docsTablet, Name: idx.Name, Config: idx.Text, Enabled: true, TS: 1}))

	state, ok := m.State(idx.ID)
	require.True(t, ok)
	require.Equal(t, diskBackfilling, state.Kind)

	docID := values.NewInternalID()
	m.applyDocumentWriteForTest(idx, docID, 2, nil, docWithBody("hello world"))

	// Still backfilling: disk snapshot not yet published, so Search must
	// refuse rather than silently serve an incomplete index.
	_, err := m.Search(idx.ID, Compile(values.FieldPath{"body"}, "hello", nil))
	require.Error(t, err)

	require.NoError(t, m.ApplySnapshot(idx.ID, SnapshotInfo{TS: 1, Version: 1}, true))
	state, _ = m.State(idx.ID)
	require.Equal(t, diskReady, state.Kind)

	hits, err := m.Search(idx.ID, Compile(values.FieldPath{"body"}, "hello", nil))
	require.NoError(t, err)
	require.Contains(t, hits, docID)
}

func TestManagerStalePersistenceVersionRejected(t *testing.T) {
	_, _, docsTablet, idx := newTestRegistryWithTextIndex(t)
	m := NewManager(2)
	m.MarkReady(map[values.IndexID]*TextIndex{})
	require.NoError(t, m.ApplyIndexRowChange(IndexRowChange{ID: idx.ID, Tablet: docsTablet, Name: idx.Name, Enabled: true, TS: 1}))
	require.NoError(t, m.ApplySnapshot(idx.ID, SnapshotInfo{TS: 1, Version: 1}, true))

	_, err := m.Search(idx.ID, Compile(values.FieldPath{"body"}, "hello", nil))
	require.Error(t, err)
}

func TestManagerDeletionRemovesIndex(t *testing.T) {
	_, _, docsTablet, idx := newTestRegistryWithTextIndex(t)
	m := NewManager(1)
	m.MarkReady(map[values.IndexID]*TextIndex{})
	require.NoError(t, m.ApplyIndexRowChange(IndexRowChange{ID: idx.ID, Tablet: docsTablet, TS: 1}))
	require.NoError(t, m.ApplyIndexRowChange(IndexRowChange{ID: idx.ID, Deleted: true}))
	_, ok := m.State(idx.ID)
	require.False(t, ok)
}

func TestMemoryIndexTombstoneOverridesStaleDiskHit(t *testing.T) {
	mem := NewMemoryIndex(values.Committed(0))
	docID := values.NewInternalID()
	mem.Update(docID, 5, map[string]struct{}{"hello": {}}, nil)
	mem.Update(docID, 10, nil, nil)

	q := Compile(values.FieldPath{"body"}, "hello", nil)
	candidates := mem.Candidates(q)
	require.Len(t, candidates, 1)
	require.True(t, candidates[0].Tombstoned)
}

// applyDocumentWriteForTest exercises the document-write fan-out for a
// single known index, bypassing the full registry lookup path so the
// test can assert against the specific index under construction.
func (m *Manager) applyDocumentWriteForTest(idx *indexing.Index, id values.InternalID, ts values.Timestamp, oldDoc, newDoc *values.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.indexes[idx.ID]
	if !ok {
		return
	}
	terms := ExtractTerms(newDoc, idx.Text.SearchField)
	filters := ExtractFilterValues(newDoc, idx.Text.FilterFields)
	state.Memory.Update(id, ts, terms, filters)
}
