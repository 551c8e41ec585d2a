package vector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/docbase/pkg/values"
)

func TestManagerBootstrappingRejectsSearch(t *testing.T) {
	m := NewManager(1)
	_, err := m.Search(values.NewIndexID(), Vector{1, 0}, nil, 5)
	require.Error(t, err)
}

func TestManagerBackfillingToReadyTransitionServesMemoryThenDisk(t *testing.T) {
	registry, docsTablet, idx := newVectorIndexRegistry(t)
	m := NewManager(1)
	m.MarkReady(map[values.IndexID]*Index{})

	require.NoError(t, m.ApplyIndexRowChange(IndexRowChange{ID: idx.ID, Tablet: docsTablet, Enabled: true, TS: 1}))

	docID := values.NewInternalID()
	m.ApplyDocumentWrite(registry, docsTablet, docID, 1, docWithEmbedding(1, 0))

	_, err := m.Search(idx.ID, Vector{1, 0}, nil, 5)
	require.Error(t, err)

	require.NoError(t, m.ApplySnapshot(idx.ID, SnapshotInfo{
		Segments: []*Segment{NewSegment(1, 1, map[values.InternalID]SegmentEntry{docID: {TS: 1, Vector: Vector{1, 0}}})},
		TS:       1, Version: 1,
	}, true))
	neighbors, err := m.Search(idx.ID, Vector{1, 0}, nil, 5)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	require.Equal(t, docID, neighbors[0].DocID)
}

func TestManagerTombstoneInvalidatesStaleDiskHit(t *testing.T) {
	registry, docsTablet, idx := newVectorIndexRegistry(t)
	m := NewManager(1)
	m.MarkReady(map[values.IndexID]*Index{})
	require.NoError(t, m.ApplyIndexRowChange(IndexRowChange{ID: idx.ID, Tablet: docsTablet, Enabled: true, TS: 1}))

	docID := values.NewInternalID()
	m.ApplyDocumentWrite(registry, docsTablet, docID, 1, docWithEmbedding(1, 0))
	require.NoError(t, m.ApplySnapshot(idx.ID, SnapshotInfo{
		Segments: []*Segment{NewSegment(1, 1, map[values.InternalID]SegmentEntry{docID: {TS: 1, Vector: Vector{1, 0}}})},
		TS:       1, Version: 1,
	}, true))

	m.ApplyDocumentWrite(registry, docsTablet, docID, 2, nil)

	neighbors, err := m.Search(idx.ID, Vector{1, 0}, nil, 5)
	require.NoError(t, err)
	require.Empty(t, neighbors)
}
