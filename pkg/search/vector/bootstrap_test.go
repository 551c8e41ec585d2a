package vector

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// fakePersistence is a minimal in-memory implementation of
// persistence.Persistence sufficient to exercise Bootstrap's replay
// logic without a real bbolt-backed store.
type fakePersistence struct {
	docs    []persistence.DocRecord
	globals map[string]json.RawMessage
	nextTS  values.Timestamp
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{globals: make(map[string]json.RawMessage)}
}

func (f *fakePersistence) Write(ctx context.Context, batch persistence.WriteBatch, policy persistence.ConflictPolicy) error {
	f.docs = append(f.docs, batch.Documents...)
	return nil
}

func (f *fakePersistence) LoadDocuments(ctx context.Context, tablet values.TabletID, from, to values.Timestamp, dir persistence.Direction) ([]persistence.DocRecord, error) {
	var out []persistence.DocRecord
	for _, d := range f.docs {
		if d.Tablet == tablet && d.TS >= from && d.TS < to {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakePersistence) PreviousRevisions(ctx context.Context, keys []persistence.DocTS) (map[persistence.DocTS]persistence.DocRecord, error) {
	return nil, nil
}

func (f *fakePersistence) IndexRange(ctx context.Context, indexID values.IndexID, interval txn.Interval, order persistence.Direction, limit int) ([]persistence.IndexRecord, error) {
	return nil, nil
}

func (f *fakePersistence) LoadIndexChunk(ctx context.Context, indexID values.IndexID, cursor []byte, limit int) (persistence.IndexChunk, error) {
	return persistence.IndexChunk{}, nil
}

func (f *fakePersistence) DeleteIndexEntries(ctx context.Context, entries []persistence.IndexRecord) error {
	return nil
}

func (f *fakePersistence) GlobalsGet(ctx context.Context, key string) (json.RawMessage, bool, error) {
	v, ok := f.globals[key]
	return v, ok, nil
}

func (f *fakePersistence) GlobalsSet(ctx context.Context, key string, value json.RawMessage) error {
	f.globals[key] = value
	return nil
}

func (f *fakePersistence) IsFresh(ctx context.Context) (bool, error) { return len(f.docs) == 0, nil }
func (f *fakePersistence) IsReadOnly() bool                          { return false }
func (f *fakePersistence) Version() persistence.Version              { return 1 }
func (f *fakePersistence) NextTS(ctx context.Context) (values.Timestamp, error) {
	return f.nextTS, nil
}

func newVectorIndexRegistry(t *testing.T) (*indexing.Registry, values.TabletID, *indexing.Index) {
	t.Helper()
	indexTablet := values.NewTabletID()
	r := indexing.New(indexTablet)
	require.NoError(t, r.Bootstrap(&indexing.Index{
		ID: values.NewIndexID(), Tablet: indexTablet, Name: indexing.ByIDDescriptor,
		Kind: indexing.KindDatabase, State: indexing.StateEnabled,
		Database: &indexing.DatabaseConfig{Fields: []values.FieldPath{{"_id"}}},
	}, nil))

	docsTablet := values.NewTabletID()
	idx := &indexing.Index{
		ID: values.NewIndexID(), Tablet: docsTablet, Name: "by_embedding",
		Kind: indexing.KindVector, State: indexing.StateEnabled,
		Vector: &indexing.VectorConfig{VectorField: values.FieldPath{"embedding"}, Dimension: 2},
	}
	require.NoError(t, r.Update(nil, idx))
	return r, docsTablet, idx
}

func docWithEmbedding(x, y float64) *values.Document {
	obj := values.NewObject()
	obj.Set("embedding", values.Array([]values.Value{values.Float64(x), values.Float64(y)}))
	return &values.Document{Fields: obj}
}

func TestBootstrapReplaysDocumentsAtOrAfterFastForwardTS(t *testing.T) {
	registry, docsTablet, idx := newVectorIndexRegistry(t)
	p := newFakePersistence()

	early := values.NewInternalID()
	late := values.NewInternalID()
	p.docs = []persistence.DocRecord{
		{Tablet: docsTablet, ID: early, TS: 5, Value: docWithEmbedding(1, 0)},
		{Tablet: docsTablet, ID: late, TS: 20, Value: docWithEmbedding(0, 1)},
	}
	p.nextTS = 100
	require.NoError(t, SaveFastForwardTS(context.Background(), p, idx.ID, 10))

	existing := map[values.IndexID]*Index{
		idx.ID: {Kind: diskBackfilling, Memory: NewMemoryIndex(values.Committed(0))},
	}
	out, err := Bootstrap(context.Background(), p, registry, existing)
	require.NoError(t, err)

	got := out[idx.ID]
	require.NotNil(t, got)
	ids := got.Memory.DocumentIDsSince(0)
	require.Contains(t, ids, late)
	require.NotContains(t, ids, early)
}

func TestBootstrapSeedsFromSnapshotTSWhenHigherThanFastForward(t *testing.T) {
	registry, docsTablet, idx := newVectorIndexRegistry(t)
	p := newFakePersistence()
	p.nextTS = 50

	afterSnapshot := values.NewInternalID()
	p.docs = []persistence.DocRecord{
		{Tablet: docsTablet, ID: afterSnapshot, TS: 30, Value: docWithEmbedding(1, 1)},
	}
	require.NoError(t, SaveFastForwardTS(context.Background(), p, idx.ID, 5))

	existing := map[values.IndexID]*Index{
		idx.ID: {Kind: diskBackfilled, Snapshot: &SnapshotInfo{TS: 25, Version: 1}},
	}
	out, err := Bootstrap(context.Background(), p, registry, existing)
	require.NoError(t, err)

	got := out[idx.ID]
	require.Equal(t, diskReady, got.Kind)
	ids := got.Memory.DocumentIDsSince(0)
	require.Contains(t, ids, afterSnapshot)
}
