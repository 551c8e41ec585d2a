package commit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/docbase/pkg/dberrors"
	"github.com/cuemby/docbase/pkg/events"
	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/search/text"
	"github.com/cuemby/docbase/pkg/search/vector"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// fakePersistence is a minimal in-memory Persistence, mirrored on
// pkg/query's driver_test.go fake of the same interface.
type fakePersistence struct {
	indexRecords []persistence.IndexRecord
	docs         []persistence.DocRecord
	nextTS       values.Timestamp
	writeErr     error
}

func (f *fakePersistence) Write(ctx context.Context, batch persistence.WriteBatch, policy persistence.ConflictPolicy) error {
	if f.writeErr != nil {
		err := f.writeErr
		f.writeErr = nil
		return err
	}
	f.docs = append(f.docs, batch.Documents...)
	f.indexRecords = append(f.indexRecords, batch.IndexEntries...)
	return nil
}

func (f *fakePersistence) LoadDocuments(ctx context.Context, tablet values.TabletID, from, to values.Timestamp, dir persistence.Direction) ([]persistence.DocRecord, error) {
	return nil, nil
}

func (f *fakePersistence) PreviousRevisions(ctx context.Context, keys []persistence.DocTS) (map[persistence.DocTS]persistence.DocRecord, error) {
	return nil, nil
}

func (f *fakePersistence) IndexRange(ctx context.Context, indexID values.IndexID, interval txn.Interval, order persistence.Direction, limit int) ([]persistence.IndexRecord, error) {
	var out []persistence.IndexRecord
	for _, r := range f.indexRecords {
		if r.IndexID != indexID {
			continue
		}
		if !interval.Contains([]byte(r.Key)) {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakePersistence) LoadIndexChunk(ctx context.Context, indexID values.IndexID, cursor []byte, limit int) (persistence.IndexChunk, error) {
	return persistence.IndexChunk{}, nil
}

func (f *fakePersistence) DeleteIndexEntries(ctx context.Context, entries []persistence.IndexRecord) error {
	return nil
}

func (f *fakePersistence) GlobalsGet(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return nil, false, nil
}

func (f *fakePersistence) GlobalsSet(ctx context.Context, key string, value json.RawMessage) error {
	return nil
}

func (f *fakePersistence) IsFresh(ctx context.Context) (bool, error) { return len(f.docs) == 0, nil }
func (f *fakePersistence) IsReadOnly() bool                          { return false }
func (f *fakePersistence) Version() persistence.Version              { return 1 }
func (f *fakePersistence) NextTS(ctx context.Context) (values.Timestamp, error) {
	return f.nextTS, nil
}

func newTestCommitter(t *testing.T, p *fakePersistence) (*Committer, values.TabletID, *indexing.Registry) {
	t.Helper()
	indexTablet := values.NewTabletID()
	registry := indexing.New(indexTablet)
	require.NoError(t, registry.Bootstrap(&indexing.Index{
		ID: values.NewIndexID(), Tablet: indexTablet, Name: indexing.ByIDDescriptor,
		Kind: indexing.KindDatabase, State: indexing.StateEnabled,
		Database: &indexing.DatabaseConfig{Fields: []values.FieldPath{{"_id"}}},
	}, nil))

	messagesTablet := values.NewTabletID()
	require.NoError(t, registry.Update(nil, &indexing.Index{
		ID: values.NewIndexID(), Tablet: messagesTablet, Name: indexing.ByIDDescriptor,
		Kind: indexing.KindDatabase, State: indexing.StateEnabled,
		Database: &indexing.DatabaseConfig{Fields: []values.FieldPath{{"_id"}}},
	}))
	require.NoError(t, registry.Update(nil, &indexing.Index{
		ID: values.NewIndexID(), Tablet: messagesTablet, Name: indexing.ByCreationTimeDescriptor,
		Kind: indexing.KindDatabase, State: indexing.StateEnabled,
		Database: &indexing.DatabaseConfig{},
	}))
	require.NoError(t, registry.Update(nil, &indexing.Index{
		ID: values.NewIndexID(), Tablet: messagesTablet, Name: "by_author",
		Kind: indexing.KindDatabase, State: indexing.StateEnabled,
		Database: &indexing.DatabaseConfig{Fields: []values.FieldPath{{"author"}}},
	}))

	textMgr := text.NewManager(1)
	textMgr.MarkReady(map[values.IndexID]*text.TextIndex{})
	vectorMgr := vector.NewManager(1)
	vectorMgr.MarkReady(map[values.IndexID]*vector.Index{})

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	c := NewCommitter(p, registry, textMgr, vectorMgr, broker,
		txn.BootstrapTablets{TablesTablet: values.NewTabletID(), IndexTablet: indexTablet},
		values.NewTableMapping())
	return c, messagesTablet, registry
}

func docWithAuthor(tabletID values.TabletID, author string) *values.Document {
	obj := values.NewObject()
	obj.Set("author", values.String(author))
	id := values.DocumentID{TabletID: tabletID, InternalID: values.NewInternalID()}
	return &values.Document{ID: id, Fields: obj}
}

// TestCommitInsertsDocumentAndIndexEntries exercises S1: a fresh
// insert with no prior revision persists a document row and one index
// entry per enabled database index on its tablet.
func TestCommitInsertsDocumentAndIndexEntries(t *testing.T) {
	p := &fakePersistence{nextTS: 1}
	c, messagesTablet, _ := newTestCommitter(t, p)

	doc := docWithAuthor(messagesTablet, "alice")
	tx := txn.NewTransaction(0, txn.DefaultBudgets())
	require.NoError(t, tx.Writes.Update(false, tx.Reads, txn.BootstrapTablets{}, doc.ID, nil, doc))

	ts, err := c.Commit(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, values.Timestamp(1), ts)

	require.Len(t, p.docs, 1)
	require.Equal(t, doc.ID.InternalID, p.docs[0].ID)
	require.Len(t, p.indexRecords, 3) // by_id, by_creation_time, by_author each emit one insertion
}

// TestCommitReadOnlyTransactionSkipsPersistence checks that a
// transaction with no writes never touches persistence and returns its
// begin timestamp unchanged.
func TestCommitReadOnlyTransactionSkipsPersistence(t *testing.T) {
	p := &fakePersistence{nextTS: 5}
	c, _, _ := newTestCommitter(t, p)

	tx := txn.NewTransaction(3, txn.DefaultBudgets())
	ts, err := c.Commit(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, values.Timestamp(3), ts)
	require.Empty(t, p.docs)
}

// TestCommitDetectsOCCConflict exercises the OCC validation step: a
// transaction whose read set overlaps a write already committed
// between its begin and commit timestamps must abort.
func TestCommitDetectsOCCConflict(t *testing.T) {
	p := &fakePersistence{nextTS: 10}
	c, messagesTablet, registry := newTestCommitter(t, p)

	byID, ok := registry.EnabledByName(messagesTablet, indexing.ByIDDescriptor)
	require.True(t, ok)

	conflictingKey := values.EncodeIndexKey([]values.Value{values.String("x")})
	p.indexRecords = append(p.indexRecords, persistence.IndexRecord{
		IndexID: byID.ID, Key: conflictingKey, TS: values.Timestamp(5), Tablet: messagesTablet, DocID: values.NewInternalID(),
	})

	tx := txn.NewTransaction(0, txn.DefaultBudgets())
	tx.Reads.RecordRange(txn.IndexRef{Tablet: messagesTablet, Name: indexing.ByIDDescriptor}, txn.IntervalAll())
	doc := docWithAuthor(messagesTablet, "bob")
	require.NoError(t, tx.Writes.Update(false, tx.Reads, txn.BootstrapTablets{}, doc.ID, nil, doc))

	_, err := c.Commit(context.Background(), tx)
	require.Error(t, err)
	kind, ok := dberrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, dberrors.KindOCCConflict, kind)
}
