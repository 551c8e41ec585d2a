package query

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

// fakePersistence is a minimal in-memory Persistence sufficient to
// drive the query pipeline's IndexRange/LoadDocuments paths, mirrored
// on pkg/search/vector's bootstrap_test.go fake of the same interface.
type fakePersistence struct {
	indexRecords []persistence.IndexRecord
	docs         []persistence.DocRecord
}

func (f *fakePersistence) Write(ctx context.Context, batch persistence.WriteBatch, policy persistence.ConflictPolicy) error {
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
	return values.Timestamp(len(f.docs) + 1), nil
}

func newMessagesRegistry(t *testing.T) (*indexing.Registry, values.TabletID, values.IndexID) {
	t.Helper()
	indexTablet := values.NewTabletID()
	r := indexing.New(indexTablet)
	require.NoError(t, r.Bootstrap(&indexing.Index{
		ID: values.NewIndexID(), Tablet: indexTablet, Name: indexing.ByIDDescriptor,
		Kind: indexing.KindDatabase, State: indexing.StateEnabled,
		Database: &indexing.DatabaseConfig{Fields: []values.FieldPath{{"_id"}}},
	}, nil))

	messagesTablet := values.NewTabletID()
	byCreation := &indexing.Index{
		ID: values.NewIndexID(), Tablet: messagesTablet, Name: indexing.ByCreationTimeDescriptor,
		Kind: indexing.KindDatabase, State: indexing.StateEnabled,
		Database: &indexing.DatabaseConfig{},
	}
	require.NoError(t, r.Update(nil, byCreation))
	return r, messagesTablet, byCreation.ID
}

func docWithAuthor(author string) *values.Document {
	obj := values.NewObject()
	obj.Set("author", values.String(author))
	return &values.Document{Fields: obj}
}

// TestDriverStepsFullTableScanAcrossPages checks a
// FullTableScan compiled to an index-range stream that needs two
// batched fetches to drain, driven entirely through Driver.Step's
// WaitingOn/Feed protocol.
func TestDriverStepsFullTableScanAcrossPages(t *testing.T) {
	registry, tablet, indexID := newMessagesRegistry(t)
	p := &fakePersistence{}

	ids := make([]values.InternalID, 3)
	for i := range ids {
		ids[i] = values.NewInternalID()
		p.indexRecords = append(p.indexRecords, persistence.IndexRecord{
			IndexID: indexID,
			Key:     values.IndexKey{byte(i)},
			TS:      values.Timestamp(i + 1),
			Tablet:  tablet,
			DocID:   ids[i],
		})
		p.docs = append(p.docs, persistence.DocRecord{
			Tablet: tablet, ID: ids[i], TS: values.Timestamp(i + 1), Value: docWithAuthor("alice"),
		})
	}

	q := Query{Source: Source{Kind: FullTableScan, Tablet: tablet, Order: Asc}}
	compiled, err := Compile(registry, q, nil, 2)
	require.NoError(t, err)

	driver := NewDriver(p, 0, 0)
	streams := []Stream{compiled.Stream}

	var rows []*Row
	ctx := context.Background()
	for {
		results, err := driver.Step(ctx, streams)
		require.NoError(t, err)
		if results[0].Done {
			break
		}
		if results[0].Row != nil {
			rows = append(rows, results[0].Row)
		}
	}

	require.Len(t, rows, 3)
	docs, err := Hydrate(ctx, p, rows)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	for _, d := range docs {
		require.NotNil(t, d)
		v, ok := values.Lookup(d.Value(), values.FieldPath{"author"})
		require.True(t, ok)
		s, _ := v.AsString()
		require.Equal(t, "alice", s)
	}
}

func TestCompileRejectsCursorFromDifferentQuery(t *testing.T) {
	registry, tablet, _ := newMessagesRegistry(t)
	q1 := Query{Source: Source{Kind: FullTableScan, Tablet: tablet, Order: Asc}}
	q2 := Query{Source: Source{Kind: FullTableScan, Tablet: tablet, Order: Desc}}

	compiled1, err := Compile(registry, q1, nil, 10)
	require.NoError(t, err)

	badCursor := &Cursor{Fingerprint: compiled1.Fingerprint, Position: CursorPosition{0x01}}
	_, err = Compile(registry, q1, badCursor, 10)
	require.NoError(t, err)

	mismatched := &Cursor{Fingerprint: Fingerprint{0xff}, Position: CursorPosition{0x01}}
	_, err = Compile(registry, q2, mismatched, 10)
	require.ErrorIs(t, err, ErrInvalidCursor)
}

func TestLimitStreamStopsEarly(t *testing.T) {
	registry, tablet, indexID := newMessagesRegistry(t)
	p := &fakePersistence{}
	for i := 0; i < 5; i++ {
		p.indexRecords = append(p.indexRecords, persistence.IndexRecord{
			IndexID: indexID, Key: values.IndexKey{byte(i)}, TS: values.Timestamp(i + 1),
			Tablet: tablet, DocID: values.NewInternalID(),
		})
	}

	q := Query{
		Source:    Source{Kind: FullTableScan, Tablet: tablet, Order: Asc},
		Operators: []Operator{Limit(2)},
	}
	compiled, err := Compile(registry, q, nil, 10)
	require.NoError(t, err)

	driver := NewDriver(p, 0, 0)
	streams := []Stream{compiled.Stream}
	var rows []*Row
	ctx := context.Background()
	for {
		results, err := driver.Step(ctx, streams)
		require.NoError(t, err)
		if results[0].Done {
			break
		}
		if results[0].Row != nil {
			rows = append(rows, results[0].Row)
		}
	}
	require.Len(t, rows, 2)
}
