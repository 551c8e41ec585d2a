package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/docbase/pkg/commit"
	"github.com/cuemby/docbase/pkg/events"
	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/query"
	"github.com/cuemby/docbase/pkg/search/text"
	"github.com/cuemby/docbase/pkg/search/vector"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// fakeSyncPersistence is a minimal in-memory Persistence sufficient to
// drive a commit and a full-table-scan query, mirrored on
// pkg/commit/commit_test.go's fakePersistence of the same shape.
type fakeSyncPersistence struct {
	docs         []persistence.DocRecord
	indexRecords []persistence.IndexRecord
	nextTS       values.Timestamp
}

func (f *fakeSyncPersistence) Write(ctx context.Context, batch persistence.WriteBatch, policy persistence.ConflictPolicy) error {
	f.docs = append(f.docs, batch.Documents...)
	f.indexRecords = append(f.indexRecords, batch.IndexEntries...)
	return nil
}

func (f *fakeSyncPersistence) LoadDocuments(ctx context.Context, tablet values.TabletID, from, to values.Timestamp, dir persistence.Direction) ([]persistence.DocRecord, error) {
	var out []persistence.DocRecord
	for _, d := range f.docs {
		if d.Tablet == tablet && d.TS >= from && d.TS < to {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeSyncPersistence) PreviousRevisions(ctx context.Context, keys []persistence.DocTS) (map[persistence.DocTS]persistence.DocRecord, error) {
	return nil, nil
}

func (f *fakeSyncPersistence) IndexRange(ctx context.Context, indexID values.IndexID, interval txn.Interval, order persistence.Direction, limit int) ([]persistence.IndexRecord, error) {
	var out []persistence.IndexRecord
	for _, r := range f.indexRecords {
		if r.IndexID != indexID || !interval.Contains([]byte(r.Key)) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSyncPersistence) LoadIndexChunk(ctx context.Context, indexID values.IndexID, cursor []byte, limit int) (persistence.IndexChunk, error) {
	return persistence.IndexChunk{}, nil
}

func (f *fakeSyncPersistence) DeleteIndexEntries(ctx context.Context, entries []persistence.IndexRecord) error {
	return nil
}

func (f *fakeSyncPersistence) GlobalsGet(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return nil, false, nil
}

func (f *fakeSyncPersistence) GlobalsSet(ctx context.Context, key string, value json.RawMessage) error {
	return nil
}

func (f *fakeSyncPersistence) IsFresh(ctx context.Context) (bool, error) { return len(f.docs) == 0, nil }
func (f *fakeSyncPersistence) IsReadOnly() bool                          { return false }
func (f *fakeSyncPersistence) Version() persistence.Version             { return 1 }
func (f *fakeSyncPersistence) NextTS(ctx context.Context) (values.Timestamp, error) {
	f.nextTS++
	return f.nextTS, nil
}

func newSyncTestServer(t *testing.T) (*Server, values.TabletID, *commit.Committer) {
	t.Helper()
	p := &fakeSyncPersistence{}

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

	tables := values.NewTableMapping()
	tables.Insert(messagesTablet, 1, "messages")

	textMgr := text.NewManager(1)
	textMgr.MarkReady(map[values.IndexID]*text.TextIndex{})
	vectorMgr := vector.NewManager(1)
	vectorMgr.MarkReady(map[values.IndexID]*vector.Index{})

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	bootstrap := txn.BootstrapTablets{TablesTablet: values.NewTabletID(), IndexTablet: indexTablet}
	committer := commit.NewCommitter(p, registry, textMgr, vectorMgr, broker, bootstrap, tables)
	driver := query.NewDriver(p, 0, 0)

	srv := NewServer(Config{
		Registry:  registry,
		Driver:    driver,
		Persist:   p,
		Committer: committer,
		Tables:    tables,
		Bootstrap: bootstrap,
		Budgets:   txn.DefaultBudgets(),
		Broker:    broker,
	})
	return srv, messagesTablet, committer
}

func docWithAuthorField(tabletID values.TabletID, author string) *values.Document {
	obj := values.NewObject()
	obj.Set("author", values.String(author))
	id := values.DocumentID{TabletID: tabletID, InternalID: values.NewInternalID()}
	return &values.Document{ID: id, Fields: obj}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

// TestSyncSubscriptionReceivesCommitUpdate exercises the full
// open/transition/poll/close lifecycle: a client subscribes to a
// full table scan with no rows yet, a commit lands a matching
// document, and the session's next poll observes the invalidation and
// reports the refreshed result.
func TestSyncSubscriptionReceivesCommitUpdate(t *testing.T) {
	srv, messagesTablet, committer := newSyncTestServer(t)

	rec := httptest.NewRecorder()
	srv.handleSyncOpen(rec, httptest.NewRequest(http.MethodPost, "/api/sync/open", nil))
	var opened syncOpenResponse
	decodeBody(t, rec, &opened)
	require.NotEmpty(t, opened.SessionID)

	transReq := syncTransitionRequest{
		SessionID:   opened.SessionID,
		BaseVersion: 0,
		NewVersion:  1,
		Add:         []syncAddSpec{{QueryID: 1, Query: querySpec{Table: "messages"}}},
	}
	body, err := json.Marshal(transReq)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	srv.handleSyncTransition(rec, httptest.NewRequest(http.MethodPost, "/api/sync/transition", bytes.NewReader(body)))
	var transResp syncTransitionResponse
	decodeBody(t, rec, &transResp)
	require.Len(t, transResp.Modifications, 1)
	require.Equal(t, "updated", transResp.Modifications[0].Kind)
	initialRows, _ := transResp.Modifications[0].Value.([]interface{})
	require.Empty(t, initialRows)

	doc := docWithAuthorField(messagesTablet, "alice")
	tx := txn.NewTransaction(0, txn.DefaultBudgets())
	require.NoError(t, tx.Writes.Update(false, tx.Reads, txn.BootstrapTablets{}, doc.ID, nil, doc))
	_, err = committer.Commit(context.Background(), tx)
	require.NoError(t, err)

	pollBody, err := json.Marshal(syncPollRequest{SessionID: opened.SessionID})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	srv.handleSyncPoll(rec, httptest.NewRequest(http.MethodPost, "/api/sync/poll", bytes.NewReader(pollBody)))
	var pollResp syncPollResponse
	decodeBody(t, rec, &pollResp)
	require.False(t, pollResp.TimedOut)
	require.Len(t, pollResp.Modifications, 1)
	require.Equal(t, "updated", pollResp.Modifications[0].Kind)
	rows, _ := pollResp.Modifications[0].Value.([]interface{})
	require.Len(t, rows, 1)

	closeBody, err := json.Marshal(syncCloseRequest{SessionID: opened.SessionID})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	srv.handleSyncClose(rec, httptest.NewRequest(http.MethodPost, "/api/sync/close", bytes.NewReader(closeBody)))
	require.Equal(t, http.StatusOK, rec.Code)

	_, stillOpen := srv.syncSessionByID(opened.SessionID)
	require.False(t, stillOpen)
}

// TestSyncPollUnknownSessionIsRejected checks that a long poll naming
// a session id the server never opened is answered with 400 Bad
// Request.
func TestSyncPollUnknownSessionIsRejected(t *testing.T) {
	srv, _, _ := newSyncTestServer(t)

	body, err := json.Marshal(syncPollRequest{SessionID: "does-not-exist"})
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	srv.handleSyncPoll(rec, httptest.NewRequest(http.MethodPost, "/api/sync/poll", bytes.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
