package api

import (
	"context"
	"encoding/json"
	"net/http"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/docbase/pkg/dberrors"
	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/query"
	dbsync "github.com/cuemby/docbase/pkg/sync"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// longPollTimeout bounds how long a single /api/sync/poll call blocks
// waiting for an invalidation before returning empty-handed, short of
// the client's own retry loop.
const longPollTimeout = 25 * time.Second

// syncFetchPageSize is a page size far above anything the driver's
// configured row/byte scan limits will ever let through: a live
// query's result is never paginated back to the client, so this just
// tells drainStream to keep stepping until the stream itself reports
// Done. The real cost bound is Driver's rowLimit/byteLimit, enforced
// per row as usual.
const syncFetchPageSize = 1 << 20

// syncSession is one client's reactive subscription state: a worker
// watching the commit broker, and the SyncState machine tracking what
// queries it owns and what was last sent for each. One session serves
// exactly one logical client connection, matching pkg/sync's
// single-goroutine-owned-per-connection design.
type syncSession struct {
	mu          gosync.Mutex
	state       *dbsync.SyncState
	worker      *dbsync.Worker
	cancel      context.CancelFunc
	querySetVer dbsync.QuerySetVersion
}

func (s *Server) newSyncSession() (string, *syncSession) {
	worker := dbsync.NewWorker(s.broker)
	ctx, cancel := context.WithCancel(context.Background())
	go worker.Run(ctx)
	sess := &syncSession{state: dbsync.NewSyncState(worker), worker: worker, cancel: cancel}

	id := uuid.New().String()
	s.sessionsMu.Lock()
	s.sessions[id] = sess
	s.sessionsMu.Unlock()
	return id, sess
}

func (s *Server) syncSessionByID(id string) (*syncSession, bool) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) closeSyncSession(id string) {
	s.sessionsMu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.sessionsMu.Unlock()
	if !ok {
		return
	}
	sess.worker.Stop()
	sess.cancel()
}

type syncOpenResponse struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSyncOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, _ := s.newSyncSession()
	writeJSON(w, http.StatusOK, syncOpenResponse{SessionID: id})
}

type syncAddSpec struct {
	QueryID uint32    `json:"queryId"`
	Query   querySpec `json:"query"`
}

type syncTransitionRequest struct {
	SessionID   string        `json:"sessionId"`
	BaseVersion uint64        `json:"baseVersion"`
	NewVersion  uint64        `json:"newVersion"`
	Add         []syncAddSpec `json:"add,omitempty"`
	Remove      []uint32      `json:"remove,omitempty"`
}

type syncModification struct {
	QueryID uint32      `json:"queryId"`
	Kind    string      `json:"kind"` // "updated" | "failed"
	Value   interface{} `json:"value,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type syncTransitionResponse struct {
	QuerySetVersion uint64             `json:"querySetVersion"`
	Modifications   []syncModification `json:"modifications"`
}

// handleSyncTransition applies a client's add/remove edits to its
// query set, fetches a result for every newly added query, and
// reports back the modifications to forward to the client -- the
// HTTP counterpart of state.rs's ModifyQuerySet followed by a
// transition that fills in every outstanding fetch.
func (s *Server) handleSyncTransition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req syncTransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dberrors.BadRequest("InvalidJSON", err.Error()))
		return
	}
	sess, ok := s.syncSessionByID(req.SessionID)
	if !ok {
		writeError(w, dberrors.BadRequest("UnknownSession", "no such sync session"))
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	mods := make([]dbsync.QuerySetModification, 0, len(req.Add)+len(req.Remove))
	for _, add := range req.Add {
		q, _, err := s.buildQuery(add.Query)
		if err != nil {
			writeError(w, err)
			return
		}
		mods = append(mods, dbsync.QuerySetModification{Kind: dbsync.ModAdd, QueryID: dbsync.QueryID(add.QueryID), Query: q})
	}
	for _, rm := range req.Remove {
		mods = append(mods, dbsync.QuerySetModification{Kind: dbsync.ModRemove, QueryID: dbsync.QueryID(rm)})
	}

	if err := sess.state.ModifyQuerySet(dbsync.QuerySetVersion(req.BaseVersion), dbsync.QuerySetVersion(req.NewVersion), mods); err != nil {
		writeError(w, err)
		return
	}
	sess.querySetVer = dbsync.QuerySetVersion(req.NewVersion)

	pending, _, _, _ := sess.state.TakeModifications()
	toFetch := make(map[dbsync.QueryID]query.Query, len(pending))
	for _, m := range pending {
		switch m.Kind {
		case dbsync.ModAdd:
			if err := sess.state.Insert(m.QueryID, m.Query); err != nil {
				writeError(w, err)
				return
			}
			toFetch[m.QueryID] = m.Query
		case dbsync.ModRemove:
			if err := sess.state.Remove(m.QueryID); err != nil {
				writeError(w, err)
				return
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	var outMods []syncModification
	for id, q := range toFetch {
		mod, err := s.fetchAndComplete(ctx, sess, id, q)
		if err != nil {
			writeError(w, err)
			return
		}
		if mod != nil {
			outMods = append(outMods, *mod)
		}
	}
	if err := sess.state.FillInvalidationFutures(); err != nil {
		writeError(w, err)
		return
	}
	if err := sess.state.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := sess.state.AdvanceVersion(dbsync.StateVersion{QuerySet: sess.querySetVer}); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, syncTransitionResponse{QuerySetVersion: req.NewVersion, Modifications: outMods})
}

type syncPollRequest struct {
	SessionID string `json:"sessionId"`
}

type syncPollResponse struct {
	Modifications []syncModification `json:"modifications"`
	TimedOut      bool               `json:"timedOut,omitempty"`
}

// handleSyncPoll blocks until one of the session's watched queries
// goes stale, then refetches it and reports the resulting
// modification. A caller holds an open long-poll request as its
// notification channel, looping immediately back into another poll
// once this one returns.
func (s *Server) handleSyncPoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req syncPollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dberrors.BadRequest("InvalidJSON", err.Error()))
		return
	}
	sess, ok := s.syncSessionByID(req.SessionID)
	if !ok {
		writeError(w, dberrors.BadRequest("UnknownSession", "no such sync session"))
		return
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), longPollTimeout)
	defer cancel()

	id, err := sess.state.NextInvalidatedQuery(ctx)
	if err != nil {
		writeJSON(w, http.StatusOK, syncPollResponse{TimedOut: true})
		return
	}

	q, ok := sess.state.QueryFor(id)
	if !ok {
		writeError(w, dberrors.BadRequest("InvalidSyncState", "invalidated query no longer tracked"))
		return
	}

	var outMods []syncModification
	mod, err := s.fetchAndComplete(ctx, sess, id, q)
	if err != nil {
		writeError(w, err)
		return
	}
	if mod != nil {
		outMods = append(outMods, *mod)
	}
	if err := sess.state.FillInvalidationFutures(); err != nil {
		writeError(w, err)
		return
	}
	if err := sess.state.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := sess.state.AdvanceVersion(dbsync.StateVersion{QuerySet: sess.querySetVer}); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, syncPollResponse{Modifications: outMods})
}

type syncCloseRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) handleSyncClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req syncCloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dberrors.BadRequest("InvalidJSON", err.Error()))
		return
	}
	s.closeSyncSession(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"closed": true})
}

// fetchAndComplete runs q to completion, records its read dependency,
// and feeds the result through CompleteFetch. A query that fails to
// compile or run still gets a Subscription over its source tablet, so
// a later write to that tablet gives it a chance to succeed on retry
// instead of being stuck failed forever.
func (s *Server) fetchAndComplete(ctx context.Context, sess *syncSession, id dbsync.QueryID, q query.Query) (*syncModification, error) {
	value, reads, runErr := s.runFullQuery(ctx, q)
	sub := &dbsync.Subscription{Reads: reads}

	mod, err := sess.state.CompleteFetch(id, value, runErr, nil, sub)
	if err != nil {
		return nil, err
	}
	if mod == nil {
		return nil, nil
	}
	out := &syncModification{QueryID: uint32(id)}
	switch mod.Kind {
	case dbsync.QueryUpdated:
		out.Kind = "updated"
		out.Value = toJSON(mod.Value)
	case dbsync.QueryFailed:
		out.Kind = "failed"
		out.Error = mod.ErrorMessage
	}
	return out, nil
}

// runFullQuery drives q to exhaustion (bounded by the driver's own
// row/byte scan limits, not pagination) and hydrates every row into
// the array value a subscribed client receives as one pushed result.
func (s *Server) runFullQuery(ctx context.Context, q query.Query) (values.Value, *txn.ReadSet, error) {
	reads := txn.NewReadSet()
	descriptor := q.Source.IndexName
	if q.Source.Kind == query.FullTableScan {
		descriptor = indexing.ByCreationTimeDescriptor
	}
	reads.RecordRange(txn.IndexRef{Tablet: q.Source.Tablet, Name: descriptor}, q.Source.Interval)
	if q.Source.Kind == query.SearchSource {
		reads.RecordSearch(txn.IndexRef{Tablet: q.Source.Tablet, Name: q.Source.SearchIndexName})
	}

	compiled, err := query.Compile(s.registry, q, nil, syncFetchPageSize)
	if err != nil {
		return values.Value{}, reads, err
	}
	rows, _, err := s.drainStream(ctx, compiled.Stream, syncFetchPageSize)
	if err != nil {
		return values.Value{}, reads, err
	}
	docs, err := hydrateRows(ctx, s, rows)
	if err != nil {
		return values.Value{}, reads, err
	}
	vals := make([]values.Value, len(docs))
	for i, d := range docs {
		vals[i] = d.Value()
	}
	return values.Array(vals), reads, nil
}
