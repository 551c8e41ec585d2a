package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/docbase/pkg/dberrors"
	"github.com/cuemby/docbase/pkg/query"
	"github.com/cuemby/docbase/pkg/values"
)

// SyncedQuery is one query currently tracked for a session: its
// definition, its last result hash (for dedup), and whether a
// Subscription is currently watching it for invalidation.
type SyncedQuery struct {
	Query        query.Query
	Subscription *Subscription
	ResultHash   *ResultHash
	Watching     bool
}

// SyncState is the per-session state machine of spec.md's reactive
// sync protocol: what queries the client has subscribed to, what was
// last sent for each, and which ones still need a fresh UDF run or a
// fresh Subscription. The state "self-describes" what work remains:
// NeedFetch names queries missing a result, FillInvalidationFutures
// names queries missing a watch.
type SyncState struct {
	sessionID      *string
	currentVersion StateVersion
	worker         *Worker

	queries           map[QueryID]*SyncedQuery
	inProgressQueries map[QueryID]query.Query

	identity Identity

	refillNeeded bool

	pendingQueryUpdates   []QuerySetModification
	pendingIdentity       *Identity
	receivedClientVersion ClientVersion
}

func NewSyncState(worker *Worker) *SyncState {
	return &SyncState{
		worker:                worker,
		queries:               make(map[QueryID]*SyncedQuery),
		inProgressQueries:     make(map[QueryID]query.Query),
		receivedClientVersion: initialClientVersion(),
	}
}

func (s *SyncState) SetSessionID(id string) { s.sessionID = &id }
func (s *SyncState) SessionID() (string, bool) {
	if s.sessionID == nil {
		return "", false
	}
	return *s.sessionID, true
}

func (s *SyncState) CurrentVersion() StateVersion { return s.currentVersion }

// AdvanceVersion moves the pushed state version forward; it is an
// error to move it backwards.
func (s *SyncState) AdvanceVersion(newVersion StateVersion) error {
	if s.currentVersion.Compare(newVersion) > 0 {
		return fmt.Errorf("sync: version went backwards: %+v > %+v", s.currentVersion, newVersion)
	}
	s.currentVersion = newVersion
	return nil
}

// Validate checks the steady-state invariant: every tracked query has
// a result hash, and (unless a refill is already known to be pending)
// a live subscription being watched.
func (s *SyncState) Validate() error {
	for id, q := range s.queries {
		if q.ResultHash == nil {
			return fmt.Errorf("sync: query %d missing result hash", id)
		}
		if !s.refillNeeded && q.Subscription == nil {
			return fmt.Errorf("sync: query %d missing subscription", id)
		}
		if !s.refillNeeded && !q.Watching {
			return fmt.Errorf("sync: query %d missing invalidation watch", id)
		}
	}
	return nil
}

// ModifyQuerySet validates baseVersion against what the client last
// told us and queues modifications for the next transition.
func (s *SyncState) ModifyQuerySet(baseVersion, newVersion QuerySetVersion, mods []QuerySetModification) error {
	current := s.receivedClientVersion.QuerySet
	if current != baseVersion {
		return dberrors.BadRequest("BaseVersionMismatch",
			fmt.Sprintf("base version %d passed up doesn't match current version %d", baseVersion, current))
	}
	if baseVersion >= newVersion {
		return dberrors.BadRequest("BaseVersionMismatch", "new version must exceed base version")
	}
	s.pendingQueryUpdates = append(s.pendingQueryUpdates, mods...)
	s.receivedClientVersion.QuerySet = newVersion
	return nil
}

// TakeModifications drains pending client-requested changes for the
// next transition to apply.
func (s *SyncState) TakeModifications() ([]QuerySetModification, QuerySetVersion, *Identity, IdentityVersion) {
	mods := s.pendingQueryUpdates
	s.pendingQueryUpdates = nil
	identity := s.pendingIdentity
	s.pendingIdentity = nil
	return mods, s.receivedClientVersion.QuerySet, identity, s.receivedClientVersion.Identity
}

// ModifyIdentity sets the pending identity for the session, bumping
// the identity version the client's base must match.
func (s *SyncState) ModifyIdentity(newIdentity Identity, baseVersion IdentityVersion) error {
	if s.receivedClientVersion.Identity != baseVersion {
		return dberrors.BadRequest("BaseVersionMismatch", "identity base version mismatch")
	}
	s.pendingIdentity = &newIdentity
	s.receivedClientVersion.Identity++
	return nil
}

// InsertIdentity immediately sets the current identity, bypassing the
// pending/base-version dance.
func (s *SyncState) InsertIdentity(identity Identity) { s.identity = identity }

// Identity returns the session's current identity, preferring a
// pending update if present, validated against now.
func (s *SyncState) Identity(now time.Time) (Identity, error) {
	identity := s.identity
	if s.pendingIdentity != nil {
		identity = *s.pendingIdentity
	}
	return identity.resolve(now)
}

// NextInvalidatedQuery blocks until a watched query's subscription
// goes stale, or ctx is done. If a refill is already owed, it blocks
// forever (like state.rs's future::pending()) until the caller
// cancels ctx: there's nothing to wait on until
// FillInvalidationFutures runs.
func (s *SyncState) NextInvalidatedQuery(ctx context.Context) (QueryID, error) {
	if s.refillNeeded {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	select {
	case id := <-s.worker.Invalidated():
		if q, ok := s.queries[id]; ok {
			q.Watching = false
		}
		s.refillNeeded = true
		return id, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Insert adds a new in-progress query with no subscription or result
// yet; CompleteFetch and FillInvalidationFutures fill those in.
func (s *SyncState) Insert(id QueryID, q query.Query) error {
	if _, ok := s.inProgressQueries[id]; ok {
		return fmt.Errorf("sync: duplicate query id %d", id)
	}
	if _, ok := s.queries[id]; ok {
		return fmt.Errorf("sync: duplicate query id %d", id)
	}
	s.inProgressQueries[id] = q
	s.refillNeeded = true
	return nil
}

// Remove drops a query from the query set, unwatching its
// subscription if it had one.
func (s *SyncState) Remove(id QueryID) error {
	if q, ok := s.queries[id]; ok {
		delete(s.queries, id)
		if q.Watching {
			s.worker.Unwatch(id)
		}
		return nil
	}
	if _, ok := s.inProgressQueries[id]; ok {
		delete(s.inProgressQueries, id)
		return nil
	}
	return fmt.Errorf("sync: nonexistent query id %d", id)
}

// TakeSubscriptions removes every query's Subscription (used when the
// underlying commit timestamp has moved past what they were fetched
// at and everything needs to be refetched from a later snapshot), and
// unwatches each one.
func (s *SyncState) TakeSubscriptions() map[QueryID]*Subscription {
	out := make(map[QueryID]*Subscription)
	for id, q := range s.queries {
		if q.Subscription != nil {
			out[id] = q.Subscription
			q.Subscription = nil
		}
		s.refillNeeded = true
		if q.Watching {
			s.worker.Unwatch(id)
			q.Watching = false
		}
	}
	return out
}

// NeedFetch returns every query missing a result: newly inserted
// queries and queries TakeSubscriptions just invalidated.
func (s *SyncState) NeedFetch() []query.Query {
	var out []query.Query
	for _, q := range s.queries {
		if q.Subscription == nil {
			out = append(out, q.Query)
		}
	}
	for _, q := range s.inProgressQueries {
		out = append(out, q)
	}
	return out
}

// RefillSubscription reattaches a Subscription to a query that
// already has a result hash (it must, since only a previously
// completed query can have lost its subscription without being
// refetched).
func (s *SyncState) RefillSubscription(id QueryID, sub *Subscription) error {
	q, ok := s.queries[id]
	if !ok {
		return fmt.Errorf("sync: nonexistent query id %d", id)
	}
	if q.ResultHash == nil {
		return fmt.Errorf("sync: refilling subscription for query %d with no result", id)
	}
	q.Subscription = sub
	return nil
}

// CompleteFetch records a query's UDF result, returning the
// modification to push to the client, or nil if the new result
// hashed identical to the last one sent.
func (s *SyncState) CompleteFetch(id QueryID, value values.Value, runErr error, logLines []string, sub *Subscription) (*StateModification, error) {
	if q, ok := s.inProgressQueries[id]; ok {
		delete(s.inProgressQueries, id)
		if _, exists := s.queries[id]; exists {
			return nil, fmt.Errorf("sync: duplicate query id %d", id)
		}
		s.queries[id] = &SyncedQuery{Query: q}
	}

	sq, ok := s.queries[id]
	if !ok {
		return nil, fmt.Errorf("sync: nonexistent query id %d", id)
	}
	if sq.Subscription != nil {
		return nil, fmt.Errorf("sync: completing fetch for query %d that was already up to date", id)
	}

	if sq.Watching {
		s.worker.Unwatch(id)
		sq.Watching = false
	}

	var newHash ResultHash
	if runErr != nil {
		newHash = HashError(runErr.Error(), logLines)
	} else {
		newHash = HashResult(value, logLines)
	}
	same := sq.ResultHash != nil && *sq.ResultHash == newHash
	sq.ResultHash = &newHash
	sq.Subscription = sub

	if same {
		return nil, nil
	}
	if runErr != nil {
		return &StateModification{Kind: QueryFailed, QueryID: id, ErrorMessage: runErr.Error(), LogLines: logLines}, nil
	}
	return &StateModification{Kind: QueryUpdated, QueryID: id, Value: value, LogLines: logLines}, nil
}

// FillInvalidationFutures (re)registers a Subscription watch with the
// Worker for every query that has a subscription but isn't currently
// being watched.
func (s *SyncState) FillInvalidationFutures() error {
	for id, q := range s.queries {
		if q.Watching {
			continue
		}
		if q.Subscription == nil {
			return fmt.Errorf("sync: missing subscription for query %d", id)
		}
		q.Subscription = s.worker.Watch(id, q.Subscription.Reads)
		q.Watching = true
	}
	s.refillNeeded = false
	return nil
}

// NumQueries is the total count of tracked queries, in progress or
// complete.
func (s *SyncState) NumQueries() int {
	return len(s.queries) + len(s.inProgressQueries)
}

// QueryFor returns the definition of a tracked query, for a caller
// that learned its id from NextInvalidatedQuery (or from its own
// pending Insert) and needs the query.Query to rerun it.
func (s *SyncState) QueryFor(id QueryID) (query.Query, bool) {
	if q, ok := s.queries[id]; ok {
		return q.Query, true
	}
	if q, ok := s.inProgressQueries[id]; ok {
		return q, true
	}
	return query.Query{}, false
}
