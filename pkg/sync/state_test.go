package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/docbase/pkg/events"
	"github.com/cuemby/docbase/pkg/query"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

func newTestState(t *testing.T) (*SyncState, *events.Broker, func()) {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	worker := NewWorker(broker)
	go worker.Run(context.Background())
	state := NewSyncState(worker)
	return state, broker, func() {
		worker.Stop()
		broker.Stop()
	}
}

func testQuery(tablet values.TabletID) query.Query {
	return query.Query{Source: query.Source{Kind: query.FullTableScan, Tablet: tablet}}
}

func TestSyncStateInsertFetchWatchLifecycle(t *testing.T) {
	state, _, cleanup := newTestState(t)
	defer cleanup()

	tablet := values.NewTabletID()
	if err := state.Insert(1, testQuery(tablet)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := state.NeedFetch(); len(got) != 1 {
		t.Fatalf("NeedFetch = %d queries, want 1", len(got))
	}

	reads := txn.NewReadSet()
	reads.RecordRange(txn.IndexRef{Tablet: tablet}, txn.IntervalAll())
	sub := &Subscription{Reads: reads, done: make(chan struct{})}

	mod, err := state.CompleteFetch(1, values.Int64(42), nil, nil, sub)
	if err != nil {
		t.Fatalf("CompleteFetch: %v", err)
	}
	if mod == nil || mod.Kind != QueryUpdated {
		t.Fatalf("CompleteFetch mod = %+v, want QueryUpdated", mod)
	}

	if err := state.Validate(); err != nil {
		t.Fatalf("Validate before fill: %v", err)
	}

	if err := state.FillInvalidationFutures(); err != nil {
		t.Fatalf("FillInvalidationFutures: %v", err)
	}
	if err := state.Validate(); err != nil {
		t.Fatalf("Validate after fill: %v", err)
	}

	// Completing a fetch for a query that still holds a live
	// subscription is rejected.
	mod2, err := state.CompleteFetch(1, values.Int64(42), nil, nil, sub)
	if err == nil {
		t.Fatalf("CompleteFetch on already-subscribed query should error")
	}
	_ = mod2
}

func TestSyncStateInvalidationRefetchCycle(t *testing.T) {
	state, broker, cleanup := newTestState(t)
	defer cleanup()

	tablet := values.NewTabletID()
	if err := state.Insert(7, testQuery(tablet)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	reads := txn.NewReadSet()
	reads.RecordRange(txn.IndexRef{Tablet: tablet}, txn.IntervalAll())
	sub := &Subscription{Reads: reads, done: make(chan struct{})}

	if _, err := state.CompleteFetch(7, values.Int64(1), nil, nil, sub); err != nil {
		t.Fatalf("CompleteFetch: %v", err)
	}
	if err := state.FillInvalidationFutures(); err != nil {
		t.Fatalf("FillInvalidationFutures: %v", err)
	}

	broker.Publish(&events.CommitNotification{
		Timestamp: values.Timestamp(1),
		Writes:    []events.DocumentWrite{{Tablet: tablet, ID: values.NewInternalID()}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, err := state.NextInvalidatedQuery(ctx)
	if err != nil {
		t.Fatalf("NextInvalidatedQuery: %v", err)
	}
	if id != 7 {
		t.Fatalf("invalidated id = %d, want 7", id)
	}

	stale := state.TakeSubscriptions()
	if len(stale) != 1 {
		t.Fatalf("TakeSubscriptions returned %d, want 1", len(stale))
	}
	if got := state.NeedFetch(); len(got) != 1 {
		t.Fatalf("NeedFetch after invalidation = %d, want 1", len(got))
	}
}

func TestSyncStateModifyQuerySetRejectsStaleBaseVersion(t *testing.T) {
	state, _, cleanup := newTestState(t)
	defer cleanup()

	if err := state.ModifyQuerySet(0, 1, nil); err != nil {
		t.Fatalf("first ModifyQuerySet: %v", err)
	}
	if err := state.ModifyQuerySet(0, 2, nil); err == nil {
		t.Fatalf("ModifyQuerySet with stale base version should fail")
	}
}

func TestSyncStateCompleteFetchErrorPath(t *testing.T) {
	state, _, cleanup := newTestState(t)
	defer cleanup()

	tablet := values.NewTabletID()
	if err := state.Insert(3, testQuery(tablet)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	reads := txn.NewReadSet()
	sub := &Subscription{Reads: reads, done: make(chan struct{})}

	mod, err := state.CompleteFetch(3, values.Value{}, errors.New("boom"), []string{"log1"}, sub)
	if err != nil {
		t.Fatalf("CompleteFetch: %v", err)
	}
	if mod == nil || mod.Kind != QueryFailed || mod.ErrorMessage != "boom" {
		t.Fatalf("CompleteFetch mod = %+v, want QueryFailed boom", mod)
	}
}

func TestSyncStateIdentityExpiry(t *testing.T) {
	state, _, cleanup := newTestState(t)
	defer cleanup()

	past := time.Now().Add(-time.Hour)
	state.InsertIdentity(Identity{Authenticated: true, Subject: "u1", ExpiresAt: &past})

	if _, err := state.Identity(time.Now()); err == nil {
		t.Fatalf("expected expired identity to error")
	}
}
