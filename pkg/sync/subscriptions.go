package sync

import (
	"context"
	"sync"

	"github.com/cuemby/docbase/pkg/events"
	"github.com/cuemby/docbase/pkg/txn"
)

// Subscription ties a query's read set to the Worker watching it:
// once Watcher closes done, the subscription is stale and the query
// must be rerun. This collapses state.rs's separate `subscription`
// (a SubscriptionTrait) and `invalidation_future` (an AbortHandle)
// into one object, since both exist only to answer "is this query
// still valid" and Go's closed-channel idiom answers that directly
// without needing a second handle to cancel.
type Subscription struct {
	Reads *txn.ReadSet
	done  chan struct{}
}

// Invalidated reports when the subscription goes stale.
func (s *Subscription) Invalidated() <-chan struct{} { return s.done }

// Worker is the subscription worker for one session: it owns a single
// events.Subscriber channel and, on every commit notification, closes
// the Subscription of any watched query whose read set overlaps the
// commit's writes. One Worker serves exactly one SyncState, matching
// spec.md §5's "sync state is single-goroutine-owned per connection."
type Worker struct {
	broker *events.Broker
	feed   events.Subscriber

	mu   sync.Mutex
	subs map[QueryID]*Subscription

	invalidated chan QueryID
}

func NewWorker(broker *events.Broker) *Worker {
	return &Worker{
		broker:      broker,
		feed:        broker.Subscribe(),
		subs:        make(map[QueryID]*Subscription),
		invalidated: make(chan QueryID, 64),
	}
}

// Stop unsubscribes from the broker. Run returns shortly after.
func (w *Worker) Stop() {
	w.broker.Unsubscribe(w.feed)
}

// Watch registers reads as the current read set behind queryID and
// returns the Subscription that goes stale when a commit overlaps it,
// replacing any previous registration for the same id.
func (w *Worker) Watch(queryID QueryID, reads *txn.ReadSet) *Subscription {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := &Subscription{Reads: reads, done: make(chan struct{})}
	w.subs[queryID] = s
	return s
}

// Unwatch stops tracking queryID, the equivalent of aborting its
// invalidation future.
func (w *Worker) Unwatch(queryID QueryID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.subs, queryID)
}

// Invalidated is the fan-in stream of query ids whose subscription
// went stale, the Go counterpart of state.rs's FuturesUnordered of
// abortable invalidation futures collapsed onto one channel.
func (w *Worker) Invalidated() <-chan QueryID { return w.invalidated }

// Run drains commit notifications until ctx is done or the broker
// feed closes. It must run in its own goroutine for the lifetime of
// the session.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-w.feed:
			if !ok {
				return
			}
			w.handle(n)
		}
	}
}

func (w *Worker) handle(n *events.CommitNotification) {
	w.mu.Lock()
	hit := make(map[QueryID]*Subscription)
	for id, s := range w.subs {
		for _, write := range n.Writes {
			if s.Reads.OverlapsTablet(write.Tablet) {
				hit[id] = s
				break
			}
		}
	}
	for id := range hit {
		delete(w.subs, id)
	}
	w.mu.Unlock()

	for id, s := range hit {
		close(s.done)
		select {
		case w.invalidated <- id:
		default:
			// Buffer full: SyncState will discover the staleness on its
			// next fill_invalidation_futures pass via Validate instead.
		}
	}
}
