// Package events carries CommitNotifications from the commit path to
// every live sync session: a Broker that a Committer publishes into
// once per successful commit, and that pkg/sync's subscription
// Workers subscribe to in order to decide which queries a write just
// invalidated.
package events

import (
	"sync"

	"github.com/cuemby/docbase/pkg/values"
)

// DocumentWrite names one document touched by a commit, the unit the
// subscription worker diffs a query's read set against to decide
// whether it was invalidated.
type DocumentWrite struct {
	Tablet values.TabletID
	ID     values.InternalID
}

// CommitNotification is published once per successful commit, carrying
// just enough information for subscribers to decide which of their
// read sets overlap the write: the commit timestamp and the set of
// documents it touched. It never carries document contents themselves.
type CommitNotification struct {
	Timestamp values.Timestamp
	Writes    []DocumentWrite
}

// Subscriber is a channel that receives commit notifications, held
// open by the sync state machine for as long as a client session is
// alive.
type Subscriber chan *CommitNotification

// Broker fans out commit notifications to every subscribed session.
// Broadcast is non-blocking: a subscriber that can't keep up has its
// notification dropped rather than stalling the commit path, since a
// dropped notification only costs that subscriber an extra round of
// read-set revalidation, not correctness.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *CommitNotification
	stopCh      chan struct{}
}

// NewBroker creates a new commit notification broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *CommitNotification, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes a commit notification to all subscribers.
func (b *Broker) Publish(n *CommitNotification) {
	select {
	case b.eventCh <- n:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case n := <-b.eventCh:
			b.broadcast(n)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(n *CommitNotification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- n:
		default:
			// Subscriber buffer full, skip.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
