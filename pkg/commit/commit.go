// Package commit implements the commit path: candidate timestamp
// assignment, OCC validation, index-update emission, atomic
// persistence, and in-memory fan-out, the six steps of spec.md §4.9.
//
// Grounded on _examples/cuemby-warren/pkg/manager/manager.go's
// Apply(cmd Command) method for the metrics-timer-wrapped,
// single-entry-point shape; the steps themselves are spec.md's own,
// since no original_source file specifies this path end to end (it is
// split across database/src/committer.rs-equivalent logic folded into
// the transaction and index_workers crates already grounded elsewhere
// in this ledger).
package commit

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/docbase/pkg/dberrors"
	"github.com/cuemby/docbase/pkg/events"
	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/log"
	"github.com/cuemby/docbase/pkg/metrics"
	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/search/text"
	"github.com/cuemby/docbase/pkg/search/vector"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// RetryPolicy bounds how many times the commit path retries a
// persistence write that failed transiently, with exponential backoff
// between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: 2 * time.Second}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// Committer runs the commit path for one logical database: it is the
// single-writer point (in a raft deployment, the FSM's Apply body)
// spec.md §5 requires all commits to serialize through.
type Committer struct {
	persist   persistence.Persistence
	registry  *indexing.Registry
	textMgr   *text.Manager
	vectorMgr *vector.Manager
	broker    *events.Broker
	bootstrap txn.BootstrapTablets
	tables    *values.TableMapping
	retry     RetryPolicy
}

func NewCommitter(
	persist persistence.Persistence,
	registry *indexing.Registry,
	textMgr *text.Manager,
	vectorMgr *vector.Manager,
	broker *events.Broker,
	bootstrap txn.BootstrapTablets,
	tables *values.TableMapping,
) *Committer {
	return &Committer{
		persist:   persist,
		registry:  registry,
		textMgr:   textMgr,
		vectorMgr: vectorMgr,
		broker:    broker,
		bootstrap: bootstrap,
		tables:    tables,
		retry:     DefaultRetryPolicy(),
	}
}

// Commit runs the six steps of spec.md §4.9 and returns the assigned
// commit timestamp.
func (c *Committer) Commit(ctx context.Context, t *txn.Transaction) (values.Timestamp, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CommitLatency)

	if t.Writes.IsEmpty() {
		metrics.CommitsTotal.WithLabelValues("readonly").Inc()
		return t.BeginTS, nil
	}

	// Step 1: candidate timestamp.
	nextTS, err := c.persist.NextTS(ctx)
	if err != nil {
		metrics.CommitsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("commit: assigning timestamp: %w", err)
	}
	commitTS := t.BeginTS + 1
	if nextTS > commitTS {
		commitTS = nextTS
	}

	// Step 2: OCC validation.
	if err := c.validateOCC(ctx, t.Reads, t.BeginTS, commitTS); err != nil {
		metrics.OCCConflictsTotal.Inc()
		metrics.CommitsTotal.WithLabelValues("occ_conflict").Inc()
		return 0, err
	}

	// Step 3: index-update emission.
	writes := t.Writes.CoalescedWrites()
	batch := persistence.WriteBatch{}
	for _, w := range writes {
		var oldDoc, newDoc *values.Document
		if w.Update.Prev != nil {
			oldDoc = w.Update.Prev.Doc
		}
		newDoc = w.Update.Next

		docRecord := persistence.DocRecord{
			Tablet: w.ID.TabletID,
			ID:     w.ID.InternalID,
			TS:     commitTS,
			Value:  newDoc,
		}
		if w.Update.Prev != nil {
			docRecord.HasPrev = true
			docRecord.PrevTS = w.Update.Prev.TS
		}
		batch.Documents = append(batch.Documents, docRecord)

		for _, upd := range c.registry.IndexUpdates(w.ID.TabletID, oldDoc, newDoc) {
			batch.IndexEntries = append(batch.IndexEntries, persistence.IndexRecord{
				IndexID:   upd.Index,
				Key:       upd.Key,
				TS:        commitTS,
				Tablet:    w.ID.TabletID,
				DocID:     upd.DocID,
				Tombstone: upd.Tombstone,
			})
		}
	}

	// Step 4: persist, with retry/backoff.
	if err := c.persistWithRetry(ctx, batch); err != nil {
		metrics.CommitsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("commit: persisting batch: %w", err)
	}

	// Step 5: in-memory fan-out.
	c.fanOut(writes, commitTS)

	metrics.CommitsTotal.WithLabelValues("ok").Inc()
	return commitTS, nil
}

func (c *Committer) persistWithRetry(ctx context.Context, batch persistence.WriteBatch) error {
	var lastErr error
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		err := c.persist.Write(ctx, batch, persistence.ErrorOnConflict)
		if err == nil {
			return nil
		}
		if kind, ok := dberrors.KindOf(err); ok && kind == dberrors.KindPaginationLimit {
			// Budget errors are the caller's fault, not transient.
			return err
		}
		lastErr = err
		log.Logger.Warn().Err(err).Int("attempt", attempt).Msg("commit: persistence write failed, retrying")
		select {
		case <-time.After(c.retry.delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("exhausted %d retries: %w", c.retry.MaxAttempts, lastErr)
}

// fanOut advances every piece of in-memory state derived from
// persistence: text/vector managers, the index registry (for writes
// to the `_index` table itself), and the subscription worker, via one
// commit notification naming every document touched.
func (c *Committer) fanOut(writes []struct {
	ID     values.DocumentID
	Update *txn.Update
}, commitTS values.Timestamp) {
	var touched []events.DocumentWrite

	for _, w := range writes {
		var oldDoc, newDoc *values.Document
		if w.Update.Prev != nil {
			oldDoc = w.Update.Prev.Doc
		}
		newDoc = w.Update.Next

		c.textMgr.ApplyDocumentWrite(c.registry, w.ID.TabletID, w.ID.InternalID, commitTS, oldDoc, newDoc)
		c.vectorMgr.ApplyDocumentWrite(c.registry, w.ID.TabletID, w.ID.InternalID, commitTS, newDoc)

		switch w.ID.TabletID {
		case c.bootstrap.IndexTablet:
			if err := c.applyIndexRowChange(oldDoc, newDoc); err != nil {
				log.Logger.Error().Err(err).Msg("commit: applying _index row change")
			}
		case c.bootstrap.TablesTablet:
			if err := c.applyTablesRowChange(newDoc); err != nil {
				log.Logger.Error().Err(err).Msg("commit: applying _tables row change")
			}
		}

		touched = append(touched, events.DocumentWrite{Tablet: w.ID.TabletID, ID: w.ID.InternalID})
	}

	c.broker.Publish(&events.CommitNotification{Timestamp: commitTS, Writes: touched})
}
