package text

import (
	"context"
	"fmt"

	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/values"
)

// Bootstrap replays the document log for every configured text index
// into a fresh in-memory tail, producing the initial state a Manager
// starts serving from once MarkReady is called.
//
// Grounded on pkg/search/vector.Bootstrap, this package's sibling: text
// indexes carry no fast-forward checkpoint of their own (a text flush
// always snapshots the whole memory tail rather than compacting
// deletes against an older disk baseline the way a vector compaction
// does), so the memory minimum timestamp here is simply the prior
// snapshot's timestamp, or zero on a completely fresh index.
func Bootstrap(ctx context.Context, p persistence.Persistence, registry *indexing.Registry, existing map[values.IndexID]*TextIndex) (map[values.IndexID]*TextIndex, error) {
	out := make(map[values.IndexID]*TextIndex, len(existing))

	for id, prior := range existing {
		cfg, ok := registry.ByID(id)
		if !ok || cfg.Text == nil {
			continue
		}

		minTS := values.Timestamp(0)
		if prior.Snapshot != nil {
			minTS = prior.Snapshot.TS
		}

		mem := NewMemoryIndex(values.Committed(minTS))
		if err := replayTablet(ctx, p, cfg.Tablet, minTS, cfg, mem); err != nil {
			return nil, fmt.Errorf("text index %s: replay: %w", id, err)
		}

		next := &TextIndex{Memory: mem, Snapshot: prior.Snapshot}
		switch {
		case prior.Snapshot == nil:
			next.Kind = diskBackfilling
		case cfg.State == indexing.StateEnabled:
			next.Kind = diskReady
		default:
			next.Kind = diskBackfilled
		}
		out[id] = next
	}

	return out, nil
}

// replayTablet reads every document committed at or after minTS on
// the index's tablet and feeds it into the memory index, the same
// per-document fan-out Manager.ApplyDocumentWrite performs for live
// commits.
func replayTablet(ctx context.Context, p persistence.Persistence, tablet values.TabletID, minTS values.Timestamp, cfg *indexing.Index, mem *MemoryIndex) error {
	nextTS, err := p.NextTS(ctx)
	if err != nil {
		return err
	}
	records, err := p.LoadDocuments(ctx, tablet, minTS, nextTS, persistence.Forward)
	if err != nil {
		return err
	}
	for _, r := range records {
		var terms map[string]struct{}
		var filters map[string]values.Value
		if r.Value != nil {
			terms = ExtractTerms(r.Value, cfg.Text.SearchField)
			filters = ExtractFilterValues(r.Value, cfg.Text.FilterFields)
		}
		mem.Update(r.ID, r.TS, terms, filters)
	}
	return nil
}

// DiscoverInitialIndexes builds the Backfilling-only seed map Bootstrap
// expects for every text index the registry knows about, used on a
// completely fresh node where no prior TextIndex state exists yet.
func DiscoverInitialIndexes(registry *indexing.Registry, tablets []values.TabletID) map[values.IndexID]*TextIndex {
	out := make(map[values.IndexID]*TextIndex)
	for _, tablet := range tablets {
		for _, cfg := range registry.TextIndexesOnTablet(tablet) {
			out[cfg.ID] = newBackfillingIndex(values.Committed(0))
		}
	}
	return out
}
