package vector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/values"
)

// fastForwardKey is the Globals store key a vector index's last
// compaction checkpoint is recorded under, mirroring
// `load_metadata_fast_forward_ts` in vector_bootstrap.rs.
func fastForwardKey(id values.IndexID) string {
	return "vector_fast_forward_ts:" + id.String()
}

// LoadFastForwardTS reads an index's persisted fast-forward
// checkpoint, returning 0 if none has ever been recorded.
func LoadFastForwardTS(ctx context.Context, p persistence.Persistence, id values.IndexID) (values.Timestamp, error) {
	raw, ok, err := p.GlobalsGet(ctx, fastForwardKey(id))
	if err != nil || !ok {
		return 0, err
	}
	var ts values.Timestamp
	if err := json.Unmarshal(raw, &ts); err != nil {
		return 0, err
	}
	return ts, nil
}

// SaveFastForwardTS records a compaction's logical "already indexed up
// to here" checkpoint, so a later bootstrap doesn't replay documents
// the most recent disk segment already deleted entries for.
func SaveFastForwardTS(ctx context.Context, p persistence.Persistence, id values.IndexID, ts values.Timestamp) error {
	raw, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	return p.GlobalsSet(ctx, fastForwardKey(id), raw)
}

// Bootstrap replays the document log for every configured vector
// index into a fresh in-memory tail, producing the initial state a
// Manager starts serving from once MarkReady is called.
//
// Grounded on VectorBootstrapWorker::bootstrap in
// vector_bootstrap.rs: each index replays the document log from
// max(fast_forward_ts, snapshot_ts), while the rebuilt memory index's
// minimum timestamp is seeded from snapshot_ts alone, never from the
// fast-forward checkpoint (decided in DESIGN.md's resolution of this
// port's corresponding open question).
func Bootstrap(ctx context.Context, p persistence.Persistence, registry *indexing.Registry, existing map[values.IndexID]*Index) (map[values.IndexID]*Index, error) {
	out := make(map[values.IndexID]*Index, len(existing))

	for id, prior := range existing {
		cfg, ok := registry.ByID(id)
		if !ok || cfg.Vector == nil {
			continue
		}

		fastForward, err := LoadFastForwardTS(ctx, p, id)
		if err != nil {
			return nil, fmt.Errorf("vector index %s: load fast-forward ts: %w", id, err)
		}

		snapshotTS := values.Timestamp(0)
		if prior.Snapshot != nil {
			snapshotTS = prior.Snapshot.TS
		}

		minTS := snapshotTS
		if fastForward > minTS {
			minTS = fastForward
		}

		mem := NewMemoryIndex(values.Committed(snapshotTS))
		if err := replayTablet(ctx, p, cfg.Tablet, minTS, cfg, mem); err != nil {
			return nil, fmt.Errorf("vector index %s: replay: %w", id, err)
		}

		next := &Index{Memory: mem, Snapshot: prior.Snapshot}
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
		var vec Vector
		var filters map[string]values.Value
		if r.Value != nil {
			vec = ExtractVector(r.Value, cfg.Vector)
			filters = ExtractFilterValues(r.Value, cfg.Vector.FilterFields)
		}
		mem.Update(r.ID, r.TS, vec, filters)
	}
	return nil
}

// DiscoverInitialIndexes builds the Backfilling-only seed map Bootstrap
// expects for every vector index the registry knows about, used on a
// completely fresh node where no prior Index state exists yet.
func DiscoverInitialIndexes(registry *indexing.Registry, tablets []values.TabletID) map[values.IndexID]*Index {
	out := make(map[values.IndexID]*Index)
	for _, tablet := range tablets {
		for _, cfg := range registry.VectorIndexesOnTablet(tablet) {
			out[cfg.ID] = &Index{Kind: diskBackfilling, Memory: NewMemoryIndex(values.Committed(0))}
		}
	}
	return out
}
