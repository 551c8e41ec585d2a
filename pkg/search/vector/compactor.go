package vector

import (
	"context"
	"time"

	"github.com/cuemby/docbase/pkg/log"
	"github.com/cuemby/docbase/pkg/objectstorage"
	"github.com/cuemby/docbase/pkg/values"
)

// Compactor mirrors pkg/search/text.Compactor; see its doc comment.
type Compactor struct {
	maxSegments   int
	interval      time.Duration
	publisher     SnapshotPublisher
	nextSegmentID func() uint64
	enabled       func(values.IndexID) bool
	artifacts     objectstorage.Storage
}

func NewCompactor(maxSegments int, interval time.Duration, publisher SnapshotPublisher, nextSegmentID func() uint64, enabled func(values.IndexID) bool, artifacts objectstorage.Storage) *Compactor {
	return &Compactor{
		maxSegments:   maxSegments,
		interval:      interval,
		publisher:     publisher,
		nextSegmentID: nextSegmentID,
		enabled:       enabled,
		artifacts:     artifacts,
	}
}

func (c *Compactor) persistAndRetire(ctx context.Context, id values.IndexID, merged *Segment, retired []*Segment) error {
	if c.artifacts == nil {
		return nil
	}
	data, err := merged.Encode()
	if err != nil {
		return err
	}
	if err := c.artifacts.Put(ctx, ArtifactKey(id.String(), merged.ID), data); err != nil {
		return err
	}
	for _, seg := range retired {
		if seg.ID == merged.ID {
			continue
		}
		if err := c.artifacts.Delete(ctx, ArtifactKey(id.String(), seg.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compactor) Run(ctx context.Context, ids func() []values.IndexID, version values.PersistenceVersion) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range ids() {
				if err := c.maybeCompact(id, version); err != nil {
					log.WithIndex(id.String()).Error().Err(err).Msg("vector index compaction failed")
				}
			}
		}
	}
}

func (c *Compactor) maybeCompact(id values.IndexID, version values.PersistenceVersion) error {
	idx, ok := c.publisher.State(id)
	if !ok || idx.Snapshot == nil || len(idx.Snapshot.Segments) <= c.maxSegments {
		return nil
	}
	merged := mergeAll(idx.Snapshot.Segments, c.nextSegmentID())
	if err := c.persistAndRetire(context.Background(), id, merged, idx.Snapshot.Segments); err != nil {
		return err
	}
	snapshot := SnapshotInfo{Segments: []*Segment{merged}, TS: idx.Snapshot.TS, Version: version}
	return c.publisher.ApplySnapshot(id, snapshot, c.enabled(id))
}
