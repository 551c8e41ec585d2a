package vector

import (
	"context"
	"time"

	"github.com/cuemby/docbase/pkg/log"
	"github.com/cuemby/docbase/pkg/objectstorage"
	"github.com/cuemby/docbase/pkg/values"
)

// FlusherMode mirrors pkg/search/text.FlusherMode.
type FlusherMode int

const (
	FlusherModeSingleSegment FlusherMode = iota
	FlusherModeIncremental
)

// SnapshotPublisher is the subset of Manager a Flusher/Compactor needs.
type SnapshotPublisher interface {
	ApplySnapshot(id values.IndexID, snapshot SnapshotInfo, enabled bool) error
	State(id values.IndexID) (*Index, bool)
}

// Flusher periodically drains a vector index's memory tail into a new
// disk segment. Structurally identical to pkg/search/text.Flusher; see
// its doc comment for grounding.
type Flusher struct {
	mode          FlusherMode
	sizeThreshold int
	interval      time.Duration
	version       values.PersistenceVersion
	publisher     SnapshotPublisher
	nextSegmentID func() uint64
	enabled       func(values.IndexID) bool
	artifacts     objectstorage.Storage // nil: segments stay in-memory only
}

func NewFlusher(mode FlusherMode, sizeThreshold int, interval time.Duration, version values.PersistenceVersion, publisher SnapshotPublisher, nextSegmentID func() uint64, enabled func(values.IndexID) bool, artifacts objectstorage.Storage) *Flusher {
	return &Flusher{
		mode:          mode,
		sizeThreshold: sizeThreshold,
		interval:      interval,
		version:       version,
		publisher:     publisher,
		nextSegmentID: nextSegmentID,
		enabled:       enabled,
		artifacts:     artifacts,
	}
}

func (f *Flusher) persistArtifact(ctx context.Context, id values.IndexID, seg *Segment) error {
	if f.artifacts == nil {
		return nil
	}
	data, err := seg.Encode()
	if err != nil {
		return err
	}
	return f.artifacts.Put(ctx, ArtifactKey(id.String(), seg.ID), data)
}

func (f *Flusher) Run(ctx context.Context, ids func() []values.IndexID) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range ids() {
				if err := f.maybeFlush(id); err != nil {
					log.WithIndex(id.String()).Error().Err(err).Msg("vector index flush failed")
				}
			}
		}
	}
}

func (f *Flusher) maybeFlush(id values.IndexID) error {
	idx, ok := f.publisher.State(id)
	if !ok || idx.Memory == nil {
		return nil
	}
	if idx.Memory.Size() < f.sizeThreshold {
		return nil
	}
	return f.Flush(id)
}

func (f *Flusher) Flush(id values.IndexID) error {
	idx, ok := f.publisher.State(id)
	if !ok || idx.Memory == nil {
		return nil
	}

	entries, maxTS := snapshotEntries(idx.Memory)
	segID := f.nextSegmentID()
	newSegment := NewSegment(segID, maxTS, entries)

	var segments []*Segment
	switch f.mode {
	case FlusherModeSingleSegment:
		if idx.Snapshot != nil {
			newSegment = Merge(segID, mergeAll(idx.Snapshot.Segments, segID), newSegment)
		}
		segments = []*Segment{newSegment}
	case FlusherModeIncremental:
		var existing []*Segment
		if idx.Snapshot != nil {
			existing = idx.Snapshot.Segments
		}
		segments = append(append([]*Segment{}, existing...), newSegment)
	}

	if err := f.persistArtifact(context.Background(), id, newSegment); err != nil {
		return err
	}

	snapshot := SnapshotInfo{Segments: segments, TS: maxTS, Version: f.version}
	return f.publisher.ApplySnapshot(id, snapshot, f.enabled(id))
}

func mergeAll(segments []*Segment, id uint64) *Segment {
	if len(segments) == 0 {
		return &Segment{ID: id, Vectors: make(map[values.InternalID]Vector), Filters: make(map[values.InternalID]map[string]values.Value)}
	}
	acc := segments[0]
	for _, s := range segments[1:] {
		acc = Merge(id, acc, s)
	}
	return acc
}

func snapshotEntries(m *MemoryIndex) (map[values.InternalID]SegmentEntry, values.Timestamp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make(map[values.InternalID]SegmentEntry)
	var maxTS values.Timestamp
	for id, p := range m.postings {
		if p.ts > maxTS {
			maxTS = p.ts
		}
		if p.tombstoned {
			continue
		}
		entries[id] = SegmentEntry{TS: p.ts, Vector: p.vector, Filters: p.filterValues}
	}
	return entries, maxTS
}
