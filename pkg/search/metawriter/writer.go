// Package metawriter serializes writes to a search index's on-disk
// segment metadata from its flusher and compactor, reconciling any
// deletes the other worker wrote concurrently.
//
// Grounded on _examples/original_source/crates/database/src/index_workers/writer.rs
// (`SearchIndexMetadataWriter`/`Inner`, read in full): ported using Go
// generics (`Writer[T SearchIndex]`) in place of the Rust
// `T: SearchIndex` trait bound, since the flusher/compactor race this
// package resolves is identical across text and vector indexes and
// only the segment representation differs.
package metawriter

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/docbase/pkg/values"
)

// SearchIndex is the per-domain segment type a Writer operates over:
// enough identity and delete-count bookkeeping to detect a concurrent
// conflicting write, nothing about the segment's actual postings.
type SearchIndex interface {
	SegmentID() uint64
	NumDeleted() int
}

// Store is the persistence surface a Writer needs from its domain:
// reading/writing the published segment set and snapshot timestamp,
// and re-deriving deletes for a span of the document log (the actual
// merge work, delegated back to the caller since it is domain-specific
// postings manipulation).
type Store[T SearchIndex] interface {
	LoadSegments(ctx context.Context) (segments []T, snapshotTS values.Timestamp, err error)
	SaveSegments(ctx context.Context, segments []T, snapshotTS values.Timestamp) error
	MergeDeletes(ctx context.Context, segments []T, startTS, endTS values.Timestamp) ([]T, error)
}

// Writer serializes every flush/compaction commit for one index
// through a single mutex: the flusher and compactor never run
// concurrently with each other by construction elsewhere, but a
// commit can race the *other* worker's most recent write, which is
// exactly the condition CommitFlush/CommitCompaction reconcile.
type Writer[T SearchIndex] struct {
	mu    sync.Mutex
	store Store[T]
}

func NewWriter[T SearchIndex](store Store[T]) *Writer[T] {
	return &Writer[T]{store: store}
}

// CommitCompaction publishes a compactor's merged segment, replacing
// segmentsToCompact. If the flusher wrote new deletes into any of
// those segments after the compaction started reading them, those
// deletes are re-applied to newSegment before it's published, so a
// compaction can never silently resurrect a deleted document.
func (w *Writer[T]) CommitCompaction(ctx context.Context, startCompactionTS values.Timestamp, segmentsToCompact []T, newSegment T) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	current, snapshotTS, err := w.store.LoadSegments(ctx)
	if err != nil {
		return err
	}

	mergeRequired, err := isCompactionMergeRequired(segmentsToCompact, current)
	if err != nil {
		return err
	}
	if mergeRequired {
		merged, err := w.store.MergeDeletes(ctx, []T{newSegment}, startCompactionTS, snapshotTS)
		if err != nil {
			return err
		}
		if len(merged) != 1 {
			return fmt.Errorf("merge deletes returned %d segments, expected 1", len(merged))
		}
		newSegment = merged[0]
		current, snapshotTS, err = w.store.LoadSegments(ctx)
		if err != nil {
			return err
		}
	}

	removed := make(map[uint64]bool, len(segmentsToCompact))
	for _, s := range segmentsToCompact {
		removed[s.SegmentID()] = true
	}
	next := make([]T, 0, len(current)+1)
	for _, s := range current {
		if !removed[s.SegmentID()] {
			next = append(next, s)
		}
	}
	next = append(next, newSegment)

	return w.store.SaveSegments(ctx, next, snapshotTS)
}

// isCompactionMergeRequired reports whether any segment the compactor
// read has since had its delete count increased by a concurrent
// flush: the only way a segment's delete count can move (short of
// compaction itself, which replaces the segment's id) is a flush
// writing a new delete into it.
func isCompactionMergeRequired[T SearchIndex](segmentsToCompact, current []T) (bool, error) {
	byID := make(map[uint64]T, len(current))
	for _, s := range current {
		byID[s.SegmentID()] = s
	}
	for _, original := range segmentsToCompact {
		latest, ok := byID[original.SegmentID()]
		if !ok {
			return false, fmt.Errorf("segment %d unexpectedly removed", original.SegmentID())
		}
		if latest.NumDeleted() != original.NumDeleted() {
			return true, nil
		}
	}
	return false, nil
}

// CommitFlush publishes a flusher's new and delete-modified segments.
// If a concurrent compaction removed one of the segments the flush
// read (every one but the flush's own newly created segment, if any),
// the flush's deletes are replayed onto the compactor's current
// segment set before publishing, so a flush can never drop a delete a
// compaction's merge already folded in.
func (w *Writer[T]) CommitFlush(ctx context.Context, newTS values.Timestamp, newAndModified []T, newSegmentID *uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	current, snapshotTS, err := w.store.LoadSegments(ctx)
	if err != nil {
		return err
	}

	if isMergeFlushRequired(newAndModified, current, newSegmentID) {
		merged, err := w.store.MergeDeletes(ctx, current, snapshotTS, newTS)
		if err != nil {
			return err
		}
		next := merged
		if newSegmentID != nil {
			found := false
			for _, s := range newAndModified {
				if s.SegmentID() == *newSegmentID {
					next = append(next, s)
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("missing new segment %d in flush result", *newSegmentID)
			}
		}
		newAndModified = next
	}

	return w.store.SaveSegments(ctx, newAndModified, newTS)
}

// isMergeFlushRequired reports whether a concurrent compaction removed
// any segment the flush was holding onto, other than the one segment
// the flush itself may have newly created.
func isMergeFlushRequired[T SearchIndex](newSegments, current []T, newSegmentID *uint64) bool {
	currentIDs := make(map[uint64]bool, len(current))
	for _, s := range current {
		currentIDs[s.SegmentID()] = true
	}
	for _, s := range newSegments {
		if newSegmentID != nil && s.SegmentID() == *newSegmentID {
			continue
		}
		if !currentIDs[s.SegmentID()] {
			return true
		}
	}
	return false
}
