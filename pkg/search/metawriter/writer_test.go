package metawriter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/docbase/pkg/values"
)

type fakeSegment struct {
	id      uint64
	deleted int
}

func (s fakeSegment) SegmentID() uint64 { return s.id }
func (s fakeSegment) NumDeleted() int   { return s.deleted }

type fakeStore struct {
	segments   []fakeSegment
	snapshotTS values.Timestamp
	mergeCalls int
	mergeFn    func(segments []fakeSegment, start, end values.Timestamp) []fakeSegment
}

func (f *fakeStore) LoadSegments(ctx context.Context) ([]fakeSegment, values.Timestamp, error) {
	out := make([]fakeSegment, len(f.segments))
	copy(out, f.segments)
	return out, f.snapshotTS, nil
}

func (f *fakeStore) SaveSegments(ctx context.Context, segments []fakeSegment, snapshotTS values.Timestamp) error {
	f.segments = segments
	f.snapshotTS = snapshotTS
	return nil
}

func (f *fakeStore) MergeDeletes(ctx context.Context, segments []fakeSegment, start, end values.Timestamp) ([]fakeSegment, error) {
	f.mergeCalls++
	if f.mergeFn != nil {
		return f.mergeFn(segments, start, end), nil
	}
	return segments, nil
}

func TestCommitCompactionSkipsMergeWhenNoConcurrentDeletes(t *testing.T) {
	store := &fakeStore{segments: []fakeSegment{{id: 1, deleted: 2}, {id: 2, deleted: 0}}, snapshotTS: 10}
	w := NewWriter[fakeSegment](store)

	err := w.CommitCompaction(context.Background(), 5, []fakeSegment{{id: 1, deleted: 2}}, fakeSegment{id: 3, deleted: 2})
	require.NoError(t, err)
	require.Equal(t, 0, store.mergeCalls)
	require.ElementsMatch(t, []uint64{2, 3}, segmentIDs(store.segments))
}

func TestCommitCompactionMergesWhenFlusherAddedDeletesConcurrently(t *testing.T) {
	store := &fakeStore{segments: []fakeSegment{{id: 1, deleted: 3}}, snapshotTS: 10}
	store.mergeFn = func(segments []fakeSegment, start, end values.Timestamp) []fakeSegment {
		return []fakeSegment{{id: segments[0].id, deleted: segments[0].deleted + 1}}
	}
	w := NewWriter[fakeSegment](store)

	err := w.CommitCompaction(context.Background(), 5, []fakeSegment{{id: 1, deleted: 2}}, fakeSegment{id: 9, deleted: 2})
	require.NoError(t, err)
	require.Equal(t, 1, store.mergeCalls)
	require.ElementsMatch(t, []uint64{9}, segmentIDs(store.segments))
	require.Equal(t, 3, store.segments[0].deleted)
}

func TestCommitFlushSkipsMergeWhenNoConcurrentCompaction(t *testing.T) {
	store := &fakeStore{segments: []fakeSegment{{id: 1}, {id: 2}}, snapshotTS: 10}
	w := NewWriter[fakeSegment](store)

	newID := uint64(3)
	err := w.CommitFlush(context.Background(), 20, []fakeSegment{{id: 1}, {id: 2}, {id: 3}}, &newID)
	require.NoError(t, err)
	require.Equal(t, 0, store.mergeCalls)
	require.ElementsMatch(t, []uint64{1, 2, 3}, segmentIDs(store.segments))
}

func TestCommitFlushMergesWhenCompactorRemovedASegmentConcurrently(t *testing.T) {
	store := &fakeStore{segments: []fakeSegment{{id: 9}}, snapshotTS: 10}
	w := NewWriter[fakeSegment](store)

	newID := uint64(3)
	err := w.CommitFlush(context.Background(), 20, []fakeSegment{{id: 1}, {id: 2}, {id: 3}}, &newID)
	require.NoError(t, err)
	require.Equal(t, 1, store.mergeCalls)
	require.ElementsMatch(t, []uint64{9, 3}, segmentIDs(store.segments))
}

func segmentIDs(segments []fakeSegment) []uint64 {
	out := make([]uint64, len(segments))
	for i, s := range segments {
		out[i] = s.id
	}
	return out
}
