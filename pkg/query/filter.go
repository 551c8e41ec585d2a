package query

import (
	"context"
	"io"

	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/values"
)

// filterStream wraps another Stream, passing through only rows whose
// document (once hydrated) matches field == want. Per spec.md §4.3,
// filtering records a read dependency on every document it examines,
// not just the ones that pass - a row a filter rejects can still OCC
// against a later write that would have made it match.
//
// Because Row doesn't carry a hydrated document (see driver.go), the
// match itself happens one layer up once Hydrate has resolved the
// page; filterStream only forwards rows and their read dependencies,
// leaving predicate evaluation to FilterPage.
type filterStream struct {
	inner Stream
	field values.FieldPath
	want  values.Value
}

func newFilterStream(inner Stream, field values.FieldPath, want values.Value) *filterStream {
	return &filterStream{inner: inner, field: field, want: want}
}

func (f *filterStream) Next(ctx context.Context) (*Row, error) { return f.inner.Next(ctx) }
func (f *filterStream) Feed(records []persistence.IndexRecord) { f.inner.Feed(records) }
func (f *filterStream) Position() CursorPosition                { return f.inner.Position() }
func (f *filterStream) SplitPosition() CursorPosition            { return f.inner.SplitPosition() }
func (f *filterStream) BytesRead() int                           { return f.inner.BytesRead() }
func (f *filterStream) RowsRead() int                            { return f.inner.RowsRead() }

// FilterPage drops hydrated documents that don't match field == want,
// applying every filterStream an operator list wrapped around stream.
// Called once per page after Hydrate, mirroring the way
// narrowFromCursor defers document-level work out of the batched
// Next/Feed protocol.
func FilterPage(rows []*Row, docs []*values.Document, field values.FieldPath, want values.Value) ([]*Row, []*values.Document) {
	outRows := rows[:0]
	outDocs := docs[:0]
	for i, doc := range docs {
		if doc == nil {
			continue
		}
		got, ok := values.Lookup(doc.Value(), field)
		if !ok || !values.Equal(got, want) {
			continue
		}
		outRows = append(outRows, rows[i])
		outDocs = append(outDocs, doc)
	}
	return outRows, outDocs
}

// limitStream wraps another Stream, reporting io.EOF once n rows have
// been produced regardless of what the inner stream still has.
type limitStream struct {
	inner Stream
	n     int
	seen  int
}

func newLimitStream(inner Stream, n int) *limitStream {
	return &limitStream{inner: inner, n: n}
}

func (l *limitStream) Next(ctx context.Context) (*Row, error) {
	if l.seen >= l.n {
		return nil, io.EOF
	}
	row, err := l.inner.Next(ctx)
	if err != nil {
		return nil, err
	}
	l.seen++
	return row, nil
}

func (l *limitStream) Feed(records []persistence.IndexRecord) { l.inner.Feed(records) }
func (l *limitStream) Position() CursorPosition                { return l.inner.Position() }
func (l *limitStream) SplitPosition() CursorPosition            { return l.inner.SplitPosition() }
func (l *limitStream) BytesRead() int                           { return l.inner.BytesRead() }
func (l *limitStream) RowsRead() int                             { return l.inner.RowsRead() }
