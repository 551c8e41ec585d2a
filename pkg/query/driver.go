package query

import (
	"context"
	"errors"
	"io"

	"github.com/cuemby/docbase/pkg/dberrors"
	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// PaginationLimitError is raised when a stream's row or byte scan
// cost exceeds the driver's configured limits. It carries the split
// position spec.md §4.3 asks for: the client can retry as two
// smaller-range queries straddling SplitPosition instead of one that
// will always blow the limit.
type PaginationLimitError struct {
	*dberrors.Error
	SplitPosition CursorPosition
}

// Request is a pending index-range read a Stream needs before it can
// produce its next row.
type Request struct {
	Index    values.IndexID
	Interval txn.Interval
	Order    persistence.Direction
	Limit    int
}

// WaitingOn is returned by Stream.Next in place of an error when the
// stream is blocked on a Request: it is never surfaced to a caller
// outside this package, only unwrapped by Driver.Step.
type WaitingOn struct {
	Request Request
}

func (w *WaitingOn) Error() string { return "query: stream waiting on index range fetch" }

// Row is one index entry a stream produced: enough to record a read
// dependency and to hydrate the underlying document afterward.
// Hydration is deliberately not part of this protocol - spec.md §4.3
// only batches the index-range path, so document bodies are resolved
// by Hydrate once a page of rows has been assembled.
type Row struct {
	Index  txn.IndexRef
	Key    values.IndexKey
	Tablet values.TabletID
	DocID  values.InternalID
	TS     values.Timestamp
}

// Stream is one query's cursor-resumable execution state: a compiled
// Source with its post-operators applied in front of it.
//
// Grounded on _examples/original_source/crates/database/src/query/mod.rs's
// QueryStream::next, reshaped into Go's pull-iterator idiom: Next
// returns (row, nil) on a value, (nil, io.EOF) once exhausted, or
// (nil, *WaitingOn) when it needs a batched fetch.
type Stream interface {
	Next(ctx context.Context) (*Row, error)

	// Feed delivers the result of a previously returned *WaitingOn's
	// Request, unblocking the next call to Next.
	Feed(records []persistence.IndexRecord)

	// Position is the resumable cursor position as of the last
	// returned row.
	Position() CursorPosition

	// SplitPosition is a midpoint position for dividing an oversized
	// page in half, or nil if the stream hasn't scanned enough of its
	// range to offer one.
	SplitPosition() CursorPosition

	// BytesRead and RowsRead report the running scan cost, checked by
	// the Driver against its configured limits after every row.
	BytesRead() int
	RowsRead() int
}

// Driver batches Next calls across many concurrently executing
// streams so their WaitingOn requests collapse into a single round of
// persistence.IndexRange calls per step, per spec.md §4.3's "batched
// execution" rule.
type Driver struct {
	persist   persistence.Persistence
	rowLimit  int
	byteLimit int
}

func NewDriver(p persistence.Persistence, rowLimit, byteLimit int) *Driver {
	return &Driver{persist: p, rowLimit: rowLimit, byteLimit: byteLimit}
}

// StepResult is one stream's outcome from a single Driver.Step call.
type StepResult struct {
	Row  *Row
	Done bool
}

// Step advances every stream by one round: it calls Next on each,
// collects every WaitingOn into one batch of persistence.IndexRange
// calls issued one after another, and feeds each result back to its
// stream. A stream still left WaitingOn after Feed (a paginated
// on-disk segment needing more than one fetch) resolves on a
// subsequent Step call rather than looping inside this one, keeping
// a single Step bounded to at most one round trip to persistence.
func (d *Driver) Step(ctx context.Context, streams []Stream) ([]StepResult, error) {
	results := make([]StepResult, len(streams))
	type pending struct {
		idx int
		req Request
	}
	var waiting []pending

	for i, s := range streams {
		if s == nil {
			results[i].Done = true
			continue
		}
		row, err := s.Next(ctx)
		switch {
		case err == nil:
			results[i].Row = row
			if limitErr := d.checkLimits(s); limitErr != nil {
				return nil, limitErr
			}
		case errors.Is(err, io.EOF):
			results[i].Done = true
		default:
			var w *WaitingOn
			if errors.As(err, &w) {
				waiting = append(waiting, pending{idx: i, req: w.Request})
				continue
			}
			return nil, err
		}
	}

	for _, p := range waiting {
		records, err := d.persist.IndexRange(ctx, p.req.Index, p.req.Interval, p.req.Order, p.req.Limit)
		if err != nil {
			return nil, err
		}
		streams[p.idx].Feed(records)
	}

	return results, nil
}

func (d *Driver) checkLimits(s Stream) error {
	if d.rowLimit > 0 && s.RowsRead() > d.rowLimit {
		return &PaginationLimitError{
			Error:         dberrors.PaginationLimit("TooManyDocumentsRead", "query scanned too many documents"),
			SplitPosition: s.SplitPosition(),
		}
	}
	if d.byteLimit > 0 && s.BytesRead() > d.byteLimit {
		return &PaginationLimitError{
			Error:         dberrors.PaginationLimit("TooManyBytesRead", "query scanned too many bytes"),
			SplitPosition: s.SplitPosition(),
		}
	}
	return nil
}
