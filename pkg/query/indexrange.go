package query

import (
	"context"
	"io"

	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// indexRangeStream scans one index's entries within an interval,
// fetching a bounded page at a time so a single query never pins an
// unbounded amount of memory or forces persistence to materialize an
// entire index in one call.
type indexRangeStream struct {
	indexID  values.IndexID
	tablet   values.TabletID
	name     values.IndexDescriptor
	interval txn.Interval
	order    persistence.Direction
	pageSize int

	buffer  []persistence.IndexRecord
	bufPos  int
	waiting bool
	atEnd   bool

	lastKey   values.IndexKey
	splitKey  values.IndexKey
	rowsRead  int
	bytesRead int
}

func newIndexRangeStream(indexID values.IndexID, tablet values.TabletID, name values.IndexDescriptor, interval txn.Interval, order persistence.Direction, pageSize int) *indexRangeStream {
	if pageSize <= 0 {
		pageSize = 256
	}
	return &indexRangeStream{indexID: indexID, tablet: tablet, name: name, interval: interval, order: order, pageSize: pageSize}
}

func (s *indexRangeStream) Next(ctx context.Context) (*Row, error) {
	if s.bufPos >= len(s.buffer) {
		if s.atEnd {
			return nil, io.EOF
		}
		if !s.waiting {
			s.waiting = true
			return nil, &WaitingOn{Request: Request{Index: s.indexID, Interval: s.interval, Order: s.order, Limit: s.pageSize}}
		}
		// Feed hasn't arrived yet; the Driver only calls Next again
		// after Feed, so reaching here means Feed delivered an empty
		// page.
		return nil, io.EOF
	}

	rec := s.buffer[s.bufPos]
	s.bufPos++
	s.rowsRead++
	s.bytesRead += len(rec.Key) + 16

	s.lastKey = rec.Key
	if len(s.buffer)/2 == s.bufPos {
		s.splitKey = rec.Key
	}

	if rec.Tombstone {
		return s.Next(ctx)
	}

	return &Row{
		Index:  txn.IndexRef{Tablet: s.tablet, Name: s.name},
		Key:    rec.Key,
		Tablet: rec.Tablet,
		DocID:  rec.DocID,
		TS:     rec.TS,
	}, nil
}

func (s *indexRangeStream) Feed(records []persistence.IndexRecord) {
	s.waiting = false
	s.buffer = records
	s.bufPos = 0
	if len(records) < s.pageSize {
		s.atEnd = true
	} else if s.order == persistence.Forward {
		s.interval.Start = successor([]byte(records[len(records)-1].Key))
	} else {
		s.interval.End = []byte(records[len(records)-1].Key)
	}
}

func (s *indexRangeStream) Position() CursorPosition { return CursorPosition(s.lastKey) }

func (s *indexRangeStream) SplitPosition() CursorPosition {
	if len(s.splitKey) == 0 {
		return nil
	}
	return CursorPosition(s.splitKey)
}

func (s *indexRangeStream) BytesRead() int { return s.bytesRead }
func (s *indexRangeStream) RowsRead() int  { return s.rowsRead }
