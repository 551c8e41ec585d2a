package query

import (
	"context"
	"fmt"

	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/values"
)

// Hydrate resolves the document body behind each row, by reading the
// exact committed revision the row's index entry points at. It is
// called once per page of Rows rather than once per row, so a
// thousand-row page of a sparse table still costs one LoadDocuments
// call per distinct tablet rather than a thousand point reads.
func Hydrate(ctx context.Context, p persistence.Persistence, rows []*Row) ([]*values.Document, error) {
	byTablet := make(map[values.TabletID][]*Row)
	for _, r := range rows {
		if r == nil {
			continue
		}
		byTablet[r.Tablet] = append(byTablet[r.Tablet], r)
	}

	docs := make(map[values.TabletID]map[values.InternalID]map[values.Timestamp]*values.Document)
	for tablet, trows := range byTablet {
		minTS, maxTS := trows[0].TS, trows[0].TS
		for _, r := range trows {
			if r.TS < minTS {
				minTS = r.TS
			}
			if r.TS > maxTS {
				maxTS = r.TS
			}
		}
		records, err := p.LoadDocuments(ctx, tablet, minTS, maxTS.Succ(), persistence.Forward)
		if err != nil {
			return nil, fmt.Errorf("hydrate: %w", err)
		}
		byDoc := make(map[values.InternalID]map[values.Timestamp]*values.Document)
		for _, rec := range records {
			if rec.Value == nil {
				continue
			}
			if byDoc[rec.ID] == nil {
				byDoc[rec.ID] = make(map[values.Timestamp]*values.Document)
			}
			byDoc[rec.ID][rec.TS] = rec.Value
		}
		docs[tablet] = byDoc
	}

	out := make([]*values.Document, len(rows))
	for i, r := range rows {
		if r == nil {
			continue
		}
		if byDoc, ok := docs[r.Tablet]; ok {
			if byTS, ok := byDoc[r.DocID]; ok {
				out[i] = byTS[r.TS]
			}
		}
	}
	return out, nil
}
