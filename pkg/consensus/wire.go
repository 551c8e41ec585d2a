// Package consensus replicates the commit path over raft: every
// commit attempt becomes a log entry (a Command), and pkg/commit's
// Committer runs identically on every replica as raft applies that
// entry in the same order everywhere.
//
// Grounded on _examples/cuemby-warren/pkg/manager/manager.go (Raft
// setup, Bootstrap/Join/AddVoter/RemoveServer/GetRaftStats) and
// fsm.go (Apply/Snapshot/Restore, Command{Op,Data} JSON log entries).
package consensus

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// Command is the JSON wire format of one raft log entry: enough of a
// transaction's read set and write set to reconstruct a *txn.Transaction
// identically on every replica.
type Command struct {
	BeginTS values.Timestamp `json:"beginTs"`
	Reads   wireReadSet      `json:"reads"`
	Writes  []wireWrite      `json:"writes"`
}

type wireReadSet struct {
	Ranges   []wireRangeRead  `json:"ranges,omitempty"`
	Searches []wireSearchRead `json:"searches,omitempty"`
}

type wireRangeRead struct {
	Tablet string `json:"tablet"`
	Name   string `json:"name"`
	Start  string `json:"start,omitempty"` // base64
	End    string `json:"end,omitempty"`   // base64
}

type wireSearchRead struct {
	Tablet string `json:"tablet"`
	Name   string `json:"name"`
}

// wireWrite carries one coalesced document update. isSystem is not
// wire-encoded: it is re-derived at decode time from whether the
// tablet is one of the two bootstrap tablets, the same special-casing
// txn.WriteSet.recordReadsForWrite already applies, so there is no
// second source of truth for which tables are "system" ones.
type wireWrite struct {
	Tablet  string          `json:"tablet"`
	ID      string          `json:"id"`
	HasPrev bool            `json:"hasPrev"`
	PrevTS  values.Timestamp `json:"prevTs,omitempty"`
	PrevDoc json.RawMessage `json:"prevDoc,omitempty"`
	NextDoc json.RawMessage `json:"nextDoc,omitempty"`
}

// EncodeCommand captures a transaction's accumulated reads and writes
// into the form that gets appended to the raft log.
func EncodeCommand(t *txn.Transaction) (Command, error) {
	cmd := Command{BeginTS: t.BeginTS}

	for _, rr := range t.Reads.Ranges() {
		cmd.Reads.Ranges = append(cmd.Reads.Ranges, wireRangeRead{
			Tablet: rr.Index.Tablet.String(),
			Name:   string(rr.Index.Name),
			Start:  base64.StdEncoding.EncodeToString(rr.Interval.Start),
			End:    base64.StdEncoding.EncodeToString(rr.Interval.End),
		})
	}
	for _, sr := range t.Reads.Searches() {
		cmd.Reads.Searches = append(cmd.Reads.Searches, wireSearchRead{
			Tablet: sr.Index.Tablet.String(),
			Name:   string(sr.Index.Name),
		})
	}

	for _, w := range t.Writes.CoalescedWrites() {
		ww := wireWrite{
			Tablet: w.ID.TabletID.String(),
			ID:     w.ID.InternalID.String(),
		}
		if w.Update.Prev != nil {
			ww.HasPrev = true
			ww.PrevTS = w.Update.Prev.TS
			raw, err := json.Marshal(documentToJSON(w.Update.Prev.Doc))
			if err != nil {
				return Command{}, fmt.Errorf("consensus: encoding previous revision: %w", err)
			}
			ww.PrevDoc = raw
		}
		if w.Update.Next != nil {
			raw, err := json.Marshal(documentToJSON(w.Update.Next))
			if err != nil {
				return Command{}, fmt.Errorf("consensus: encoding next revision: %w", err)
			}
			ww.NextDoc = raw
		}
		cmd.Writes = append(cmd.Writes, ww)
	}

	return cmd, nil
}

// DecodeCommand rebuilds an equivalent *txn.Transaction from a log
// entry, the inverse of EncodeCommand run on every replica.
func DecodeCommand(cmd Command, budgets txn.Budgets, bootstrap txn.BootstrapTablets) (*txn.Transaction, error) {
	t := txn.NewTransaction(cmd.BeginTS, budgets)

	for _, rr := range cmd.Reads.Ranges {
		tablet, err := parseTabletID(rr.Tablet)
		if err != nil {
			return nil, fmt.Errorf("consensus: decoding range read tablet: %w", err)
		}
		start, err := base64.StdEncoding.DecodeString(rr.Start)
		if err != nil {
			return nil, fmt.Errorf("consensus: decoding range read start: %w", err)
		}
		end, err := base64.StdEncoding.DecodeString(rr.End)
		if err != nil {
			return nil, fmt.Errorf("consensus: decoding range read end: %w", err)
		}
		t.Reads.RecordRange(txn.IndexRef{Tablet: tablet, Name: values.IndexDescriptor(rr.Name)}, txn.Interval{Start: start, End: end})
	}
	for _, sr := range cmd.Reads.Searches {
		tablet, err := parseTabletID(sr.Tablet)
		if err != nil {
			return nil, fmt.Errorf("consensus: decoding search read tablet: %w", err)
		}
		t.Reads.RecordSearch(txn.IndexRef{Tablet: tablet, Name: values.IndexDescriptor(sr.Name)})
	}

	for _, ww := range cmd.Writes {
		tablet, err := parseTabletID(ww.Tablet)
		if err != nil {
			return nil, fmt.Errorf("consensus: decoding write tablet: %w", err)
		}
		id, err := parseInternalID(ww.ID)
		if err != nil {
			return nil, fmt.Errorf("consensus: decoding write id: %w", err)
		}
		docID := values.DocumentID{TabletID: tablet, InternalID: id}

		var prev *values.DocAndTS
		if ww.HasPrev {
			doc, err := documentFromJSON(tablet, id, ww.PrevTS, ww.PrevDoc)
			if err != nil {
				return nil, fmt.Errorf("consensus: decoding previous revision: %w", err)
			}
			prev = &values.DocAndTS{Doc: doc, TS: ww.PrevTS}
		}

		var next *values.Document
		if len(ww.NextDoc) > 0 {
			next, err = documentFromJSON(tablet, id, cmd.BeginTS, ww.NextDoc)
			if err != nil {
				return nil, fmt.Errorf("consensus: decoding next revision: %w", err)
			}
		}

		isSystem := tablet == bootstrap.TablesTablet || tablet == bootstrap.IndexTablet
		if err := t.Writes.Update(isSystem, t.Reads, bootstrap, docID, prev, next); err != nil {
			return nil, fmt.Errorf("consensus: replaying write: %w", err)
		}
	}

	return t, nil
}

func parseTabletID(s string) (values.TabletID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return values.TabletID{}, err
	}
	return values.TabletID(u), nil
}

func parseInternalID(s string) (values.InternalID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return values.InternalID{}, err
	}
	return values.InternalID(u), nil
}
