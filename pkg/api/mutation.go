package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/cuemby/docbase/pkg/dberrors"
	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

func parseInternalID(s string) (values.InternalID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return values.InternalID{}, err
	}
	return values.InternalID(u), nil
}

// writeSpec is one document change in a mutation request. Omitting ID
// inserts a new document; supplying ID with a non-null Value replaces
// it; supplying ID with a null Value deletes it. There is no
// server-side UDF execution (spec.md Non-goals): a caller submits the
// write set it already decided on, the same boundary pkg/query and
// pkg/commit draw for the document values they accept.
type writeSpec struct {
	ID    string      `json:"id,omitempty"`
	Value interface{} `json:"value"`
}

type mutationRequest struct {
	Table  string      `json:"table"`
	Writes []writeSpec `json:"writes"`
}

type mutationResponse struct {
	CommitTS values.Timestamp `json:"commitTs"`
	IDs      []string         `json:"ids"`
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dberrors.BadRequest("InvalidJSON", err.Error()))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	resp, err := s.runMutation(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) runMutation(ctx context.Context, req mutationRequest) (mutationResponse, error) {
	tablet, ok := s.tables.TabletByName(values.TableName(req.Table))
	if !ok {
		return mutationResponse{}, dberrors.BadRequest("UnknownTable", fmt.Sprintf("no such table %q", req.Table))
	}

	beginTS, err := s.persist.NextTS(ctx)
	if err != nil {
		return mutationResponse{}, fmt.Errorf("api: assigning begin timestamp: %w", err)
	}

	t := txn.NewTransaction(beginTS, s.budgets)
	isSystem := tablet == s.bootstrap.TablesTablet || tablet == s.bootstrap.IndexTablet

	var ids []string
	for _, w := range req.Writes {
		id, prev, err := s.resolveWrite(ctx, tablet, w, beginTS)
		if err != nil {
			return mutationResponse{}, err
		}

		var next *values.Document
		if w.Value != nil {
			fv, err := fromJSON(w.Value)
			if err != nil {
				return mutationResponse{}, dberrors.BadRequest("InvalidValue", err.Error())
			}
			obj, ok := fv.AsObject()
			if !ok {
				return mutationResponse{}, dberrors.BadRequest("InvalidValue", "document value must be a JSON object")
			}
			next = &values.Document{ID: values.DocumentID{TabletID: tablet, InternalID: id}, Fields: obj}
		}

		docID := values.DocumentID{TabletID: tablet, InternalID: id}
		if err := t.Writes.Update(isSystem, t.Reads, s.bootstrap, docID, prev, next); err != nil {
			return mutationResponse{}, dberrors.BadRequest("InvalidWrite", err.Error())
		}
		ids = append(ids, id.String())
	}

	commitTS, err := s.commit(ctx, t)
	if err != nil {
		return mutationResponse{}, err
	}
	return mutationResponse{CommitTS: commitTS, IDs: ids}, nil
}

// resolveWrite parses w.ID (generating a fresh one if absent) and, if
// an existing document is being replaced or deleted, looks up its
// current revision via PreviousRevisions with an upper bound of the
// transaction's own begin timestamp -- guaranteed past every revision
// ever committed, the same bound pkg/commit's OCC validation treats
// "caught up to" as meaning "the latest".
func (s *Server) resolveWrite(ctx context.Context, tablet values.TabletID, w writeSpec, beginTS values.Timestamp) (values.InternalID, *values.DocAndTS, error) {
	if w.ID == "" {
		return values.NewInternalID(), nil, nil
	}

	id, err := parseInternalID(w.ID)
	if err != nil {
		return values.InternalID{}, nil, dberrors.BadRequest("InvalidID", err.Error())
	}

	key := persistence.DocTS{Tablet: tablet, ID: id, TS: beginTS}
	revs, err := s.persist.PreviousRevisions(ctx, []persistence.DocTS{key})
	if err != nil {
		return values.InternalID{}, nil, fmt.Errorf("api: looking up previous revision: %w", err)
	}
	rec, ok := revs[key]
	if !ok {
		return id, nil, nil
	}
	return id, &values.DocAndTS{Doc: rec.Value, TS: rec.TS}, nil
}

// commit runs t through raft when a Node is wired (replicated
// deployment) or directly through the Committer otherwise (a single
// node with no consensus layer, e.g. tests or a standalone instance).
func (s *Server) commit(ctx context.Context, t *txn.Transaction) (values.Timestamp, error) {
	if s.node != nil {
		return s.node.Apply(ctx, t)
	}
	return s.committer.Commit(ctx, t)
}
