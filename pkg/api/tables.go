package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cuemby/docbase/pkg/commit"
	"github.com/cuemby/docbase/pkg/dberrors"
	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// createTableRequest names a table to create. Creation is idempotent:
// a name that already exists returns its existing tablet/number
// rather than erroring, since two racing callers both "ensuring" a
// table exists is the common case a document database client faces.
type createTableRequest struct {
	Name string `json:"name"`
}

type createTableResponse struct {
	Tablet      string `json:"tablet"`
	TableNumber int64  `json:"tableNumber"`
	Name        string `json:"name"`
	Created     bool   `json:"created"`
}

// handleCreateTable implements spec.md S1's "create table (auto
// by_id)" step as an explicit administrative operation: the query/
// mutation surface never creates a table implicitly, matching
// spec.md §3's invariant that every table referenced by a document
// write already has an enabled by_id index.
func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dberrors.BadRequest("InvalidJSON", err.Error()))
		return
	}
	if req.Name == "" {
		writeError(w, dberrors.BadRequest("InvalidTableName", "table name must not be empty"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	resp, err := s.createTable(ctx, values.TableName(req.Name))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createTable(ctx context.Context, name values.TableName) (createTableResponse, error) {
	if tablet, ok := s.tables.TabletByName(name); ok {
		number, _ := s.tables.NumberByTablet(tablet)
		return createTableResponse{Tablet: tablet.String(), TableNumber: int64(number), Name: string(name), Created: false}, nil
	}

	tablet := values.NewTabletID()
	number := s.tables.NextTableNumber()

	beginTS, err := s.persist.NextTS(ctx)
	if err != nil {
		return createTableResponse{}, err
	}
	t := txn.NewTransaction(beginTS, s.budgets)

	tablesDocID := values.DocumentID{TabletID: s.bootstrap.TablesTablet, InternalID: values.NewInternalID()}
	tablesDoc := &values.Document{ID: tablesDocID, Fields: commit.EncodeTablesRow(tablet, number, name)}
	if err := t.Writes.Update(true, t.Reads, s.bootstrap, tablesDocID, nil, tablesDoc); err != nil {
		return createTableResponse{}, dberrors.BadRequest("InvalidWrite", err.Error())
	}

	byID := &indexing.Index{
		ID:       values.NewIndexID(),
		Tablet:   tablet,
		Name:     indexing.ByIDDescriptor,
		Kind:     indexing.KindDatabase,
		State:    indexing.StateEnabled,
		Database: &indexing.DatabaseConfig{Fields: []values.FieldPath{{"_id"}}},
	}
	indexDocID := values.DocumentID{TabletID: s.bootstrap.IndexTablet, InternalID: values.NewInternalID()}
	indexDoc := &values.Document{ID: indexDocID, Fields: encodeAutoIndexRow(byID)}
	if err := t.Writes.Update(true, t.Reads, s.bootstrap, indexDocID, nil, indexDoc); err != nil {
		return createTableResponse{}, dberrors.BadRequest("InvalidWrite", err.Error())
	}

	if _, err := s.commit(ctx, t); err != nil {
		return createTableResponse{}, err
	}

	return createTableResponse{Tablet: tablet.String(), TableNumber: int64(number), Name: string(name), Created: true}, nil
}

// encodeAutoIndexRow builds the `_index` row fields for a freshly
// created table's automatic by_id index, the field layout
// commit.DecodeIndexRow expects back out.
func encodeAutoIndexRow(idx *indexing.Index) *values.Object {
	obj := values.NewObject()
	obj.Set("index_id", values.String(idx.ID.String()))
	obj.Set("tablet", values.String(idx.Tablet.String()))
	obj.Set("name", values.String(string(idx.Name)))
	obj.Set("kind", values.String("database"))
	obj.Set("state", values.String("enabled"))
	fields := make([]values.Value, 0, len(idx.Database.Fields))
	for _, fp := range idx.Database.Fields {
		fields = append(fields, values.String(fp.String()))
	}
	obj.Set("fields", values.Array(fields))
	return obj
}
