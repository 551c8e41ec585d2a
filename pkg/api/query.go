package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cuemby/docbase/pkg/dberrors"
	"github.com/cuemby/docbase/pkg/query"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// operatorSpec is one post-operator in a query's JSON wire format.
type operatorSpec struct {
	Kind  string      `json:"kind"` // "filter" | "limit"
	Field []string    `json:"field,omitempty"`
	Want  interface{} `json:"want,omitempty"`
	N     int         `json:"n,omitempty"`
}

// querySpec is one query's JSON wire format: either a full table scan
// ("index" omitted) or a range/prefix read against a named index.
type querySpec struct {
	Table     string         `json:"table"`
	Index     string         `json:"index,omitempty"`
	Fields    []string       `json:"fields,omitempty"` // ordered field names the prefix bound is over
	Prefix    []interface{}  `json:"prefix,omitempty"` // values matched against Fields, in order
	Desc      bool           `json:"desc,omitempty"`
	Operators []operatorSpec `json:"operators,omitempty"`
	PageSize  int            `json:"pageSize,omitempty"`
	Cursor    string         `json:"cursor,omitempty"`
}

type queryResponse struct {
	Rows       []map[string]interface{} `json:"rows"`
	Cursor     string                    `json:"cursor,omitempty"`
	Done       bool                      `json:"done"`
}

// wireCursor is querySpec.Cursor's decoded shape: just enough to
// rebuild a query.Cursor without exposing pkg/query's internal
// Fingerprint array layout to clients.
type wireCursor struct {
	Fingerprint [32]byte `json:"fingerprint"`
	Position    []byte   `json:"position"`
}

func encodeCursor(fp query.Fingerprint, pos query.CursorPosition) (string, error) {
	wc := wireCursor{Fingerprint: fp, Position: pos}
	data, err := json.Marshal(wc)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decodeCursor(s string) (*query.Cursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("api: decoding cursor: %w", err)
	}
	var wc wireCursor
	if err := json.Unmarshal(data, &wc); err != nil {
		return nil, fmt.Errorf("api: parsing cursor: %w", err)
	}
	return &query.Cursor{Fingerprint: query.Fingerprint(wc.Fingerprint), Position: wc.Position}, nil
}

func (s *Server) buildQuery(spec querySpec) (query.Query, values.TabletID, error) {
	tablet, ok := s.tables.TabletByName(values.TableName(spec.Table))
	if !ok {
		return query.Query{}, values.TabletID{}, dberrors.BadRequest("UnknownTable", fmt.Sprintf("no such table %q", spec.Table))
	}

	q := query.Query{Source: query.Source{Tablet: tablet}}
	if spec.Desc {
		q.Source.Order = query.Desc
	}

	if spec.Index == "" {
		q.Source.Kind = query.FullTableScan
	} else {
		q.Source.Kind = query.IndexRangeSource
		q.Source.IndexName = values.IndexDescriptor(spec.Index)
		if len(spec.Prefix) > 0 {
			fieldVals := make([]values.Value, len(spec.Prefix))
			for i, raw := range spec.Prefix {
				v, err := fromJSON(raw)
				if err != nil {
					return query.Query{}, values.TabletID{}, dberrors.BadRequest("InvalidPrefix", err.Error())
				}
				fieldVals[i] = v
			}
			q.Source.Interval = txn.IntervalPrefix([]byte(values.EncodeIndexKey(fieldVals)))
		} else {
			q.Source.Interval = txn.IntervalAll()
		}
	}

	for _, op := range spec.Operators {
		switch op.Kind {
		case "filter":
			want, err := fromJSON(op.Want)
			if err != nil {
				return query.Query{}, values.TabletID{}, dberrors.BadRequest("InvalidFilterValue", err.Error())
			}
			q.Operators = append(q.Operators, query.Filter(values.FieldPath(op.Field), want))
		case "limit":
			q.Operators = append(q.Operators, query.Limit(op.N))
		default:
			return query.Query{}, values.TabletID{}, dberrors.BadRequest("UnknownOperator", fmt.Sprintf("unknown operator kind %q", op.Kind))
		}
	}

	return q, tablet, nil
}

// runQuery compiles spec and drives it to either a full page (up to
// pageSize rows) or exhaustion, via repeated Driver.Step rounds.
func (s *Server) runQuery(ctx context.Context, spec querySpec) (queryResponse, error) {
	if spec.PageSize <= 0 {
		spec.PageSize = 100
	}

	q, _, err := s.buildQuery(spec)
	if err != nil {
		return queryResponse{}, err
	}
	cursor, err := decodeCursor(spec.Cursor)
	if err != nil {
		return queryResponse{}, dberrors.BadRequest("InvalidCursor", err.Error())
	}

	compiled, err := query.Compile(s.registry, q, cursor, spec.PageSize)
	if err != nil {
		return queryResponse{}, err
	}

	rows, done, err := s.drainStream(ctx, compiled.Stream, spec.PageSize)
	if err != nil {
		return queryResponse{}, err
	}

	resp := queryResponse{Done: done}
	docs, err := hydrateRows(ctx, s, rows)
	if err != nil {
		return queryResponse{}, err
	}
	for _, d := range docs {
		m, _ := toJSON(d.Value()).(map[string]interface{})
		resp.Rows = append(resp.Rows, m)
	}

	if !done && len(rows) > 0 {
		pos := compiled.Stream.Position()
		c, err := encodeCursor(compiled.Fingerprint, pos)
		if err != nil {
			return queryResponse{}, err
		}
		resp.Cursor = c
	}
	return resp, nil
}

// drainStream steps a single stream, one Driver.Step round at a time,
// until it has produced pageSize rows or reached EOF.
func (s *Server) drainStream(ctx context.Context, stream query.Stream, pageSize int) ([]*query.Row, bool, error) {
	var rows []*query.Row
	streams := []query.Stream{stream}
	for len(rows) < pageSize {
		results, err := s.driver.Step(ctx, streams)
		if err != nil {
			return nil, false, err
		}
		r := results[0]
		if r.Done {
			return rows, true, nil
		}
		if r.Row != nil {
			rows = append(rows, r.Row)
		}
		if streams[0] == nil {
			return rows, true, nil
		}
	}
	return rows, false, nil
}

func hydrateRows(ctx context.Context, s *Server, rows []*query.Row) ([]*values.Document, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	return query.Hydrate(ctx, s.persist, rows)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var spec querySpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, dberrors.BadRequest("InvalidJSON", err.Error()))
		return
	}
	ctx, cancel := withTimeout(r)
	defer cancel()

	resp, err := s.runQuery(ctx, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleQueryBatch runs every query in the batch through the same
// sequence of Driver.Step rounds, so their WaitingOn index-range reads
// collapse together per spec.md's batched pipeline, rather than each
// query paying its own round trip.
func (s *Server) handleQueryBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var specs []querySpec
	if err := json.NewDecoder(r.Body).Decode(&specs); err != nil {
		writeError(w, dberrors.BadRequest("InvalidJSON", err.Error()))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	pageSize := 100
	streams := make([]query.Stream, len(specs))
	fingerprints := make([]query.Fingerprint, len(specs))
	for i, spec := range specs {
		if spec.PageSize > 0 {
			pageSize = spec.PageSize
		}
		q, _, err := s.buildQuery(spec)
		if err != nil {
			writeError(w, err)
			return
		}
		cursor, err := decodeCursor(spec.Cursor)
		if err != nil {
			writeError(w, dberrors.BadRequest("InvalidCursor", err.Error()))
			return
		}
		compiled, err := query.Compile(s.registry, q, cursor, pageSize)
		if err != nil {
			writeError(w, err)
			return
		}
		streams[i] = compiled.Stream
		fingerprints[i] = compiled.Fingerprint
	}

	rowsByStream := make([][]*query.Row, len(specs))
	doneByStream := make([]bool, len(specs))
	remaining := len(specs)
	for remaining > 0 {
		results, err := s.driver.Step(ctx, streams)
		if err != nil {
			writeError(w, err)
			return
		}
		progressed := false
		for i, res := range results {
			if doneByStream[i] {
				continue
			}
			if res.Done {
				doneByStream[i] = true
				streams[i] = nil
				remaining--
				continue
			}
			if res.Row != nil {
				rowsByStream[i] = append(rowsByStream[i], res.Row)
				progressed = true
				if len(rowsByStream[i]) >= pageSize {
					doneByStream[i] = true
					streams[i] = nil
					remaining--
				}
			}
		}
		if !progressed && remaining > 0 {
			// every remaining stream is mid-WaitingOn; Step already
			// issued and fed the batched fetch, so loop to collect
			// the rows that unblocks.
			continue
		}
	}

	responses := make([]queryResponse, len(specs))
	for i := range specs {
		docs, err := hydrateRows(ctx, s, rowsByStream[i])
		if err != nil {
			writeError(w, err)
			return
		}
		resp := queryResponse{Done: true}
		for _, d := range docs {
			m, _ := toJSON(d.Value()).(map[string]interface{})
			resp.Rows = append(resp.Rows, m)
		}
		if len(rowsByStream[i]) >= pageSize {
			// a stream cut off by pageSize, not EOF, still has more
			resp.Done = false
		}
		responses[i] = resp
	}
	writeJSON(w, http.StatusOK, responses)
}
