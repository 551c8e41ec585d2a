package commit

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/search/text"
	"github.com/cuemby/docbase/pkg/search/vector"
	"github.com/cuemby/docbase/pkg/values"
)

func parseIndexID(s string) (values.IndexID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return values.IndexID{}, err
	}
	return values.IndexID(u), nil
}

func parseTabletID(s string) (values.TabletID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return values.TabletID{}, err
	}
	return values.TabletID(u), nil
}

// applyIndexRowChange decodes a write to the `_index` table and
// advances the index registry plus the text/vector managers'
// IndexRowChange state in step, per spec.md §4.9 step 5.
func (c *Committer) applyIndexRowChange(oldDoc, newDoc *values.Document) error {
	var deletion, insertion *indexing.Index
	var err error
	if oldDoc != nil {
		deletion, err = DecodeIndexRow(oldDoc)
		if err != nil {
			return fmt.Errorf("decoding deleted _index row: %w", err)
		}
	}
	if newDoc != nil {
		insertion, err = DecodeIndexRow(newDoc)
		if err != nil {
			return fmt.Errorf("decoding inserted _index row: %w", err)
		}
	}

	if err := c.registry.Update(deletion, insertion); err != nil {
		return fmt.Errorf("index registry update: %w", err)
	}

	row := insertion
	deleted := insertion == nil
	if row == nil {
		row = deletion
	}
	if row == nil {
		return nil
	}

	switch row.Kind {
	case indexing.KindText:
		return c.textMgr.ApplyIndexRowChange(text.IndexRowChange{
			ID:      row.ID,
			Tablet:  row.Tablet,
			Name:    row.Name,
			Config:  row.Text,
			Enabled: row.State == indexing.StateEnabled,
			Deleted: deleted,
		})
	case indexing.KindVector:
		return c.vectorMgr.ApplyIndexRowChange(vector.IndexRowChange{
			ID:      row.ID,
			Tablet:  row.Tablet,
			Name:    row.Name,
			Config:  row.Vector,
			Enabled: row.State == indexing.StateEnabled,
			Deleted: deleted,
		})
	}
	return nil
}

// DecodeIndexRow reads an `_index` table document's developer-visible
// fields into a registry Index. The field layout (tablet/name/kind/
// state plus a kind-tagged config object) is this port's own encoding
// of the row shape spec.md §3 describes only in prose; no
// original_source file gives an exact wire format to follow, since the
// Rust implementation keeps this as a typed Rust struct rather than a
// generic document.
//
// Exported so cmd/dbnode can replay a node's `_index` table into a
// fresh Registry on restart, the same decode the live commit path
// uses for every row as it streams by.
func DecodeIndexRow(doc *values.Document) (*indexing.Index, error) {
	idStr, err := stringField(doc.Fields, "index_id")
	if err != nil {
		return nil, err
	}
	id, err := parseIndexID(idStr)
	if err != nil {
		return nil, err
	}

	tabletStr, err := stringField(doc.Fields, "tablet")
	if err != nil {
		return nil, err
	}
	tablet, err := parseTabletID(tabletStr)
	if err != nil {
		return nil, err
	}

	name, err := stringField(doc.Fields, "name")
	if err != nil {
		return nil, err
	}

	kindStr, err := stringField(doc.Fields, "kind")
	if err != nil {
		return nil, err
	}
	stateStr, err := stringField(doc.Fields, "state")
	if err != nil {
		return nil, err
	}

	idx := &indexing.Index{
		ID:     id,
		Tablet: tablet,
		Name:   values.IndexDescriptor(name),
		State:  indexing.StatePending,
	}
	if stateStr == "enabled" {
		idx.State = indexing.StateEnabled
	}

	switch kindStr {
	case "database":
		idx.Kind = indexing.KindDatabase
		fields, err := fieldPathListField(doc.Fields, "fields")
		if err != nil {
			return nil, err
		}
		idx.Database = &indexing.DatabaseConfig{Fields: fields}
	case "text":
		idx.Kind = indexing.KindText
		searchField, err := fieldPathField(doc.Fields, "search_field")
		if err != nil {
			return nil, err
		}
		filterFields, err := fieldPathListField(doc.Fields, "filter_fields")
		if err != nil {
			return nil, err
		}
		idx.Text = &indexing.TextConfig{SearchField: searchField, FilterFields: filterFields}
	case "vector":
		idx.Kind = indexing.KindVector
		vectorField, err := fieldPathField(doc.Fields, "vector_field")
		if err != nil {
			return nil, err
		}
		filterFields, err := fieldPathListField(doc.Fields, "filter_fields")
		if err != nil {
			return nil, err
		}
		dim, _ := doc.Fields.Get("dimension")
		dimInt, _ := dim.AsInt64()
		idx.Vector = &indexing.VectorConfig{VectorField: vectorField, Dimension: int(dimInt), FilterFields: filterFields}
	default:
		return nil, fmt.Errorf("unknown index kind %q", kindStr)
	}

	return idx, nil
}

func stringField(obj *values.Object, key string) (string, error) {
	v, ok := obj.Get(key)
	if !ok {
		return "", fmt.Errorf("missing field %q", key)
	}
	s, ok := v.AsString()
	if !ok {
		return "", fmt.Errorf("field %q is not a string", key)
	}
	return s, nil
}

func fieldPathField(obj *values.Object, key string) (values.FieldPath, error) {
	v, ok := obj.Get(key)
	if !ok {
		return nil, fmt.Errorf("missing field %q", key)
	}
	s, ok := v.AsString()
	if !ok {
		return nil, fmt.Errorf("field %q is not a string", key)
	}
	return values.FieldPath{s}, nil
}

func fieldPathListField(obj *values.Object, key string) ([]values.FieldPath, error) {
	v, ok := obj.Get(key)
	if !ok {
		return nil, nil
	}
	arr, ok := v.AsArray()
	if !ok {
		return nil, fmt.Errorf("field %q is not an array", key)
	}
	out := make([]values.FieldPath, 0, len(arr))
	for _, e := range arr {
		s, ok := e.AsString()
		if !ok {
			return nil, fmt.Errorf("field %q element is not a string", key)
		}
		out = append(out, values.FieldPath{s})
	}
	return out, nil
}
