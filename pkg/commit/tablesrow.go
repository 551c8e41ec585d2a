package commit

import (
	"fmt"

	"github.com/cuemby/docbase/pkg/values"
)

// DecodeTablesRow reads a `_tables` document's developer-visible
// fields into the (tablet, number, name) triple a TableMapping entry
// needs. As with DecodeIndexRow, the field layout is this port's own
// encoding: no original_source file specifies a `_tables` row shape
// for a generic document store, since the Rust implementation keeps
// table metadata in a typed struct rather than a document.
func DecodeTablesRow(doc *values.Document) (values.TabletID, values.TableNumber, values.TableName, error) {
	tabletStr, err := stringField(doc.Fields, "tablet")
	if err != nil {
		return values.TabletID{}, 0, "", err
	}
	tablet, err := parseTabletID(tabletStr)
	if err != nil {
		return values.TabletID{}, 0, "", err
	}

	numberVal, ok := doc.Fields.Get("table_number")
	if !ok {
		return values.TabletID{}, 0, "", fmt.Errorf("missing field %q", "table_number")
	}
	number, ok := numberVal.AsInt64()
	if !ok {
		return values.TabletID{}, 0, "", fmt.Errorf("field %q is not an integer", "table_number")
	}

	name, err := stringField(doc.Fields, "name")
	if err != nil {
		return values.TabletID{}, 0, "", err
	}

	return tablet, values.TableNumber(number), values.TableName(name), nil
}

// EncodeTablesRow builds the document fields a `_tables` row carries
// for (tablet, number, name), the inverse of DecodeTablesRow.
func EncodeTablesRow(tablet values.TabletID, number values.TableNumber, name values.TableName) *values.Object {
	obj := values.NewObject()
	obj.Set("tablet", values.String(tablet.String()))
	obj.Set("table_number", values.Int64(int64(number)))
	obj.Set("name", values.String(string(name)))
	return obj
}

// applyTablesRowChange decodes a write to the `_tables` table and
// advances the live TableMapping, the same one-way table-creation fan
// out applyIndexRowChange performs for `_index` rows. `_tables` rows
// are append-only in this port (no rename/drop path is implemented),
// so only the insertion side is handled.
func (c *Committer) applyTablesRowChange(newDoc *values.Document) error {
	if newDoc == nil || c.tables == nil {
		return nil
	}
	tablet, number, name, err := DecodeTablesRow(newDoc)
	if err != nil {
		return fmt.Errorf("decoding _tables row: %w", err)
	}
	c.tables.Insert(tablet, number, name)
	return nil
}
