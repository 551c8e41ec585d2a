package commit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/docbase/pkg/values"
)

func TestEncodeDecodeTablesRowRoundtrips(t *testing.T) {
	tablet := values.NewTabletID()
	obj := EncodeTablesRow(tablet, 7, "users")
	doc := &values.Document{Fields: obj}

	gotTablet, gotNumber, gotName, err := DecodeTablesRow(doc)
	require.NoError(t, err)
	require.Equal(t, tablet, gotTablet)
	require.Equal(t, values.TableNumber(7), gotNumber)
	require.Equal(t, values.TableName("users"), gotName)
}

func TestApplyTablesRowChangeInsertsIntoMapping(t *testing.T) {
	tables := values.NewTableMapping()
	c := &Committer{tables: tables}

	tablet := values.NewTabletID()
	doc := &values.Document{Fields: EncodeTablesRow(tablet, 3, "messages")}

	require.NoError(t, c.applyTablesRowChange(doc))

	got, ok := tables.TabletByName("messages")
	require.True(t, ok)
	require.Equal(t, tablet, got)
}

func TestApplyTablesRowChangeIgnoresDeletion(t *testing.T) {
	c := &Committer{tables: values.NewTableMapping()}
	require.NoError(t, c.applyTablesRowChange(nil))
}
