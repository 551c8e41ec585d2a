package consensus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

func newTestBootstrap() txn.BootstrapTablets {
	return txn.BootstrapTablets{TablesTablet: values.NewTabletID(), IndexTablet: values.NewTabletID()}
}

func newTestDoc(tablet values.TabletID, field, value string) *values.Document {
	obj := values.NewObject()
	obj.Set(field, values.String(value))
	return &values.Document{ID: values.DocumentID{TabletID: tablet, InternalID: values.NewInternalID()}, Fields: obj}
}

func TestEncodeDecodeCommandRoundtripsInsert(t *testing.T) {
	bootstrap := newTestBootstrap()
	budgets := txn.DefaultBudgets()
	tablet := values.NewTabletID()

	t1 := txn.NewTransaction(values.Timestamp(1), budgets)
	doc := newTestDoc(tablet, "name", "alice")
	require.NoError(t, t1.Writes.Update(false, t1.Reads, bootstrap, doc.ID, nil, doc))
	t1.Reads.RecordRange(txn.IndexRef{Tablet: tablet, Name: "by_id"}, txn.IntervalPrefix([]byte("x")))
	t1.Reads.RecordSearch(txn.IndexRef{Tablet: tablet, Name: "by_content"})

	cmd, err := EncodeCommand(t1)
	require.NoError(t, err)

	t2, err := DecodeCommand(cmd, budgets, bootstrap)
	require.NoError(t, err)

	require.Equal(t, t1.BeginTS, t2.BeginTS)
	require.Len(t, t2.Reads.Ranges(), 1)
	require.Len(t, t2.Reads.Searches(), 1)

	writes := t2.Writes.CoalescedWrites()
	require.Len(t, writes, 1)
	require.Equal(t, doc.ID, writes[0].ID)
	require.Nil(t, writes[0].Update.Prev)
	require.NotNil(t, writes[0].Update.Next)
	gotName, ok := writes[0].Update.Next.Fields.Get("name")
	require.True(t, ok)
	gotStr, _ := gotName.AsString()
	require.Equal(t, "alice", gotStr)
}

func TestEncodeDecodeCommandRoundtripsUpdateAndDelete(t *testing.T) {
	bootstrap := newTestBootstrap()
	budgets := txn.DefaultBudgets()
	tablet := values.NewTabletID()

	prevDoc := newTestDoc(tablet, "name", "bob")
	nextDoc := &values.Document{ID: prevDoc.ID, Fields: prevDoc.Fields}
	nextDoc.Fields = values.NewObject()
	nextDoc.Fields.Set("name", values.String("bobby"))

	t1 := txn.NewTransaction(values.Timestamp(5), budgets)
	require.NoError(t, t1.Writes.Update(false, t1.Reads, bootstrap, prevDoc.ID, &values.DocAndTS{Doc: prevDoc, TS: values.Timestamp(3)}, nextDoc))

	cmd, err := EncodeCommand(t1)
	require.NoError(t, err)

	t2, err := DecodeCommand(cmd, budgets, bootstrap)
	require.NoError(t, err)

	writes := t2.Writes.CoalescedWrites()
	require.Len(t, writes, 1)
	require.NotNil(t, writes[0].Update.Prev)
	require.Equal(t, values.Timestamp(3), writes[0].Update.Prev.TS)
	prevName, _ := writes[0].Update.Prev.Doc.Fields.Get("name")
	gotPrev, _ := prevName.AsString()
	require.Equal(t, "bob", gotPrev)

	nextName, _ := writes[0].Update.Next.Fields.Get("name")
	gotNext, _ := nextName.AsString()
	require.Equal(t, "bobby", gotNext)
}

func TestDecodeCommandDerivesIsSystemFromBootstrapTablets(t *testing.T) {
	bootstrap := newTestBootstrap()
	budgets := txn.DefaultBudgets()

	doc := newTestDoc(bootstrap.TablesTablet, "name", "table-record")
	t1 := txn.NewTransaction(values.Timestamp(1), budgets)
	require.NoError(t, t1.Writes.Update(true, t1.Reads, bootstrap, doc.ID, nil, doc))

	cmd, err := EncodeCommand(t1)
	require.NoError(t, err)

	// Decoding must not error even though the wire format carries no
	// explicit isSystem flag: it is re-derived from the tablet.
	_, err = DecodeCommand(cmd, budgets, bootstrap)
	require.NoError(t, err)
}
