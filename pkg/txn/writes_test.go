package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/docbase/pkg/values"
)

func testBootstrap() BootstrapTablets {
	return BootstrapTablets{TablesTablet: values.NewTabletID(), IndexTablet: values.NewTabletID()}
}

func newDoc(tablet values.TabletID, field, value string) *values.Document {
	obj := values.NewObject()
	obj.Set(field, values.String(value))
	return &values.Document{ID: values.DocumentID{TabletID: tablet, InternalID: values.NewInternalID()}, Fields: obj}
}

func TestWriteSetRegistersNewIDReadDependency(t *testing.T) {
	ws := NewWriteSet(DefaultBudgets())
	reads := NewReadSet()
	boot := testBootstrap()
	tablet := values.NewTabletID()
	doc := newDoc(tablet, "hello", "world")

	require.NoError(t, ws.Update(false, reads, boot, doc.ID, nil, doc))
	require.False(t, reads.IsEmpty())
	require.Len(t, ws.GeneratedIDs(), 1)
}

func TestWriteSetCoalescesRepeatedWrites(t *testing.T) {
	ws := NewWriteSet(DefaultBudgets())
	reads := NewReadSet()
	boot := testBootstrap()
	tablet := values.NewTabletID()

	id := values.DocumentID{TabletID: tablet, InternalID: values.NewInternalID()}
	v1 := newDoc(tablet, "hello", "world")
	v1.ID = id
	require.NoError(t, ws.Update(false, reads, boot, id, nil, v1))

	v2 := newDoc(tablet, "hello", "world2")
	v2.ID = id
	require.NoError(t, ws.Update(false, reads, boot, id, &values.DocAndTS{Doc: v1, TS: 0}, v2))

	writes := ws.CoalescedWrites()
	require.Len(t, writes, 1)
	require.Nil(t, writes[0].Update.Prev)
	require.Equal(t, v2, writes[0].Update.Next)
}

func TestWriteSetRejectsDuplicateInsert(t *testing.T) {
	ws := NewWriteSet(DefaultBudgets())
	reads := NewReadSet()
	boot := testBootstrap()
	tablet := values.NewTabletID()
	doc := newDoc(tablet, "a", "b")

	require.NoError(t, ws.Update(false, reads, boot, doc.ID, nil, doc))
	require.Error(t, ws.Update(false, reads, boot, doc.ID, nil, doc))
}

func TestWriteSetEnforcesUserWriteCountBudget(t *testing.T) {
	ws := NewWriteSet(Budgets{MaxUserWrites: 1, MaxUserWriteBytes: 1 << 20, MaxSystemWrites: 10, MaxSystemWriteBytes: 1 << 20})
	reads := NewReadSet()
	boot := testBootstrap()
	tablet := values.NewTabletID()

	require.NoError(t, ws.Update(false, reads, boot, newDoc(tablet, "a", "b").ID, nil, newDoc(tablet, "a", "b")))
	err := ws.Update(false, reads, boot, newDoc(tablet, "a", "c").ID, nil, newDoc(tablet, "a", "c"))
	require.Error(t, err)
}

func TestNestedWriteSetCommitAndRollback(t *testing.T) {
	ws := NewWriteSet(DefaultBudgets())
	reads := NewReadSet()
	boot := testBootstrap()
	tablet := values.NewTabletID()

	nested := NewNestedWriteSet(ws)
	doc1 := newDoc(tablet, "a", "b")
	require.NoError(t, nested.Pending().Update(false, reads, boot, doc1.ID, nil, doc1))

	token := nested.BeginNested(CloneWriteSet)
	doc2 := newDoc(tablet, "c", "d")
	require.NoError(t, nested.Pending().Update(false, reads, boot, doc2.ID, nil, doc2))
	require.Len(t, nested.Pending().CoalescedWrites(), 2)

	require.NoError(t, nested.RollbackNested(token))
	require.Len(t, nested.Pending().CoalescedWrites(), 1)

	token2 := nested.BeginNested(CloneWriteSet)
	doc3 := newDoc(tablet, "e", "f")
	require.NoError(t, nested.Pending().Update(false, reads, boot, doc3.ID, nil, doc3))
	require.NoError(t, nested.CommitNested(token2))
	require.Len(t, nested.Pending().CoalescedWrites(), 2)
	require.NoError(t, nested.RequireNotNested())
}

func TestNestedWriteSetRejectsMismatchedToken(t *testing.T) {
	ws := NewWriteSet(DefaultBudgets())
	nested := NewNestedWriteSet(ws)
	_ = nested.BeginNested(CloneWriteSet)
	require.Error(t, nested.CommitNested(99))
}
