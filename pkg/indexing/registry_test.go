package indexing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/docbase/pkg/values"
)

func newTestRegistry(t *testing.T) (*Registry, values.TabletID) {
	t.Helper()
	indexTablet := values.NewTabletID()
	r := New(indexTablet)
	selfByID := &Index{
		ID:     values.NewIndexID(),
		Tablet: indexTablet,
		Name:   ByIDDescriptor,
		Kind:   KindDatabase,
		State:  StateEnabled,
		Database: &DatabaseConfig{Fields: []values.FieldPath{{"_id"}}},
	}
	require.NoError(t, r.Bootstrap(selfByID, nil))
	return r, indexTablet
}

func TestBootstrapInstallsSelfDescribingByID(t *testing.T) {
	r, indexTablet := newTestRegistry(t)
	require.True(t, r.HasEnabledByID(indexTablet))
}

func TestUpdateRejectsRenameOfByID(t *testing.T) {
	r, _ := newTestRegistry(t)
	tablet := values.NewTabletID()
	byID := &Index{
		ID: values.NewIndexID(), Tablet: tablet, Name: ByIDDescriptor,
		Kind: KindDatabase, State: StateEnabled,
		Database: &DatabaseConfig{Fields: []values.FieldPath{{"_id"}}},
	}
	require.NoError(t, r.Update(nil, byID))

	renamed := *byID
	renamed.Name = "renamed"
	require.Error(t, r.Update(byID, &renamed))
}

func TestUpdateRejectsConfigChange(t *testing.T) {
	r, _ := newTestRegistry(t)
	tablet := values.NewTabletID()
	idx := &Index{
		ID: values.NewIndexID(), Tablet: tablet, Name: "by_author",
		Kind: KindDatabase, State: StatePending,
		Database: &DatabaseConfig{Fields: []values.FieldPath{{"author"}}},
	}
	require.NoError(t, r.Update(nil, idx))

	changed := *idx
	changed.Database = &DatabaseConfig{Fields: []values.FieldPath{{"title"}}}
	require.Error(t, r.Update(idx, &changed))
}

func TestUpdateAllowsEnabledAndPendingSameName(t *testing.T) {
	r, _ := newTestRegistry(t)
	tablet := values.NewTabletID()
	enabled := &Index{
		ID: values.NewIndexID(), Tablet: tablet, Name: "by_author",
		Kind: KindDatabase, State: StateEnabled,
		Database: &DatabaseConfig{Fields: []values.FieldPath{{"author"}}},
	}
	require.NoError(t, r.Update(nil, enabled))

	pending := &Index{
		ID: values.NewIndexID(), Tablet: tablet, Name: "by_author",
		Kind: KindDatabase, State: StatePending,
		Database: &DatabaseConfig{Fields: []values.FieldPath{{"author"}}},
	}
	require.NoError(t, r.Update(nil, pending))

	_, ok := r.EnabledByName(tablet, "by_author")
	require.True(t, ok)
	_, ok = r.PendingByName(tablet, "by_author")
	require.True(t, ok)
}

func TestUpdateRejectsCollisionSameState(t *testing.T) {
	r, _ := newTestRegistry(t)
	tablet := values.NewTabletID()
	first := &Index{
		ID: values.NewIndexID(), Tablet: tablet, Name: "by_author",
		Kind: KindDatabase, State: StatePending,
		Database: &DatabaseConfig{Fields: []values.FieldPath{{"author"}}},
	}
	require.NoError(t, r.Update(nil, first))

	second := &Index{
		ID: values.NewIndexID(), Tablet: tablet, Name: "by_author",
		Kind: KindDatabase, State: StatePending,
		Database: &DatabaseConfig{Fields: []values.FieldPath{{"author"}}},
	}
	require.Error(t, r.Update(nil, second))
}

func TestIndexTableOnlyCarriesItsOwnByID(t *testing.T) {
	r, indexTablet := newTestRegistry(t)
	stray := &Index{
		ID: values.NewIndexID(), Tablet: indexTablet, Name: "by_other",
		Kind: KindDatabase, State: StateEnabled,
		Database: &DatabaseConfig{Fields: []values.FieldPath{{"x"}}},
	}
	require.Error(t, r.Update(nil, stray))
}

func TestIndexUpdatesEmitTombstoneAndInsert(t *testing.T) {
	r, _ := newTestRegistry(t)
	tablet := values.NewTabletID()
	idx := &Index{
		ID: values.NewIndexID(), Tablet: tablet, Name: "by_name",
		Kind: KindDatabase, State: StateEnabled,
		Database: &DatabaseConfig{Fields: []values.FieldPath{{"name"}}},
	}
	require.NoError(t, r.Update(nil, idx))

	oldFields := values.NewObject()
	oldFields.Set("name", values.String("ada"))
	oldDoc := &values.Document{ID: values.DocumentID{TabletID: tablet, InternalID: values.NewInternalID()}, Fields: oldFields}

	newFields := values.NewObject()
	newFields.Set("name", values.String("bob"))
	newDoc := &values.Document{ID: oldDoc.ID, Fields: newFields}

	updates := r.IndexUpdates(tablet, oldDoc, newDoc)
	require.Len(t, updates, 2)
	require.True(t, updates[0].Tombstone)
	require.False(t, updates[1].Tombstone)
}

func TestDeletionMustTargetExistingIndex(t *testing.T) {
	r, _ := newTestRegistry(t)
	ghost := &Index{ID: values.NewIndexID(), Tablet: values.NewTabletID(), Name: "by_x", Kind: KindDatabase, State: StateEnabled,
		Database: &DatabaseConfig{Fields: []values.FieldPath{{"x"}}}}
	require.Error(t, r.Update(ghost, nil))
}
