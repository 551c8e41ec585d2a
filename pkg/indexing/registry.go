// Package indexing implements the index registry: the set of all
// database, text, and vector indexes, each enabled or pending,
// derived from commits to the `_index` table.
//
// Grounded on _examples/original_source/crates/indexing/src/index_registry.rs.
package indexing

import (
	"fmt"

	"github.com/cuemby/docbase/pkg/values"
)

// Kind is the kind of index: database, text, or vector.
type Kind int

const (
	KindDatabase Kind = iota
	KindText
	KindVector
)

// State is whether an index is visible to queries (Enabled) or still
// backfilling/staged (Pending).
type State int

const (
	StatePending State = iota
	StateEnabled
)

// DatabaseConfig is the developer-visible configuration of a database
// index: the ordered field paths it's built over.
type DatabaseConfig struct {
	Fields []values.FieldPath
}

// TextConfig is the developer-visible configuration of a text index.
type TextConfig struct {
	SearchField  values.FieldPath
	FilterFields []values.FieldPath
}

// VectorConfig is the developer-visible configuration of a vector
// index.
type VectorConfig struct {
	VectorField  values.FieldPath
	Dimension    int
	FilterFields []values.FieldPath
}

// Index is one row of the `_index` table, in whichever state
// (enabled or pending) it currently occupies.
type Index struct {
	ID       values.IndexID
	Tablet   values.TabletID
	Name     values.IndexDescriptor
	Kind     Kind
	State    State
	Database *DatabaseConfig
	Text     *TextConfig
	Vector   *VectorConfig
}

// DeveloperConfigEqual reports whether two indexes carry the same
// developer-visible configuration: per spec.md §3, index configuration
// is immutable short of drop-and-recreate, so a mutation is only ever
// a state transition (pending -> enabled) or a search-index on-disk
// snapshot update, never a field-list change.
func (i *Index) DeveloperConfigEqual(other *Index) bool {
	if i.Kind != other.Kind {
		return false
	}
	switch i.Kind {
	case KindDatabase:
		return fieldPathsEqual(i.Database.Fields, other.Database.Fields)
	case KindText:
		return i.Text.SearchField.String() == other.Text.SearchField.String() &&
			fieldPathsEqual(i.Text.FilterFields, other.Text.FilterFields)
	case KindVector:
		return i.Vector.VectorField.String() == other.Vector.VectorField.String() &&
			i.Vector.Dimension == other.Vector.Dimension &&
			fieldPathsEqual(i.Vector.FilterFields, other.Vector.FilterFields)
	}
	return true
}

func fieldPathsEqual(a, b []values.FieldPath) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].String() != b[i].String() {
			return false
		}
	}
	return true
}

// tabletDescriptor is the (tablet, descriptor) key indexes are looked
// up by, independent of state.
type tabletDescriptor struct {
	tablet     values.TabletID
	descriptor values.IndexDescriptor
}

// ByIDDescriptor and ByCreationTimeDescriptor are the two implicit
// per-table indexes spec.md §3 names.
const (
	ByIDDescriptor           values.IndexDescriptor = "by_id"
	ByCreationTimeDescriptor values.IndexDescriptor = "by_creation_time"
)

// IndexTableDescriptor is the `_index` table's own self-describing
// by_id index, installed by Bootstrap before any other row is
// applied.
const IndexTableDescriptor = ByIDDescriptor

// Registry holds the enabled and pending index sets and a per-tablet
// membership index for fast "all indexes on this table" lookups.
type Registry struct {
	enabled  map[tabletDescriptor]*Index
	pending  map[tabletDescriptor]*Index
	byID     map[values.IndexID]*Index
	byTablet map[values.TabletID]map[values.IndexID]struct{}

	// indexTableTablet is the tablet id of the `_index` table itself,
	// fixed at Bootstrap time: its own by_id index is the registry's
	// bootstrap root and may never be renamed or disabled.
	indexTableTablet values.TabletID
}

func New(indexTableTablet values.TabletID) *Registry {
	return &Registry{
		enabled:          make(map[tabletDescriptor]*Index),
		pending:          make(map[tabletDescriptor]*Index),
		byID:             make(map[values.IndexID]*Index),
		byTablet:         make(map[values.TabletID]map[values.IndexID]struct{}),
		indexTableTablet: indexTableTablet,
	}
}

// Bootstrap installs the `_index` table's own by_id index (it
// describes itself and so cannot be derived from a prior registry
// state) and then feeds every other row from a snapshot of `_index`
// through Update.
func (r *Registry) Bootstrap(selfDescribingByID *Index, rows []*Index) error {
	if selfDescribingByID.Tablet != r.indexTableTablet || selfDescribingByID.Name != ByIDDescriptor {
		return fmt.Errorf("self-describing index must be the _index table's own by_id index")
	}
	selfDescribingByID.State = StateEnabled
	r.insert(selfDescribingByID)

	for _, row := range rows {
		if row.Tablet == r.indexTableTablet && row.Name == ByIDDescriptor {
			continue // already installed above
		}
		if err := r.Update(nil, row); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	return nil
}

func (r *Registry) insert(idx *Index) {
	key := tabletDescriptor{idx.Tablet, idx.Name}
	switch idx.State {
	case StateEnabled:
		r.enabled[key] = idx
	case StatePending:
		r.pending[key] = idx
	}
	r.byID[idx.ID] = idx
	if r.byTablet[idx.Tablet] == nil {
		r.byTablet[idx.Tablet] = make(map[values.IndexID]struct{})
	}
	r.byTablet[idx.Tablet][idx.ID] = struct{}{}
}

func (r *Registry) remove(idx *Index) {
	key := tabletDescriptor{idx.Tablet, idx.Name}
	delete(r.enabled, key)
	delete(r.pending, key)
	delete(r.byID, idx.ID)
	if set := r.byTablet[idx.Tablet]; set != nil {
		delete(set, idx.ID)
		if len(set) == 0 {
			delete(r.byTablet, idx.Tablet)
		}
	}
}

// Update validates then applies a mutation of the `_index` table: a
// deletion of an existing row, an insertion of a new row, or (both
// non-nil) a replace of one by the other. It is the transactional
// entry point a commit calls once per `_index` write.
func (r *Registry) Update(deletion, insertion *Index) error {
	if err := r.VerifyUpdate(deletion, insertion); err != nil {
		return err
	}
	r.ApplyVerifiedUpdate(deletion, insertion)
	return nil
}

// VerifyUpdate checks every rule spec.md §4.1 lists, without mutating
// the registry. Split from ApplyVerifiedUpdate so the commit path can
// validate before acquiring the registry's write lock.
func (r *Registry) VerifyUpdate(deletion, insertion *Index) error {
	if deletion == nil && insertion == nil {
		return fmt.Errorf("index update must have a deletion, an insertion, or both")
	}

	if deletion != nil {
		existing, ok := r.byID[deletion.ID]
		if !ok {
			return fmt.Errorf("deletion must target an existing index: %s", deletion.ID)
		}
		if insertion != nil {
			if existing.Tablet != insertion.Tablet {
				return fmt.Errorf("index mutation must not change tablet")
			}
			if existing.Name == ByIDDescriptor || existing.Name == ByCreationTimeDescriptor {
				if existing.Name != insertion.Name {
					return fmt.Errorf("must not rename by_id or by_creation_time")
				}
			}
			if !existing.DeveloperConfigEqual(insertion) {
				return fmt.Errorf("index developer configuration is immutable; drop and recreate instead")
			}
		}
	}

	if insertion != nil {
		key := tabletDescriptor{insertion.Tablet, insertion.Name}
		var collides *Index
		switch insertion.State {
		case StateEnabled:
			collides = r.enabled[key]
		case StatePending:
			collides = r.pending[key]
		}
		if collides != nil && (deletion == nil || collides.ID != deletion.ID) {
			return fmt.Errorf("index %s already has an entry in state %d", insertion.Name, insertion.State)
		}

		if insertion.Tablet == r.indexTableTablet && insertion.Name != ByIDDescriptor {
			return fmt.Errorf("the _index table may only carry its own by_id index")
		}
		if insertion.Tablet == r.indexTableTablet && insertion.State != StateEnabled {
			return fmt.Errorf("the _index table's by_id index must always be enabled")
		}
	}

	return nil
}

// ApplyVerifiedUpdate applies a mutation already checked by
// VerifyUpdate. It must never be called on an unverified pair.
func (r *Registry) ApplyVerifiedUpdate(deletion, insertion *Index) {
	if deletion != nil {
		existing, ok := r.byID[deletion.ID]
		if !ok {
			panic(fmt.Sprintf("indexes_by_table inconsistent: deleted index %s missing from registry", deletion.ID))
		}
		r.remove(existing)
	}
	if insertion != nil {
		r.insert(insertion)
	}
}

// HasEnabledByID reports whether a tablet has an enabled by_id index,
// the invariant spec.md §4.1 requires of every tablet a transaction
// writes to.
func (r *Registry) HasEnabledByID(tablet values.TabletID) bool {
	_, ok := r.enabled[tabletDescriptor{tablet, ByIDDescriptor}]
	return ok
}

func (r *Registry) ByID(id values.IndexID) (*Index, bool) {
	idx, ok := r.byID[id]
	return idx, ok
}

func (r *Registry) EnabledByName(tablet values.TabletID, name values.IndexDescriptor) (*Index, bool) {
	idx, ok := r.enabled[tabletDescriptor{tablet, name}]
	return idx, ok
}

func (r *Registry) PendingByName(tablet values.TabletID, name values.IndexDescriptor) (*Index, bool) {
	idx, ok := r.pending[tabletDescriptor{tablet, name}]
	return idx, ok
}

// IndexesOnTablet returns every index (enabled or pending) whose
// tablet matches, for "all indexes on this table" lookups.
func (r *Registry) IndexesOnTablet(tablet values.TabletID) []*Index {
	ids := r.byTablet[tablet]
	out := make([]*Index, 0, len(ids))
	for id := range ids {
		out = append(out, r.byID[id])
	}
	return out
}

// EnabledDatabaseIndexesOnTablet returns the enabled database indexes
// on a tablet, the set the commit path emits index updates for.
func (r *Registry) EnabledDatabaseIndexesOnTablet(tablet values.TabletID) []*Index {
	var out []*Index
	for _, idx := range r.IndexesOnTablet(tablet) {
		if idx.Kind == KindDatabase && idx.State == StateEnabled {
			out = append(out, idx)
		}
	}
	return out
}

// TextIndexesOnTablet returns every text index (any state) on a
// tablet, used by the text index manager's per-document update path.
func (r *Registry) TextIndexesOnTablet(tablet values.TabletID) []*Index {
	var out []*Index
	for _, idx := range r.IndexesOnTablet(tablet) {
		if idx.Kind == KindText {
			out = append(out, idx)
		}
	}
	return out
}

// VectorIndexesOnTablet mirrors TextIndexesOnTablet for vector
// indexes.
func (r *Registry) VectorIndexesOnTablet(tablet values.TabletID) []*Index {
	var out []*Index
	for _, idx := range r.IndexesOnTablet(tablet) {
		if idx.Kind == KindVector {
			out = append(out, idx)
		}
	}
	return out
}

// IsTableFreeOfIndexes reports whether a tablet has no indexes at
// all, the precondition for physically dropping a table.
func (r *Registry) IsTableFreeOfIndexes(tablet values.TabletID) bool {
	return len(r.byTablet[tablet]) == 0
}

// IndexKeyUpdate is one emitted change to a database index's on-disk
// key space: either a tombstone of an old key or an insertion of a
// new one at the given timestamp.
type IndexKeyUpdate struct {
	Index     values.IndexID
	Key       values.IndexKey
	Tombstone bool
	DocID     values.InternalID
}

// IndexUpdates emits one update per enabled database index on the
// affected tablet for a document write, per spec.md §4.1: the old
// document's key is tombstoned, the new document's key is inserted. A
// write that keeps the same index key (field values unchanged) emits
// one tombstone and one insert at that key, rather than collapsing
// them, so the index log keeps a complete history; callers that only
// care about net effect can dedupe identical (tombstone key, insert
// key) pairs.
func (r *Registry) IndexUpdates(tablet values.TabletID, oldDoc, newDoc *values.Document) []IndexKeyUpdate {
	var out []IndexKeyUpdate
	for _, idx := range r.EnabledDatabaseIndexesOnTablet(tablet) {
		if oldDoc != nil {
			key := fieldsIndexKey(idx.Database.Fields, oldDoc)
			out = append(out, IndexKeyUpdate{Index: idx.ID, Key: key, Tombstone: true, DocID: oldDoc.ID.InternalID})
		}
		if newDoc != nil {
			key := fieldsIndexKey(idx.Database.Fields, newDoc)
			out = append(out, IndexKeyUpdate{Index: idx.ID, Key: key, Tombstone: false, DocID: newDoc.ID.InternalID})
		}
	}
	return out
}

func fieldsIndexKey(fields []values.FieldPath, doc *values.Document) values.IndexKey {
	vals := make([]values.Value, len(fields))
	for i, fp := range fields {
		v, ok := values.Lookup(doc.Value(), fp)
		if !ok {
			v = values.Null()
		}
		vals[i] = v
	}
	return values.EncodeIndexKey(vals)
}

func (k Kind) String() string {
	switch k {
	case KindDatabase:
		return "database"
	case KindText:
		return "text"
	case KindVector:
		return "vector"
	default:
		return "unknown"
	}
}
