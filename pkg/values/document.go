package values

import (
	"github.com/google/uuid"
)

// Timestamp is a monotonic, 64-bit logical commit time.
type Timestamp int64

// Succ returns the next timestamp.
func (t Timestamp) Succ() Timestamp { return t + 1 }

// TabletID is the physical identity of a table. Tablets are stable
// across table renames; the table mapping below resolves a tablet to
// its current developer-visible number and name.
type TabletID uuid.UUID

func NewTabletID() TabletID { return TabletID(uuid.New()) }

func (t TabletID) String() string { return uuid.UUID(t).String() }

func (t TabletID) Bytes() []byte {
	u := uuid.UUID(t)
	return u[:]
}

// TableNumber is the developer-visible numeric alias for a tablet.
type TableNumber uint32

// TableName is the human name for a tablet.
type TableName string

// TableMapping resolves tablets to table numbers/names and back. It
// is a pure lookup derived from the `_tables` system table; nothing in
// this package mutates it directly.
type TableMapping struct {
	numberToTablet map[TableNumber]TabletID
	tabletToNumber map[TabletID]TableNumber
	tabletToName   map[TabletID]TableName
	nameToTablet   map[TableName]TabletID
}

func NewTableMapping() *TableMapping {
	return &TableMapping{
		numberToTablet: make(map[TableNumber]TabletID),
		tabletToNumber: make(map[TabletID]TableNumber),
		tabletToName:   make(map[TabletID]TableName),
		nameToTablet:   make(map[TableName]TabletID),
	}
}

func (m *TableMapping) Insert(tablet TabletID, number TableNumber, name TableName) {
	m.numberToTablet[number] = tablet
	m.tabletToNumber[tablet] = number
	m.tabletToName[tablet] = name
	m.nameToTablet[name] = tablet
}

func (m *TableMapping) TabletByName(name TableName) (TabletID, bool) {
	t, ok := m.nameToTablet[name]
	return t, ok
}

func (m *TableMapping) NameByTablet(tablet TabletID) (TableName, bool) {
	n, ok := m.tabletToName[tablet]
	return n, ok
}

func (m *TableMapping) NumberByTablet(tablet TabletID) (TableNumber, bool) {
	n, ok := m.tabletToNumber[tablet]
	return n, ok
}

// Tablets returns every tablet this mapping knows about, in no
// particular order.
func (m *TableMapping) Tablets() []TabletID {
	out := make([]TabletID, 0, len(m.tabletToName))
	for t := range m.tabletToName {
		out = append(out, t)
	}
	return out
}

// NextTableNumber returns one past the highest table number currently
// assigned, or 1 if the mapping is empty -- the number a newly created
// table should take.
func (m *TableMapping) NextTableNumber() TableNumber {
	var max TableNumber
	for n := range m.numberToTablet {
		if n > max {
			max = n
		}
	}
	return max + 1
}

// InternalID is the 128-bit stable internal id of a document, unique
// within its tablet.
type InternalID uuid.UUID

func NewInternalID() InternalID { return InternalID(uuid.New()) }

func (id InternalID) String() string { return uuid.UUID(id).String() }

func (id InternalID) Bytes() []byte {
	u := uuid.UUID(id)
	return u[:]
}

// DocumentID is the physical identity of a document: (tablet,
// internal id).
type DocumentID struct {
	TabletID   TabletID
	InternalID InternalID
}

// DeveloperID is the user-visible identity of a document: (table
// number, internal id), the form exposed to queries and clients.
type DeveloperID struct {
	TableNumber TableNumber
	InternalID  InternalID
}

// Document is an ordered field map plus its stable id and creation
// timestamp.
type Document struct {
	ID           DocumentID
	Fields       *Object
	CreationTime Timestamp
}

func (d Document) Value() Value { return Obj(d.Fields) }

// DocAndTS pairs a document with the commit timestamp it was last
// written at; used for the "prev" side of a write.
type DocAndTS struct {
	Doc *Document
	TS  Timestamp
}
