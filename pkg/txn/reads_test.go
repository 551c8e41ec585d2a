package txn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/docbase/pkg/values"
)

func TestIntervalOverlaps(t *testing.T) {
	a := IntervalPrefix([]byte("ab"))
	b := IntervalPrefix([]byte("ab"))
	require.True(t, a.Overlaps(b))

	c := IntervalPrefix([]byte("zz"))
	require.False(t, a.Overlaps(c))

	all := IntervalAll()
	require.True(t, all.Overlaps(c))
}

func TestReadSetOverlapsKey(t *testing.T) {
	rs := NewReadSet()
	idx := IndexRef{Tablet: values.NewTabletID(), Name: "by_name"}
	key := values.EncodeIndexKey([]values.Value{values.String("ada")})
	rs.RecordPoint(idx, key)

	require.True(t, rs.OverlapsKey(idx, key))

	other := values.EncodeIndexKey([]values.Value{values.String("bob")})
	require.False(t, rs.OverlapsKey(idx, other))
}

func TestReadSetSearchReadConservativelyOverlapsTablet(t *testing.T) {
	rs := NewReadSet()
	tablet := values.NewTabletID()
	idx := IndexRef{Tablet: tablet, Name: "search"}
	rs.RecordSearch(idx)

	other := IndexRef{Tablet: tablet, Name: "by_id"}
	key := values.EncodeIndexKey([]values.Value{values.String("x")})
	require.True(t, rs.OverlapsKey(other, key))
}
