package values

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareKindOrdering(t *testing.T) {
	require.True(t, Compare(Null(), Int64(0)) < 0)
	require.True(t, Compare(Int64(5), Float64(1.0)) < 0)
	require.True(t, Compare(Bool(true), String("")) < 0)
	require.True(t, Compare(String("a"), Bytes([]byte("a"))) < 0)
}

func TestCompareWithinKind(t *testing.T) {
	require.True(t, Compare(Int64(1), Int64(2)) < 0)
	require.True(t, Compare(Int64(-1), Int64(1)) < 0)
	require.True(t, Compare(Float64(-1.5), Float64(1.5)) < 0)
	require.True(t, Compare(String("abc"), String("abd")) < 0)
	require.True(t, Equal(String("same"), String("same")))
}

func TestObjectOrderIndependentEquality(t *testing.T) {
	a := NewObject()
	a.Set("name", String("ada"))
	a.Set("age", Int64(30))

	b := NewObject()
	b.Set("age", Int64(30))
	b.Set("name", String("ada"))

	require.True(t, Equal(Obj(a), Obj(b)), "field insertion order must not affect value equality")
}

func TestValidateBoundsStrings(t *testing.T) {
	ok := String("short")
	require.NoError(t, ok.Validate())

	big := make([]byte, MaxStringBytes+1)
	bad := String(string(big))
	require.Error(t, bad.Validate())
}

func TestEncodeIndexKeyOrderMatchesValueOrder(t *testing.T) {
	pairs := []struct{ a, b Value }{
		{Int64(1), Int64(2)},
		{Int64(-5), Int64(5)},
		{Float64(-2.5), Float64(2.5)},
		{String("alice"), String("bob")},
		{Bool(false), Bool(true)},
	}
	for _, p := range pairs {
		ka := EncodeIndexKey([]Value{p.a})
		kb := EncodeIndexKey([]Value{p.b})
		require.True(t, ka.Compare(kb) < 0, "expected %v < %v in index key order", p.a, p.b)
	}
}

func TestEncodeIndexKeyPrefixFree(t *testing.T) {
	k1 := EncodeIndexKey([]Value{String("ab")})
	k2 := EncodeIndexKey([]Value{String("abc")})
	require.False(t, k2.HasPrefix(k1) && len(k1) == len(k2), "longer string key should not collide with shorter string key")
	// The encodings must differ even though "ab" is a textual prefix of
	// "abc": the terminator after "ab" breaks it.
	require.NotEqual(t, k1, k2[:len(k1)])
}

func TestFieldPathLookup(t *testing.T) {
	inner := NewObject()
	inner.Set("name", String("ada"))
	outer := NewObject()
	outer.Set("author", Obj(inner))

	v, ok := Lookup(Obj(outer), FieldPath{"author", "name"})
	require.True(t, ok)
	s, _ := v.AsString()
	require.Equal(t, "ada", s)

	_, ok = Lookup(Obj(outer), FieldPath{"author", "missing"})
	require.False(t, ok)
}
