package values

// Compare implements the canonical total order over Value used for
// indexing: Kind ordering first (null < int64 < float64 < bool <
// string < bytes < array < object), then a kind-specific comparison.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindNull:
		return 0
	case KindInt64:
		return compareInt64(a.i64, b.i64)
	case KindFloat64:
		return compareFloat64(a.f64, b.f64)
	case KindBool:
		return compareBool(a.b, b.b)
	case KindString:
		return compareBytes([]byte(a.str), []byte(b.str))
	case KindBytes:
		return compareBytes(a.bytes, b.bytes)
	case KindArray:
		return compareArrays(a.array, b.array)
	case KindObject:
		return compareObjects(a.object, b.object)
	default:
		return 0
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat64(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a && b {
		return -1
	}
	return 1
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return compareInt64(int64(len(a)), int64(len(b)))
}

func compareArrays(a, b []Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	return compareInt64(int64(len(a)), int64(len(b)))
}

func compareObjects(a, b *Object) int {
	ak, bk := a.SortedKeys(), b.SortedKeys()
	n := len(ak)
	if len(bk) < n {
		n = len(bk)
	}
	for i := 0; i < n; i++ {
		if ak[i] != bk[i] {
			if ak[i] < bk[i] {
				return -1
			}
			return 1
		}
		av, _ := a.Get(ak[i])
		bv, _ := b.Get(bk[i])
		if c := Compare(av, bv); c != 0 {
			return c
		}
	}
	return compareInt64(int64(len(ak)), int64(len(bk)))
}

// Equal reports whether two values compare equal under Compare.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }
