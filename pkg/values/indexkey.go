package values

import (
	"encoding/binary"
	"math"
)

// IndexKey is a prefix-free, lexicographically comparable byte
// encoding of an ordered sequence of Values. No single Value's
// encoding is a prefix of a different Value's encoding, so the key of
// a shorter sequence is a byte prefix of exactly those keys that begin
// with the same values, and range scans over raw bytes never need a
// separate "does this prefix terminate here" check.
type IndexKey []byte

const (
	tagNull   byte = 0x01
	tagInt64  byte = 0x02
	tagFloat  byte = 0x03
	tagBool   byte = 0x04
	tagString byte = 0x05
	tagBytes  byte = 0x06
	tagArray  byte = 0x07
	tagObject byte = 0x08

	escByte  byte = 0x00
	escLit   byte = 0x01 // escByte, escLit  => literal 0x00 in content
	escEnd   byte = 0x00 // escByte, escEnd  => end of variable-length content
)

// EncodeIndexKey encodes an ordered sequence of field values (as read
// off a document by an index's field paths) into a single IndexKey.
func EncodeIndexKey(values []Value) IndexKey {
	var out []byte
	for _, v := range values {
		out = appendValue(out, v)
	}
	return IndexKey(out)
}

func appendValue(out []byte, v Value) []byte {
	switch v.kind {
	case KindNull:
		return append(out, tagNull)
	case KindInt64:
		out = append(out, tagInt64)
		var buf [8]byte
		// flip the sign bit so two's-complement order matches numeric order
		binary.BigEndian.PutUint64(buf[:], uint64(v.i64)^(1<<63))
		return append(out, buf[:]...)
	case KindFloat64:
		out = append(out, tagFloat)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], orderPreservingFloatBits(v.f64))
		return append(out, buf[:]...)
	case KindBool:
		out = append(out, tagBool)
		if v.b {
			return append(out, 1)
		}
		return append(out, 0)
	case KindString:
		out = append(out, tagString)
		return appendEscaped(out, []byte(v.str))
	case KindBytes:
		out = append(out, tagBytes)
		return appendEscaped(out, v.bytes)
	case KindArray:
		out = append(out, tagArray)
		for _, e := range v.array {
			out = appendValue(out, e)
		}
		return append(out, escByte, escEnd)
	case KindObject:
		out = append(out, tagObject)
		for _, k := range v.object.SortedKeys() {
			out = appendEscaped(out, []byte(k))
			fv, _ := v.object.Get(k)
			out = appendValue(out, fv)
		}
		return append(out, escByte, escEnd)
	default:
		return append(out, tagNull)
	}
}

// appendEscaped writes content where every literal 0x00 byte is
// escaped to (0x00, 0x01), then terminates with (0x00, 0x00). Because
// the terminator's second byte (0x00) can never follow an escaped
// literal's second byte (0x01), the terminator is unambiguous.
func appendEscaped(out []byte, content []byte) []byte {
	for _, b := range content {
		if b == escByte {
			out = append(out, escByte, escLit)
		} else {
			out = append(out, b)
		}
	}
	return append(out, escByte, escEnd)
}

// orderPreservingFloatBits maps a float64's bits so that unsigned
// big-endian comparison of the result matches float comparison.
func orderPreservingFloatBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		// negative: flip all bits
		return ^bits
	}
	// positive: flip just the sign bit
	return bits | (1 << 63)
}

// Compare implements lexicographic byte comparison between two
// IndexKeys, the order used for range scans.
func (k IndexKey) Compare(other IndexKey) int {
	return compareBytes([]byte(k), []byte(other))
}

// HasPrefix reports whether k begins with the bytes of prefix. Used
// to test membership of an index key in a scan whose bound was built
// from a shorter field-value prefix.
func (k IndexKey) HasPrefix(prefix IndexKey) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
