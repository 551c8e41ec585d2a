package query

import "errors"

// CursorPosition is an opaque resume point within a stream's scan
// order: the last index key a page stopped at.
type CursorPosition []byte

// Cursor ties a resume position to the query it was produced for.
// Resuming it against a structurally different query is rejected.
type Cursor struct {
	Fingerprint Fingerprint
	Position    CursorPosition
}

// ErrInvalidCursor is returned when a cursor's fingerprint doesn't
// match the query it's being resumed against.
var ErrInvalidCursor = errors.New("query: cursor fingerprint does not match query")

// ValidateCursor checks c against a query's fingerprint before a
// Stream is built from it.
func ValidateCursor(c *Cursor, fp Fingerprint) error {
	if c == nil {
		return nil
	}
	if c.Fingerprint != fp {
		return ErrInvalidCursor
	}
	return nil
}
