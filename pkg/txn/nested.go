package txn

import (
	"fmt"

	"github.com/cuemby/docbase/pkg/values"
)

// NestedToken guards a begin/commit/rollback scope, rejecting a
// commit or rollback call whose token does not match the innermost
// open scope.
type NestedToken uint32

// NestedWriteSet wraps a WriteSet with a stack of parent snapshots, so
// a function invocation can open a nested transaction scope, try a
// speculative set of writes, and commit or discard them as a unit.
//
// Grounded on _examples/original_source/crates/database/src/writes.rs's
// generic `NestedWrites<W>`, specialized here to WriteSet since Go
// generics would otherwise need every caller to thread the type
// parameter through for no benefit -- this repository only ever
// nests write sets.
type NestedWriteSet struct {
	parent *NestedWriteSet
	pending *WriteSet
	token   NestedToken
}

func NewNestedWriteSet(ws *WriteSet) *NestedWriteSet {
	return &NestedWriteSet{pending: ws}
}

// Pending returns the write set in scope for the current nesting
// level.
func (n *NestedWriteSet) Pending() *WriteSet { return n.pending }

// BeginNested clones the current write set into a fresh scope and
// pushes the previous scope as its parent.
func (n *NestedWriteSet) BeginNested(clone func(*WriteSet) *WriteSet) NestedToken {
	token := n.token + 1
	parent := &NestedWriteSet{parent: n.parent, pending: n.pending, token: n.token}
	n.parent = parent
	n.pending = clone(n.pending)
	n.token = token
	return token
}

// CommitNested keeps the child scope's writes and drops the parent
// snapshot, requiring the token to match the innermost scope.
func (n *NestedWriteSet) CommitNested(token NestedToken) error {
	if n.token != token {
		return fmt.Errorf("mismatched nested transaction token %d != %d", n.token, token)
	}
	if n.parent == nil {
		return fmt.Errorf("no nested transaction to commit")
	}
	pending := n.pending
	*n = *n.parent
	n.pending = pending
	return nil
}

// RollbackNested discards the child scope's writes and restores the
// parent snapshot, requiring the token to match the innermost scope.
func (n *NestedWriteSet) RollbackNested(token NestedToken) error {
	if n.token != token {
		return fmt.Errorf("mismatched nested transaction token %d != %d", n.token, token)
	}
	if n.parent == nil {
		return fmt.Errorf("no nested transaction to rollback")
	}
	*n = *n.parent
	return nil
}

// RequireNotNested returns an error if a nested scope is still open,
// the precondition the commit path checks before persisting.
func (n *NestedWriteSet) RequireNotNested() error {
	if n.parent != nil {
		return fmt.Errorf("nested transaction in progress")
	}
	return nil
}

// CloneWriteSet produces an independent copy of a write set sharing no
// mutable state with the original, the clone function BeginNested
// needs. It is a plain function (not a WriteSet method) so callers
// control whether budgets carry over into the nested scope.
func CloneWriteSet(ws *WriteSet) *WriteSet {
	clone := &WriteSet{
		order:      append([]values.DocumentID(nil), ws.order...),
		updates:    make(map[values.DocumentID]*Update, len(ws.updates)),
		userSize:   ws.userSize,
		systemSize: ws.systemSize,
		budgets:    ws.budgets,
	}
	for id, u := range ws.updates {
		cp := *u
		clone.updates[id] = &cp
	}
	return clone
}
