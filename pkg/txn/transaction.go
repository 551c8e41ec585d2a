package txn

import "github.com/cuemby/docbase/pkg/values"

// Transaction bundles the reads and writes accumulated by one function
// invocation against a fixed begin timestamp, the unit the commit path
// validates and persists as one atomic step.
type Transaction struct {
	BeginTS values.Timestamp
	Reads   *ReadSet
	Writes  *WriteSet
}

func NewTransaction(beginTS values.Timestamp, budgets Budgets) *Transaction {
	return &Transaction{
		BeginTS: beginTS,
		Reads:   NewReadSet(),
		Writes:  NewWriteSet(budgets),
	}
}
