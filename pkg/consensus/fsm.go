package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/cuemby/docbase/pkg/commit"
	"github.com/cuemby/docbase/pkg/log"
	"github.com/cuemby/docbase/pkg/metrics"
	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// ApplyResult is what Apply stores in the raft.Log's response slot,
// retrieved by the caller via raft.ApplyFuture.Response().
type ApplyResult struct {
	CommitTS values.Timestamp
	Err      error
}

// FSM replicates pkg/commit's commit path: every Command appended to
// the raft log gets decoded back into a transaction and run through
// the same Committer on every replica, so persistence, index updates,
// and in-memory fan-out happen identically and in the same order
// everywhere.
//
// Grounded on _examples/cuemby-warren/pkg/manager/fsm.go's FSM type
// (Apply/Snapshot/Restore around a single store), adapted from its
// Command{Op,Data} dispatch -- which exists because that state
// machine has many operations (service/task/secret CRUD) -- to this
// state machine's single operation, replaying a transaction.
type FSM struct {
	committer *commit.Committer
	persist   persistence.Persistence
	budgets   txn.Budgets
	bootstrap txn.BootstrapTablets
}

func NewFSM(committer *commit.Committer, persist persistence.Persistence, budgets txn.Budgets, bootstrap txn.BootstrapTablets) *FSM {
	return &FSM{committer: committer, persist: persist, budgets: budgets, bootstrap: bootstrap}
}

// Apply decodes one raft log entry and commits it. It never returns
// an error itself (raft treats an Apply panic as fatal); failures are
// carried in ApplyResult.Err for the submitter to inspect.
func (f *FSM) Apply(l *raft.Log) interface{} {
	metrics.RaftAppliedIndex.Set(float64(l.Index))

	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return ApplyResult{Err: fmt.Errorf("consensus: decoding log entry %d: %w", l.Index, err)}
	}

	t, err := DecodeCommand(cmd, f.budgets, f.bootstrap)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("consensus: replaying log entry %d: %w", l.Index, err)}
	}

	timer := metrics.NewTimer()
	commitTS, err := f.committer.Commit(context.Background(), t)
	timer.ObserveDuration(metrics.RaftApplyDuration)
	if err != nil {
		return ApplyResult{Err: fmt.Errorf("consensus: applying log entry %d: %w", l.Index, err)}
	}

	return ApplyResult{CommitTS: commitTS}
}

// Snapshot captures a consistent hot backup of the underlying
// persistence store, if it supports one. A backend that does not
// implement persistence.Snapshotter can still run (a single node
// never needs to install a snapshot it took of itself), but raft log
// compaction on that node would lose history a joining follower
// would need, so that combination is a deployment error the operator
// must avoid.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	snap, ok := f.persist.(persistence.Snapshotter)
	if !ok {
		return nil, fmt.Errorf("consensus: persistence backend does not support snapshotting")
	}
	return &fsmSnapshot{snap: snap}, nil
}

// Restore replaces this node's entire persisted state with the bytes
// of a snapshot taken by Snapshot, applied when this node is too far
// behind the leader's log to catch up by replaying entries.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	snap, ok := f.persist.(persistence.Snapshotter)
	if !ok {
		return fmt.Errorf("consensus: persistence backend does not support snapshot restore")
	}
	if err := snap.Restore(rc); err != nil {
		return fmt.Errorf("consensus: restoring snapshot: %w", err)
	}
	log.Logger.Info().Msg("consensus: restored persistence state from snapshot")
	return nil
}

type fsmSnapshot struct {
	snap persistence.Snapshotter
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.snap.Backup(sink); err != nil {
		sink.Cancel()
		return fmt.Errorf("consensus: writing snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
