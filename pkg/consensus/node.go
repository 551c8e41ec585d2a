package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/docbase/pkg/commit"
	"github.com/cuemby/docbase/pkg/metrics"
	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// Config configures one replicated node's raft transport and storage.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Node wraps a raft.Raft instance replicating the commit path: every
// call to Apply appends a Command to the log and blocks until a
// majority of the cluster has run it through the FSM.
//
// Grounded on _examples/cuemby-warren/pkg/manager/manager.go's
// Manager: same tuned timeouts, same TCP transport / file snapshot
// store / bolt log+stable store wiring, same Bootstrap/AddVoter/
// RemoveServer/GetRaftStats/Apply shape. Node has no Join of its own
// (the teacher's client/JoinCluster path rides on the grpc stack this
// port does not carry, see DESIGN.md's dropped-dependencies section):
// the current leader admits a new node with AddVoter once the new
// node's raft transport is listening, and `dbnode join` reaches that
// call by posting to the leader's HTTP endpoint POST /api/admin/join.
type Node struct {
	nodeID    string
	bindAddr  string
	dataDir   string
	budgets   txn.Budgets
	bootstrap txn.BootstrapTablets

	raft *raft.Raft
	fsm  *FSM
}

// NewNode starts this node's raft transport and log/stable/snapshot
// stores and constructs the raft.Raft instance, but joins no cluster:
// call Bootstrap to found a new single-node cluster, or have the
// cluster's current leader AddVoter this node's ID and address.
func NewNode(cfg Config, committer *commit.Committer, persist persistence.Persistence, budgets txn.Budgets, bootstrapTablets txn.BootstrapTablets) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("consensus: creating data directory: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = 500 * time.Millisecond
	raftConfig.ElectionTimeout = 500 * time.Millisecond
	raftConfig.CommitTimeout = 50 * time.Millisecond
	raftConfig.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("consensus: resolving bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("consensus: creating transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("consensus: creating snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("consensus: creating log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("consensus: creating stable store: %w", err)
	}

	fsm := NewFSM(committer, persist, budgets, bootstrapTablets)

	r, err := raft.NewRaft(raftConfig, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("consensus: creating raft instance: %w", err)
	}

	n := &Node{
		nodeID:    cfg.NodeID,
		bindAddr:  cfg.BindAddr,
		dataDir:   cfg.DataDir,
		budgets:   budgets,
		bootstrap: bootstrapTablets,
		raft:      r,
		fsm:       fsm,
	}
	go n.watchLeadership()
	return n, nil
}

// Bootstrap founds a brand new single-node cluster with this node as
// its only member. Call this exactly once, on exactly one node, when
// standing up a fresh deployment.
func (n *Node) Bootstrap() error {
	future := n.raft.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(n.nodeID), Address: raft.ServerAddress(n.bindAddr)},
		},
	})
	if err := future.Error(); err != nil {
		return fmt.Errorf("consensus: bootstrapping cluster: %w", err)
	}
	return nil
}

// AddVoter admits a new node into the cluster. Only the current
// leader can do this; raft itself rejects the call otherwise.
func (n *Node) AddVoter(nodeID, address string) error {
	if !n.IsLeader() {
		return fmt.Errorf("consensus: not the leader, current leader is %s", n.LeaderAddr())
	}
	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("consensus: adding voter %s: %w", nodeID, err)
	}
	return nil
}

// RemoveServer evicts a node from the cluster.
func (n *Node) RemoveServer(nodeID string) error {
	if !n.IsLeader() {
		return fmt.Errorf("consensus: not the leader, current leader is %s", n.LeaderAddr())
	}
	future := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("consensus: removing server %s: %w", nodeID, err)
	}
	return nil
}

func (n *Node) IsLeader() bool     { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string { return string(n.raft.Leader()) }

// GetRaftStats reports the same fields the teacher's GetRaftStats
// does, for the status CLI command and the HTTP health surface.
func (n *Node) GetRaftStats() map[string]interface{} {
	stats := map[string]interface{}{
		"state":          n.raft.State().String(),
		"last_log_index": n.raft.LastIndex(),
		"applied_index":  n.raft.AppliedIndex(),
		"leader":         string(n.raft.Leader()),
	}
	if cfgFuture := n.raft.GetConfiguration(); cfgFuture.Error() == nil {
		stats["peers"] = uint64(len(cfgFuture.Configuration().Servers))
	} else {
		stats["peers"] = uint64(0)
	}
	return stats
}

// Apply encodes t as a Command, appends it to the raft log, and
// blocks until the local FSM (which runs after a majority of the
// cluster has stored the entry) has committed it.
func (n *Node) Apply(ctx context.Context, t *txn.Transaction) (values.Timestamp, error) {
	cmd, err := EncodeCommand(t)
	if err != nil {
		return 0, fmt.Errorf("consensus: encoding command: %w", err)
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("consensus: marshaling command: %w", err)
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("consensus: applying command: %w", err)
	}

	result, ok := future.Response().(ApplyResult)
	if !ok {
		return 0, fmt.Errorf("consensus: unexpected apply response type %T", future.Response())
	}
	if result.Err != nil {
		return 0, result.Err
	}
	return result.CommitTS, nil
}

// Shutdown stops the raft instance, waiting for it to fully exit.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}

func (n *Node) watchLeadership() {
	for isLeader := range n.raft.LeaderCh() {
		if isLeader {
			metrics.RaftLeader.Set(1)
		} else {
			metrics.RaftLeader.Set(0)
		}
	}
}
