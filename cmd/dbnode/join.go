package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/docbase/pkg/log"
	"github.com/cuemby/docbase/pkg/persistence/boltpersistence"
)

var joinLeaderAPIAddr string

// joinCmd admits a brand new node into an existing cluster. It never
// invents system state of its own: it fetches the cluster's system
// tablet ids from the leader's HTTP API, starts with an otherwise
// empty TableMapping/Registry, and lets raft log replication (via the
// FSM applying the same Commit path every node runs) populate
// everything else once AddVoter succeeds.
var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join this node to an existing cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		if joinLeaderAPIAddr == "" {
			return fmt.Errorf("--leader-api-addr is required")
		}
		ctx := waitForSignal()

		resolveState := func(ctx context.Context, store *boltpersistence.Store) (systemState, error) {
			if bootstrap, ok, err := loadBootstrapIdentity(ctx, store); err != nil {
				return systemState{}, err
			} else if ok {
				return restoreSystemState(ctx, store, bootstrap)
			}
			bootstrap, err := fetchBootstrapIdentity(ctx, joinLeaderAPIAddr)
			if err != nil {
				return systemState{}, err
			}
			return seedSystemState(bootstrap), nil
		}

		return buildAndServe(ctx, cfg, resolveState, func(n *runningNode) error {
			if err := postJoin(ctx, joinLeaderAPIAddr, n.cfg.NodeID, n.cfg.BindAddr); err != nil {
				return err
			}
			log.Logger.Info().Str("nodeId", n.cfg.NodeID).Str("leader", joinLeaderAPIAddr).Msg("joined cluster")
			return nil
		})
	},
}

func init() {
	joinCmd.Flags().StringVar(&joinLeaderAPIAddr, "leader-api-addr", "", "HTTP API address of the cluster's current leader")
}
