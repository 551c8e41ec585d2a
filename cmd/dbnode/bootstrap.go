package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/cuemby/docbase/pkg/log"
	"github.com/cuemby/docbase/pkg/persistence/boltpersistence"
)

// bootstrapCmd founds a brand new cluster: this node invents the
// system tablet ids, becomes the sole raft voter, and starts serving.
// Every other node joins this cluster with `dbnode join`, never with
// another `dbnode bootstrap`.
var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Found a new cluster with this node as its first member",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := waitForSignal()
		foundedFresh := false

		resolveState := func(ctx context.Context, store *boltpersistence.Store) (systemState, error) {
			if bootstrap, ok, err := loadBootstrapIdentity(ctx, store); err != nil {
				return systemState{}, err
			} else if ok {
				return restoreSystemState(ctx, store, bootstrap)
			}
			foundedFresh = true
			return freshSystemState(), nil
		}

		return buildAndServe(ctx, cfg, resolveState, func(n *runningNode) error {
			if !foundedFresh {
				log.Logger.Info().Str("nodeId", cfg.NodeID).Msg("resuming previously bootstrapped cluster")
				return nil
			}
			if err := n.node.Bootstrap(); err != nil {
				return err
			}
			log.Logger.Info().Str("nodeId", cfg.NodeID).Msg("founded new cluster")
			return nil
		})
	},
}
