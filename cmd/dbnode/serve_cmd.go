package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/docbase/pkg/persistence/boltpersistence"
)

// serveCmd restarts an already-provisioned node (founded or joined in
// a previous run): it recovers the cluster's system tablet ids from
// local storage and replays the `_tables`/`_index` tables, then joins
// raft using whatever log/snapshot state this node already has on
// disk.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Resume an already-provisioned node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := waitForSignal()

		resolveState := func(ctx context.Context, store *boltpersistence.Store) (systemState, error) {
			bootstrap, ok, err := loadBootstrapIdentity(ctx, store)
			if err != nil {
				return systemState{}, err
			}
			if !ok {
				return systemState{}, fmt.Errorf("no bootstrap identity found in %s; run 'dbnode bootstrap' or 'dbnode join' first", cfg.DataDir)
			}
			return restoreSystemState(ctx, store, bootstrap)
		}

		return buildAndServe(ctx, cfg, resolveState, nil)
	},
}
