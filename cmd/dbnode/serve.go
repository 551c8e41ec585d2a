package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/cuemby/docbase/pkg/api"
	"github.com/cuemby/docbase/pkg/commit"
	"github.com/cuemby/docbase/pkg/config"
	"github.com/cuemby/docbase/pkg/consensus"
	"github.com/cuemby/docbase/pkg/events"
	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/log"
	"github.com/cuemby/docbase/pkg/objectstorage"
	"github.com/cuemby/docbase/pkg/persistence/boltpersistence"
	"github.com/cuemby/docbase/pkg/query"
	"github.com/cuemby/docbase/pkg/search/text"
	"github.com/cuemby/docbase/pkg/search/vector"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// searchPersistenceVersion tags every segment this process writes;
// bumped only if the on-disk snapshot encoding itself changes.
const searchPersistenceVersion = values.PersistenceVersion(1)

// runningNode is handed to a command's post-startup hook (bootstrap's
// Bootstrap() call, join's AddVoter request) once the API server and
// background workers are live.
type runningNode struct {
	node *consensus.Node
	cfg  config.Config
}

// buildAndServe opens storage, constructs every component named in
// the domain stack, starts the API server and background workers, and
// blocks until ctx is cancelled (normally by a signal). postStart runs
// once everything is live but before the blocking wait, so a command
// can found the raft cluster (bootstrap) or request to join one
// (join) against a server that is already answering requests.
//
// Grounded on _examples/cuemby-warren/cmd/warren/main.go's
// clusterInitCmd: same shape (open storage, build the domain
// managers, start background workers, start the API server, bootstrap
// or join raft, wait on a signal) ported from containerd+grpc onto
// this port's bolt+HTTP stack.
func buildAndServe(ctx context.Context, cfg config.Config, resolveState func(context.Context, *boltpersistence.Store) (systemState, error), postStart func(*runningNode) error) error {
	store, err := boltpersistence.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening persistence: %w", err)
	}
	defer store.Close()

	state, err := resolveState(ctx, store)
	if err != nil {
		return fmt.Errorf("resolving system state: %w", err)
	}

	if err := saveBootstrapIdentity(ctx, store, state.bootstrap); err != nil {
		return fmt.Errorf("persisting bootstrap identity: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	textMgr := text.NewManager(searchPersistenceVersion)
	vectorMgr := vector.NewManager(searchPersistenceVersion)

	tablets := state.tables.Tablets()
	existingText := text.DiscoverInitialIndexes(state.registry, tablets)
	readyText, err := text.Bootstrap(ctx, store, state.registry, existingText)
	if err != nil {
		return fmt.Errorf("bootstrapping text indexes: %w", err)
	}
	textMgr.MarkReady(readyText)

	existingVector := vector.DiscoverInitialIndexes(state.registry, tablets)
	readyVector, err := vector.Bootstrap(ctx, store, state.registry, existingVector)
	if err != nil {
		return fmt.Errorf("bootstrapping vector indexes: %w", err)
	}
	vectorMgr.MarkReady(readyVector)

	artifacts, err := objectstorage.NewFileStorage(cfg.DataDir + "/segments")
	if err != nil {
		return fmt.Errorf("opening segment storage: %w", err)
	}

	budgets := txn.Budgets{
		MaxUserWrites:       cfg.MaxUserWrites,
		MaxUserWriteBytes:   cfg.MaxUserWriteBytes,
		MaxSystemWrites:     cfg.MaxSystemWrites,
		MaxSystemWriteBytes: cfg.MaxSystemWriteBytes,
	}

	committer := commit.NewCommitter(store, state.registry, textMgr, vectorMgr, broker, state.bootstrap, state.tables)

	raftCfg := consensus.Config{NodeID: cfg.NodeID, BindAddr: cfg.BindAddr, DataDir: cfg.DataDir + "/raft"}
	raftNode, err := consensus.NewNode(raftCfg, committer, store, budgets, state.bootstrap)
	if err != nil {
		return fmt.Errorf("starting raft transport: %w", err)
	}

	driver := query.NewDriver(store, cfg.RowScanLimit, cfg.ByteScanLimit)

	server := api.NewServer(api.Config{
		Registry:  state.registry,
		Driver:    driver,
		Persist:   store,
		Committer: committer,
		Node:      raftNode,
		Tables:    state.tables,
		Bootstrap: state.bootstrap,
		Budgets:   budgets,
		Broker:    broker,
	})

	textSegmentID := newSegmentCounter()
	vectorSegmentID := newSegmentCounter()
	enabled := enabledFunc(state.registry)
	indexIDs := indexEnumerator(state.tables, state.registry)

	textFlusher := text.NewFlusher(cfg.TextFlusherModeValue(), cfg.FlushSizeThreshold, cfg.FlushInterval, searchPersistenceVersion, textMgr, textSegmentID, enabled, artifacts)
	textCompactor := text.NewCompactor(cfg.CompactionMaxSegments, cfg.CompactionInterval, textMgr, textSegmentID, enabled, artifacts)
	vectorFlusher := vector.NewFlusher(cfg.VectorFlusherModeValue(), cfg.FlushSizeThreshold, cfg.FlushInterval, searchPersistenceVersion, vectorMgr, vectorSegmentID, enabled, artifacts)
	vectorCompactor := vector.NewCompactor(cfg.CompactionMaxSegments, cfg.CompactionInterval, vectorMgr, vectorSegmentID, enabled, artifacts)

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	go textFlusher.Run(workerCtx, indexIDs)
	go textCompactor.Run(workerCtx, indexIDs, searchPersistenceVersion)
	go vectorFlusher.Run(workerCtx, indexIDs)
	go vectorCompactor.Run(workerCtx, indexIDs, searchPersistenceVersion)

	httpErrs := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.APIAddr); err != nil && err != http.ErrServerClosed {
			httpErrs <- err
		}
	}()

	if postStart != nil {
		if err := postStart(&runningNode{node: raftNode, cfg: cfg}); err != nil {
			return err
		}
	}

	log.Logger.Info().Str("nodeId", cfg.NodeID).Str("apiAddr", cfg.APIAddr).Str("bindAddr", cfg.BindAddr).Msg("dbnode ready")

	select {
	case <-ctx.Done():
	case err := <-httpErrs:
		return fmt.Errorf("api server: %w", err)
	}

	raftNode.Shutdown()
	return nil
}

func newSegmentCounter() func() uint64 {
	var n uint64
	return func() uint64 { return atomic.AddUint64(&n, 1) }
}

func enabledFunc(registry *indexing.Registry) func(values.IndexID) bool {
	return func(id values.IndexID) bool {
		idx, ok := registry.ByID(id)
		return ok && idx.State == indexing.StateEnabled
	}
}

// indexEnumerator builds the closure the flusher/compactor loops poll
// each tick to learn which index ids currently exist, derived from the
// table mapping and registry since neither package exposes a single
// "all index ids" accessor.
func indexEnumerator(tables *values.TableMapping, registry *indexing.Registry) func() []values.IndexID {
	return func() []values.IndexID {
		var ids []values.IndexID
		for _, tablet := range tables.Tablets() {
			for _, idx := range registry.TextIndexesOnTablet(tablet) {
				ids = append(ids, idx.ID)
			}
			for _, idx := range registry.VectorIndexesOnTablet(tablet) {
				ids = append(ids, idx.ID)
			}
		}
		return ids
	}
}

// waitForSignal returns a context cancelled on SIGINT/SIGTERM, the
// same graceful-shutdown trigger the teacher's clusterInitCmd waits
// on before tearing down its manager.
func waitForSignal() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx
}
