package main

import (
	"context"
	"fmt"

	"github.com/cuemby/docbase/pkg/commit"
	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// systemState is the in-memory reconstruction of the `_tables`/`_index`
// system tables a node needs before it can build a Registry, Committer,
// or consensus.Node. freshSystemState (bootstrap) builds this from
// nothing; restoreSystemState (serve, or a join on a node that already
// saved its identity) replays it back out of the document log; a first
// join seeds one from the leader's system tablet ids (seedSystemState)
// and raft log replication populates the rest entry by entry as the
// node catches up.
type systemState struct {
	bootstrap txn.BootstrapTablets
	tables    *values.TableMapping
	registry  *indexing.Registry
}

// seedSystemState builds the minimal TableMapping/Registry every node
// starts from: just the two system rows and the self-describing by_id
// index on the index table itself. bootstrap founds a cluster by
// generating new tablet ids for this; a joining node instead uses the
// ids fetched from the leader, so the two agree on which tablet is
// `_tables` and which is `_index` before a single log entry replays.
//
// Grounded on pkg/indexing/registry.go's New/Bootstrap, the same
// self-describing-by-id construction pkg/indexing/registry_test.go
// uses to stand up a registry from nothing.
func seedSystemState(bootstrap txn.BootstrapTablets) systemState {
	tables := values.NewTableMapping()
	tables.Insert(bootstrap.TablesTablet, 1, "_tables")
	tables.Insert(bootstrap.IndexTablet, 2, "_index")

	registry := indexing.New(bootstrap.IndexTablet)
	selfDescribing := &indexing.Index{
		ID:     values.NewIndexID(),
		Tablet: bootstrap.IndexTablet,
		Name:   indexing.ByIDDescriptor,
		Kind:   indexing.KindDatabase,
		State:  indexing.StateEnabled,
		Database: &indexing.DatabaseConfig{
			Fields: []values.FieldPath{{"_id"}},
		},
	}
	_ = registry.Bootstrap(selfDescribing, nil)

	return systemState{bootstrap: bootstrap, tables: tables, registry: registry}
}

// freshSystemState founds a brand new cluster, inventing the two
// system tablet ids.
func freshSystemState() systemState {
	return seedSystemState(txn.BootstrapTablets{TablesTablet: values.NewTabletID(), IndexTablet: values.NewTabletID()})
}

// restoreSystemState rebuilds a TableMapping and Registry for a node
// that has already been provisioned (founded or joined, then
// restarted), given the cluster's fixed system tablet ids. It replays
// the full `_tables` and `_index` tables from the document log,
// keeping only the latest revision of each internal id and skipping
// tombstones, the same latest-revision-wins rule the commit path
// itself applies at write time.
func restoreSystemState(ctx context.Context, p persistence.Persistence, bootstrap txn.BootstrapTablets) (systemState, error) {
	tables := values.NewTableMapping()
	tables.Insert(bootstrap.TablesTablet, 1, "_tables")
	tables.Insert(bootstrap.IndexTablet, 2, "_index")

	nextTS, err := p.NextTS(ctx)
	if err != nil {
		return systemState{}, fmt.Errorf("reading current timestamp: %w", err)
	}

	tableDocs, err := latestDocuments(ctx, p, bootstrap.TablesTablet, nextTS)
	if err != nil {
		return systemState{}, fmt.Errorf("replaying _tables: %w", err)
	}
	for _, doc := range tableDocs {
		tablet, number, name, err := commit.DecodeTablesRow(doc)
		if err != nil {
			return systemState{}, fmt.Errorf("decoding _tables row: %w", err)
		}
		tables.Insert(tablet, number, name)
	}

	indexDocs, err := latestDocuments(ctx, p, bootstrap.IndexTablet, nextTS)
	if err != nil {
		return systemState{}, fmt.Errorf("replaying _index: %w", err)
	}
	rows := make([]*indexing.Index, 0, len(indexDocs))
	for _, doc := range indexDocs {
		idx, err := commit.DecodeIndexRow(doc)
		if err != nil {
			return systemState{}, fmt.Errorf("decoding _index row: %w", err)
		}
		rows = append(rows, idx)
	}

	registry := indexing.New(bootstrap.IndexTablet)
	selfDescribing := &indexing.Index{
		ID:     values.NewIndexID(),
		Tablet: bootstrap.IndexTablet,
		Name:   indexing.ByIDDescriptor,
		Kind:   indexing.KindDatabase,
		State:  indexing.StateEnabled,
		Database: &indexing.DatabaseConfig{
			Fields: []values.FieldPath{{"_id"}},
		},
	}
	if err := registry.Bootstrap(selfDescribing, rows); err != nil {
		return systemState{}, fmt.Errorf("replaying registry: %w", err)
	}

	return systemState{bootstrap: bootstrap, tables: tables, registry: registry}, nil
}

// latestDocuments loads every revision of tablet up to asOf and keeps
// only the newest surviving (non-tombstone) revision per internal id.
func latestDocuments(ctx context.Context, p persistence.Persistence, tablet values.TabletID, asOf values.Timestamp) ([]*values.Document, error) {
	records, err := p.LoadDocuments(ctx, tablet, 0, asOf, persistence.Forward)
	if err != nil {
		return nil, err
	}
	latest := make(map[values.InternalID]persistence.DocRecord, len(records))
	for _, rec := range records {
		cur, ok := latest[rec.ID]
		if !ok || rec.TS > cur.TS {
			latest[rec.ID] = rec
		}
	}
	out := make([]*values.Document, 0, len(latest))
	for _, rec := range latest {
		if rec.Value == nil {
			continue
		}
		out = append(out, rec.Value)
	}
	return out, nil
}
