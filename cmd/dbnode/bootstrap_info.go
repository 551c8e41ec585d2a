package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

const globalsBootstrapKey = "bootstrap"

// bootstrapIdentity is the cluster-wide identity of the two
// self-describing system tables, persisted once (at founding) and
// otherwise fixed for the life of the cluster: every node, whether it
// founded the cluster or joined it later, must agree on these two
// tablet ids before replaying a single raft log entry, since
// pkg/commit's fan-out recognizes a `_tables`/`_index` write by
// comparing against exactly these values.
type bootstrapIdentity struct {
	TablesTablet string `json:"tablesTablet"`
	IndexTablet  string `json:"indexTablet"`
}

func (b bootstrapIdentity) tablets() (txn.BootstrapTablets, error) {
	tu, err := uuid.Parse(b.TablesTablet)
	if err != nil {
		return txn.BootstrapTablets{}, fmt.Errorf("parsing tables tablet: %w", err)
	}
	iu, err := uuid.Parse(b.IndexTablet)
	if err != nil {
		return txn.BootstrapTablets{}, fmt.Errorf("parsing index tablet: %w", err)
	}
	return txn.BootstrapTablets{TablesTablet: values.TabletID(tu), IndexTablet: values.TabletID(iu)}, nil
}

// loadBootstrapIdentity reads this node's previously-persisted system
// tablet identity, if any. Used on every restart of an already
// bootstrapped or joined node.
func loadBootstrapIdentity(ctx context.Context, p persistence.Persistence) (txn.BootstrapTablets, bool, error) {
	raw, ok, err := p.GlobalsGet(ctx, globalsBootstrapKey)
	if err != nil || !ok {
		return txn.BootstrapTablets{}, false, err
	}
	var id bootstrapIdentity
	if err := json.Unmarshal(raw, &id); err != nil {
		return txn.BootstrapTablets{}, false, fmt.Errorf("decoding persisted bootstrap identity: %w", err)
	}
	tablets, err := id.tablets()
	return tablets, true, err
}

// saveBootstrapIdentity records tablets as this node's permanent
// system tablet identity, so a future restart recovers the same ids
// without founding a new cluster or contacting a leader again.
func saveBootstrapIdentity(ctx context.Context, p persistence.Persistence, tablets txn.BootstrapTablets) error {
	id := bootstrapIdentity{TablesTablet: tablets.TablesTablet.String(), IndexTablet: tablets.IndexTablet.String()}
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return p.GlobalsSet(ctx, globalsBootstrapKey, raw)
}

// fetchBootstrapIdentity asks a running node's HTTP API for its
// system tablet identity, the call a joining node makes against the
// cluster's current leader before it constructs its own FSM: it must
// agree with the leader on which tablet ids are `_tables`/`_index`
// before it can correctly replay a single log entry.
func fetchBootstrapIdentity(ctx context.Context, apiAddr string) (txn.BootstrapTablets, error) {
	url := fmt.Sprintf("http://%s/api/admin/bootstrap", apiAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return txn.BootstrapTablets{}, err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return txn.BootstrapTablets{}, fmt.Errorf("fetching bootstrap identity from %s: %w", apiAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return txn.BootstrapTablets{}, fmt.Errorf("fetching bootstrap identity from %s: status %d", apiAddr, resp.StatusCode)
	}
	var id bootstrapIdentity
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return txn.BootstrapTablets{}, fmt.Errorf("decoding bootstrap identity response: %w", err)
	}
	return id.tablets()
}

// postJoin asks leaderAPIAddr to AddVoter this node into the cluster.
func postJoin(ctx context.Context, leaderAPIAddr, nodeID, bindAddr string) error {
	body, err := json.Marshal(map[string]string{"nodeId": nodeID, "bindAddr": bindAddr})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s/api/admin/join", leaderAPIAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting join from %s: %w", leaderAPIAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("requesting join from %s: status %d", leaderAPIAddr, resp.StatusCode)
	}
	return nil
}
