package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// statusCmd is a read-only client command: it never touches local
// storage, only the target node's HTTP API (--api-addr, the same
// persistent flag bootstrap/serve/join bind their listen address
// from), the same surface any external client uses.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a node's readiness and raft status",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := cfg.APIAddr
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ready, err := getJSON(ctx, addr, "/ready")
		if err != nil {
			return err
		}
		fmt.Println("ready:", ready)

		raftStats, err := getJSON(ctx, addr, "/api/admin/raft")
		if err != nil {
			return err
		}
		fmt.Println("raft:", raftStats)
		return nil
	},
}

func getJSON(ctx context.Context, addr, path string) (string, error) {
	url := fmt.Sprintf("http://%s%s", addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying %s: %w", url, err)
	}
	defer resp.Body.Close()
	var body interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding response from %s: %w", url, err)
	}
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
