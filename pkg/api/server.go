// Package api exposes the external request/response surface over
// plain net/http + encoding/json, the shape spec.md §6 describes
// ("CLI, HTTP routing... specified only at interface") and the one
// the teacher's own pkg/api/health.go already uses for its non-gRPC
// endpoints. The gRPC surface in the teacher's pkg/api/server.go
// depends on a generated proto package this retrieval pack does not
// carry, so it is not reproduced here; see DESIGN.md.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	gosync "sync"
	"time"

	"github.com/cuemby/docbase/pkg/commit"
	"github.com/cuemby/docbase/pkg/consensus"
	"github.com/cuemby/docbase/pkg/dberrors"
	"github.com/cuemby/docbase/pkg/events"
	"github.com/cuemby/docbase/pkg/indexing"
	"github.com/cuemby/docbase/pkg/metrics"
	"github.com/cuemby/docbase/pkg/persistence"
	"github.com/cuemby/docbase/pkg/query"
	"github.com/cuemby/docbase/pkg/txn"
	"github.com/cuemby/docbase/pkg/values"
)

// Server implements the query/mutation/health HTTP surface, wired
// against a single node's registry, driver, and commit path.
//
// Grounded on _examples/cuemby-warren/pkg/api/health.go's
// HealthServer{manager,mux}/NewHealthServer/Start shape.
type Server struct {
	registry  *indexing.Registry
	driver    *query.Driver
	persist   persistence.Persistence
	committer *commit.Committer
	node      *consensus.Node // nil outside a raft deployment
	tables    *values.TableMapping
	bootstrap txn.BootstrapTablets
	budgets   txn.Budgets
	broker    *events.Broker
	mux       *http.ServeMux

	sessionsMu gosync.Mutex
	sessions   map[string]*syncSession
}

// Config bundles the wiring a Server needs from the rest of the node.
type Config struct {
	Registry  *indexing.Registry
	Driver    *query.Driver
	Persist   persistence.Persistence
	Committer *commit.Committer
	Node      *consensus.Node
	Tables    *values.TableMapping
	Bootstrap txn.BootstrapTablets
	Budgets   txn.Budgets
	Broker    *events.Broker
}

func NewServer(cfg Config) *Server {
	s := &Server{
		registry:  cfg.Registry,
		driver:    cfg.Driver,
		persist:   cfg.Persist,
		committer: cfg.Committer,
		node:      cfg.Node,
		tables:    cfg.Tables,
		bootstrap: cfg.Bootstrap,
		budgets:   cfg.Budgets,
		broker:    cfg.Broker,
		sessions:  make(map[string]*syncSession),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/api/query", s.handleQuery)
	mux.HandleFunc("/api/query_batch", s.handleQueryBatch)
	mux.HandleFunc("/api/mutation", s.handleMutation)
	mux.HandleFunc("/api/tables", s.handleCreateTable)
	mux.HandleFunc("/api/sync/open", s.handleSyncOpen)
	mux.HandleFunc("/api/sync/transition", s.handleSyncTransition)
	mux.HandleFunc("/api/sync/poll", s.handleSyncPoll)
	mux.HandleFunc("/api/sync/close", s.handleSyncClose)
	mux.HandleFunc("/api/admin/bootstrap", s.handleAdminBootstrapInfo)
	if s.node != nil {
		mux.HandleFunc("/api/admin/join", s.handleAdminJoin)
		mux.HandleFunc("/api/admin/raft", s.handleAdminRaftStats)
	}
	s.mux = mux
	return s
}

func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.ListenAndServe()
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now()})
}

type readyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	checks := map[string]string{}
	if s.node != nil {
		if s.node.IsLeader() {
			checks["raft"] = "leader"
		} else if leader := s.node.LeaderAddr(); leader != "" {
			checks["raft"] = "follower, leader=" + leader
		} else {
			checks["raft"] = "no leader elected"
		}
	} else {
		checks["raft"] = "disabled"
	}
	writeJSON(w, http.StatusOK, readyResponse{Status: "ready", Checks: checks})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "Internal"
	if k, ok := dberrors.KindOf(err); ok {
		kind = string(k)
		switch k {
		case dberrors.KindBadRequest:
			status = http.StatusBadRequest
		case dberrors.KindPaginationLimit:
			status = http.StatusRequestEntityTooLarge
		case dberrors.KindOverloaded:
			status = http.StatusServiceUnavailable
		case dberrors.KindFeatureUnavailable:
			status = http.StatusNotImplemented
		case dberrors.KindUnauthenticated:
			status = http.StatusUnauthorized
		case dberrors.KindOCCConflict:
			status = http.StatusConflict
		case dberrors.KindLeaseLost:
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, map[string]string{"kind": kind, "error": err.Error()})
}

func withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 30*time.Second)
}
