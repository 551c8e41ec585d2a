package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/docbase/pkg/dberrors"
)

// joinRequest is what `dbnode join` sends to the cluster's current
// leader once its own raft transport is listening: the new node's
// raft server id and bind address, the two arguments AddVoter takes.
//
// Grounded on pkg/consensus.Node's doc comment: the teacher's
// client-initiated Join RPC rode on a grpc stack this port does not
// carry, so the two-sided AddVoter operation it describes ("an
// operator calls AddVoter on the current leader") is exposed here as
// a plain HTTP call instead of requiring a human to run a separate
// out-of-band tool.
type joinRequest struct {
	NodeID   string `json:"nodeId"`
	BindAddr string `json:"bindAddr"`
}

func (s *Server) handleAdminJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dberrors.BadRequest("InvalidJSON", err.Error()))
		return
	}
	if req.NodeID == "" || req.BindAddr == "" {
		writeError(w, dberrors.BadRequest("InvalidJoinRequest", "nodeId and bindAddr are required"))
		return
	}
	if err := s.node.AddVoter(req.NodeID, req.BindAddr); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (s *Server) handleAdminRaftStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.node.GetRaftStats())
}

// bootstrapIdentityResponse reports the cluster's system tablet ids, the
// one fact a brand new node must learn from an existing member before it
// can construct a Committer that agrees with the rest of the cluster on
// which tablet is `_tables` and which is `_index`.
type bootstrapIdentityResponse struct {
	TablesTablet string `json:"tablesTablet"`
	IndexTablet  string `json:"indexTablet"`
}

func (s *Server) handleAdminBootstrapInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, bootstrapIdentityResponse{
		TablesTablet: s.bootstrap.TablesTablet.String(),
		IndexTablet:  s.bootstrap.IndexTablet.String(),
	})
}
