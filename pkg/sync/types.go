// Package sync implements the reactive sync protocol's per-session
// state machine: the set of queries a client has subscribed to, their
// last-sent results, and the subscription worker that invalidates
// them as commits land.
//
// Grounded on _examples/original_source/crates/sync/src/state.rs
// (read in full): SyncState, SyncedQuery, ClientVersion, and the
// hash_result/udf_result_sha256/hash_log_lines trio.
package sync

import (
	"time"

	"github.com/cuemby/docbase/pkg/dberrors"
	"github.com/cuemby/docbase/pkg/query"
	"github.com/cuemby/docbase/pkg/values"
)

// QueryID names one query within a session's query set, assigned by
// the client.
type QueryID uint32

// QuerySetVersion and IdentityVersion are the two independent,
// monotonically increasing counters a client's modifications are
// predicated against, so a stale or duplicated client message never
// silently reapplies.
type QuerySetVersion uint64
type IdentityVersion uint64

// ClientVersion is the latest (query set, identity) version pair the
// client has told the server about.
type ClientVersion struct {
	QuerySet QuerySetVersion
	Identity IdentityVersion
}

func initialClientVersion() ClientVersion { return ClientVersion{} }

// StateVersion is the version of the server's pushed state: a query
// set version plus the commit timestamp it reflects.
type StateVersion struct {
	QuerySet QuerySetVersion
	TS       values.Timestamp
}

func (v StateVersion) Compare(other StateVersion) int {
	switch {
	case v.QuerySet != other.QuerySet:
		if v.QuerySet < other.QuerySet {
			return -1
		}
		return 1
	case v.TS < other.TS:
		return -1
	case v.TS > other.TS:
		return 1
	default:
		return 0
	}
}

// ModificationKind distinguishes the two ways a client can edit its
// query set in one message.
type ModificationKind int

const (
	ModAdd ModificationKind = iota
	ModRemove
)

// QuerySetModification is one add/remove edit a client sends,
// batched with a base/new QuerySetVersion pair in ModifyQuerySet.
type QuerySetModification struct {
	Kind    ModificationKind
	QueryID QueryID
	Query   query.Query // ModAdd only
}

// Identity is the session's authentication state. The zero value is
// the unauthenticated "Unknown" identity.
type Identity struct {
	Authenticated bool
	Subject       string
	ExpiresAt     *time.Time
}

// resolve validates an identity's expiry against now, matching
// state.rs's identity() check against SystemTime.
func (id Identity) resolve(now time.Time) (Identity, error) {
	if id.Authenticated && id.ExpiresAt != nil && now.After(*id.ExpiresAt) {
		return Identity{}, dberrors.Unauthenticated("TokenExpired", "session identity token expired")
	}
	return id, nil
}

// ModificationOutcomeKind distinguishes a successful query
// recomputation from a failed one.
type ModificationOutcomeKind int

const (
	QueryUpdated ModificationOutcomeKind = iota
	QueryFailed
)

// StateModification is one pushed change CompleteFetch returns for
// the caller to forward to the client, or nil if the new result
// hashed identical to the last one sent.
type StateModification struct {
	Kind         ModificationOutcomeKind
	QueryID      QueryID
	Value        values.Value // QueryUpdated only
	ErrorMessage string       // QueryFailed only
	LogLines     []string
}
