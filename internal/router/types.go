// Package router implements the multiplexer core: it owns every
// endpoint, the pending-request tables, and the aggregation/timeout
// machinery that fans client requests out to servers and merges their
// replies. Grounded on the single-goroutine Conn.Run loop of
// other_examples' golang-tools jsonrpc2 implementation (one pending
// table, one event loop, no locks on Router-owned state) and on
// sabbour-mcp-proxy-go's sync.Map-based pending-by-id dispatch,
// generalized from 1:1 request/response correlation to N:1 fan-out.
package router

import (
	"time"

	"github.com/google/uuid"

	"github.com/rass-proxy/rass/internal/endpoint"
	"github.com/rass-proxy/rass/internal/jsonrpc"
	"github.com/rass-proxy/rass/internal/policy"
)

// pendingState is the state-machine position of a PendingClientRequest
// (spec.md §4.3 "State machine per PendingClientRequest").
type pendingState int

const (
	stateDispatched pendingState = iota
	stateCollecting
	stateCompleted
	stateTimedOut
	stateCancelled
)

// pendingClientRequest tracks one client-issued request while its
// fan-out is in flight. Deleted on completion, timeout or
// cancellation; never mutated after a terminal state is reached.
type pendingClientRequest struct {
	clientID    jsonrpc.ID
	method      string
	deadline    time.Time
	outstanding map[int]bool
	addressed   []int
	collected   map[int]policy.CollectedResult
	merge       policy.MergeFunc
	state       pendingState
}

// pendingServerRequest tracks a request a server issued to the client,
// keyed by the proxy-minted id the client actually sees.
type pendingServerRequest struct {
	serverIndex      int
	originalServerID jsonrpc.ID
}

// idSpace mints collision-free ids for proxy-originated traffic: one
// namespace for requests addressed to the client (server-originated
// requests forwarded with a translated id) and one for requests the
// Router itself might originate to a server. Backed by
// github.com/google/uuid so no shared counter needs cross-goroutine
// synchronization (spec.md §3 "IdSpace").
type idSpace struct{}

func (idSpace) mintClientBoundID() string { return uuid.NewString() }
func (idSpace) mintServerBoundID() string { return uuid.NewString() }

// serverState mirrors one live (or recently-dead) server endpoint
// along with the capabilities and display name the Router learned
// about it at initialize time.
type serverState struct {
	ep           *endpoint.Endpoint
	capabilities policy.ServerCapabilities
	name         string
	dead         bool
}
