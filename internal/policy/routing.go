package policy

import "time"

// DecisionKind names one of the routing strategies the Router applies
// to a client-issued message (spec.md §4.3, "Routing decisions
// (client → servers)").
type DecisionKind int

const (
	// BroadcastNotification sends to every live server verbatim.
	BroadcastNotification DecisionKind = iota
	// PickFirstCapable sends to the lowest-indexed live server whose
	// cached capabilities include the method.
	PickFirstCapable
	// BroadcastRequest sends to every live, capable server and merges
	// their responses with MergeFunc once collection completes.
	BroadcastRequest
	// DropSilently accepts the message from the client without
	// forwarding it anywhere.
	DropSilently
)

// MergeFunc combines the responses collected from a BroadcastRequest
// fan-out into a single result (or error) for the client. addressed is
// the original server-index set so merge functions can distinguish
// "server didn't answer" (missing from collected, present in
// addressed) from "server was never asked".
type MergeFunc func(collected map[int]CollectedResult, addressed []int) (result interface{}, mergeErr *RPCError)

// RPCError is the subset of jsonrpc.Error policy needs without
// importing internal/jsonrpc, avoiding an import cycle (the Router
// imports both policy and jsonrpc and translates between them).
type RPCError struct {
	Code    int
	Message string
}

// CollectedResult is one server's answer to a fanned-out request.
type CollectedResult struct {
	Result []byte // raw JSON result, nil if Err is set
	Err    *RPCError
}

// Decision is the routing verdict for one client-issued message.
type Decision struct {
	Kind      DecisionKind
	Method    string // method to match against cached capabilities (PickFirstCapable/BroadcastRequest)
	Deadline  time.Duration
	Merge     MergeFunc
	EmptyJSON []byte // result to return when no server is addressed and Kind == BroadcastRequest
}

// RoutingPolicy answers "how should method M be routed?" for
// client-issued Requests and Notifications. The default
// implementation is DefaultPolicy; a --logic-class plugin may supply
// an alternative registered under a name (see Registry).
type RoutingPolicy interface {
	// DecideRequest routes a client Request.
	DecideRequest(method string) Decision
	// DecideNotification routes a client Notification.
	DecideNotification(method string) Decision
	// ServerNotificationTag reports how a server-originated
	// Notification should be relayed to the client: passThrough is
	// false for methods Policy handles itself (e.g. diagnostics,
	// handled by the Aggregator instead).
	ServerNotificationTag(method string) (passThrough bool)
}

// DefaultPolicy implements the mandatory routing table of spec.md
// §4.4. It is stateless with respect to routing decisions; capability
// state lives in the Router's per-server state, recorded from each
// server's initialize response.
type DefaultPolicy struct{}

// pickFirstMethods are routed one-to-one to the lowest-indexed
// capable server: a single authoritative answer is expected.
var pickFirstMethods = map[string]bool{
	"textDocument/rename":         true,
	"textDocument/hover":          true,
	"textDocument/completion":     true,
	"textDocument/signatureHelp":  true,
	"textDocument/formatting":     true,
	"textDocument/rangeFormatting": true,
}

// broadcastConcatMethods fan out and concatenate result arrays,
// without deduplication (duplicates carry server provenance).
var broadcastConcatMethods = map[string]bool{
	"textDocument/codeAction": true,
}

// broadcastConcatDedupMethods fan out, concatenate, and deduplicate
// by (uri, range).
var broadcastConcatDedupMethods = map[string]bool{
	"textDocument/definition":     true,
	"textDocument/references":     true,
	"textDocument/implementation": true,
	"textDocument/typeDefinition": true,
	"textDocument/declaration":    true,
}

const (
	initializeDeadline = 2500 * time.Millisecond
	shutdownDeadline   = 2000 * time.Millisecond
	defaultDeadline    = 2000 * time.Millisecond
)

func (DefaultPolicy) DecideRequest(method string) Decision {
	switch {
	case method == "initialize":
		return Decision{Kind: BroadcastRequest, Method: method, Deadline: initializeDeadline, Merge: mergeInitialize, EmptyJSON: []byte(`null`)}
	case method == "shutdown":
		return Decision{Kind: BroadcastRequest, Method: method, Deadline: shutdownDeadline, Merge: mergeShutdown, EmptyJSON: []byte(`null`)}
	case broadcastConcatMethods[method]:
		return Decision{Kind: BroadcastRequest, Method: method, Deadline: defaultDeadline, Merge: mergeConcat, EmptyJSON: []byte(`[]`)}
	case broadcastConcatDedupMethods[method]:
		return Decision{Kind: BroadcastRequest, Method: method, Deadline: defaultDeadline, Merge: mergeConcatDedup, EmptyJSON: []byte(`null`)}
	case pickFirstMethods[method]:
		return Decision{Kind: PickFirstCapable, Method: method}
	default:
		// workspace/* requests and anything else not named explicitly
		// default to PickFirstCapable unless Policy is told to
		// broadcast; the mandatory table treats unlisted workspace/*
		// requests this way (spec.md §4.4).
		return Decision{Kind: PickFirstCapable, Method: method}
	}
}

func (DefaultPolicy) DecideNotification(method string) Decision {
	switch method {
	case "initialized", "exit":
		return Decision{Kind: BroadcastNotification, Method: method}
	case "$/cancelRequest":
		return Decision{Kind: BroadcastNotification, Method: method}
	default:
		// textDocument/did* and everything else client-originated
		// that isn't a request is broadcast verbatim.
		return Decision{Kind: BroadcastNotification, Method: method}
	}
}

// ServerNotificationTag reports that publishDiagnostics is handled by
// the Aggregator, not passed straight through; everything else passes
// through. The Router applies a [name] tag to window/showMessage and
// window/logMessage only; $/progress and all other notifications are
// relayed unchanged.
func (DefaultPolicy) ServerNotificationTag(method string) bool {
	return method != "textDocument/publishDiagnostics"
}

// CapabilityAdvertised reports whether caps advertises the capability
// needed to serve method, per the mandatory routing table of spec.md
// §4.4. Methods outside the table (initialize, shutdown, and anything
// unrecognized) always report true: they are not capability-gated.
func CapabilityAdvertised(method string, caps ServerCapabilities) bool {
	switch method {
	case "textDocument/rename":
		return capabilityFlag(caps.RenameProvider)
	case "textDocument/hover":
		return capabilityFlag(caps.HoverProvider)
	case "textDocument/completion":
		return caps.CompletionProvider != nil
	case "textDocument/signatureHelp":
		return caps.SignatureHelpProvider != nil
	case "textDocument/formatting":
		return capabilityFlag(caps.DocumentFormattingProvider)
	case "textDocument/rangeFormatting":
		return capabilityFlag(caps.DocumentRangeFormattingProvider)
	case "textDocument/codeAction":
		return capabilityFlag(caps.CodeActionProvider)
	case "textDocument/definition":
		return capabilityFlag(caps.DefinitionProvider)
	case "textDocument/references":
		return capabilityFlag(caps.ReferencesProvider)
	case "textDocument/implementation":
		return capabilityFlag(caps.ImplementationProvider)
	case "textDocument/typeDefinition":
		return capabilityFlag(caps.TypeDefinitionProvider)
	case "textDocument/declaration":
		return capabilityFlag(caps.DeclarationProvider)
	case "workspace/symbol":
		return capabilityFlag(caps.WorkspaceSymbolProvider)
	default:
		return true
	}
}

// Registry resolves a --logic-class name to a RoutingPolicy
// implementation, satisfying spec.md §9's "pluggable Policy... a
// compile-time interface with a registry, dispatched by name string".
type Registry struct {
	policies map[string]func() RoutingPolicy
}

// NewRegistry builds a Registry seeded with the built-in "default" policy.
func NewRegistry() *Registry {
	r := &Registry{policies: map[string]func() RoutingPolicy{}}
	r.Register("default", func() RoutingPolicy { return DefaultPolicy{} })
	return r
}

// Register adds a named policy constructor.
func (r *Registry) Register(name string, ctor func() RoutingPolicy) {
	r.policies[name] = ctor
}

// Build instantiates the named policy, or reports ok=false if unknown.
func (r *Registry) Build(name string) (RoutingPolicy, bool) {
	ctor, ok := r.policies[name]
	if !ok {
		return nil, false
	}
	return ctor(), true
}
