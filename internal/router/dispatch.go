package router

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/rass-proxy/rass/internal/endpoint"
	"github.com/rass-proxy/rass/internal/jsonrpc"
	"github.com/rass-proxy/rass/internal/logging"
	"github.com/rass-proxy/rass/internal/policy"
)

func (r *Router) handleClientEvent(ev endpoint.InboundEvent) {
	if ev.Err != nil {
		if fe, ok := ev.Err.(*jsonrpc.FramingError); ok {
			r.fatal("framing error from client", fe)
			return
		}
		r.beginClientShutdown()
		return
	}

	msg := ev.Message
	switch msg.Kind {
	case jsonrpc.KindRequest:
		r.handleClientRequest(msg.Request)
	case jsonrpc.KindNotification:
		r.handleClientNotification(msg.Notification)
	case jsonrpc.KindResponse:
		r.handleClientResponseToServer(msg.Response)
	}
}

func (r *Router) handleClientRequest(req jsonrpc.Request) {
	decision := r.rp.DecideRequest(req.Method)
	switch decision.Kind {
	case policy.DropSilently:
		// accepted, not forwarded.
	case policy.PickFirstCapable:
		r.dispatchPickFirst(req, decision)
	case policy.BroadcastRequest:
		r.dispatchBroadcastRequest(req, decision)
	default:
		r.log.Warn().Str("method", req.Method).Msg("request routed as notification-only decision; dropping")
	}
}

func (r *Router) handleClientNotification(n jsonrpc.Notification) {
	if n.Method == "$/cancelRequest" {
		r.handleClientCancel(n)
		return
	}
	if n.Method == "exit" {
		r.broadcastNotification(n)
		r.finalizeShutdown()
		return
	}

	decision := r.rp.DecideNotification(n.Method)
	switch decision.Kind {
	case policy.DropSilently:
	default:
		r.broadcastNotification(n)
	}

	r.trackEditTimestamps(n)
}

// trackEditTimestamps remembers when a document was last edited so
// the diagnostics Aggregator can judge tardiness relative to the
// triggering change (spec.md §4.4 "Tardy diagnostics").
func (r *Router) trackEditTimestamps(n jsonrpc.Notification) {
	if n.Method != "textDocument/didOpen" && n.Method != "textDocument/didChange" {
		return
	}
	var params struct {
		TextDocument struct {
			URI string `json:"uri"`
		} `json:"textDocument"`
	}
	if err := json.Unmarshal(n.Params, &params); err != nil {
		return
	}
	r.lastEditAt[params.TextDocument.URI] = time.Now()
}

func (r *Router) broadcastNotification(n jsonrpc.Notification) {
	for idx, s := range r.servers {
		if s.dead {
			continue
		}
		r.sendToServer(idx, jsonrpc.NewNotificationMessage(n.Method, n.Params))
	}
}

func (r *Router) handleClientCancel(n jsonrpc.Notification) {
	var params struct {
		ID jsonrpc.ID `json:"id"`
	}
	if err := json.Unmarshal(n.Params, &params); err != nil {
		r.log.Warn().Err(err).Msg("malformed $/cancelRequest params from client")
		return
	}

	key := params.ID.Key()
	pc, ok := r.pendingClient[key]
	if !ok {
		return // already completed or unknown; nothing to cancel
	}
	for _, idx := range pc.addressed {
		if !pc.outstanding[idx] {
			continue
		}
		cancelParams, _ := json.Marshal(struct {
			ID jsonrpc.ID `json:"id"`
		}{ID: params.ID})
		r.sendToServer(idx, jsonrpc.NewNotificationMessage("$/cancelRequest", cancelParams))
	}

	pc.state = stateCancelled
	delete(r.pendingClient, key)
	r.sendToClient("client-response", jsonrpc.NewErrorMessage(pc.clientID, jsonrpc.NewError(jsonrpc.CodeRequestCancelled, "cancelled")))
}

func (r *Router) dispatchPickFirst(req jsonrpc.Request, decision policy.Decision) {
	idx := r.firstCapableServer(decision.Method)
	if idx < 0 {
		r.sendToClient("client-response", jsonrpc.NewErrorMessage(req.ID, jsonrpc.NewError(jsonrpc.CodeMethodNotFound, "no server advertises %s", decision.Method)))
		return
	}

	pc := &pendingClientRequest{
		clientID:    req.ID,
		method:      req.Method,
		outstanding: map[int]bool{idx: true},
		addressed:   []int{idx},
		collected:   map[int]policy.CollectedResult{},
		merge:       singleResultMerge,
		state:       stateDispatched,
	}
	r.registerPending(pc, r.cfg.RequestTimeout)
	r.sendToServer(idx, jsonrpc.NewRequestMessage(req.ID, req.Method, req.Params))
}

// singleResultMerge passes a PickFirstCapable server's single response
// straight through, preserving its error if it returned one.
func singleResultMerge(collected map[int]policy.CollectedResult, addressed []int) (interface{}, *policy.RPCError) {
	if len(addressed) == 0 {
		return nil, &policy.RPCError{Code: jsonrpc.CodeMethodNotFound, Message: "no capable server"}
	}
	cr, ok := collected[addressed[0]]
	if !ok {
		return nil, &policy.RPCError{Code: jsonrpc.CodeInternalError, Message: "server did not respond before deadline"}
	}
	if cr.Err != nil {
		return nil, cr.Err
	}
	return json.RawMessage(cr.Result), nil
}

func (r *Router) dispatchBroadcastRequest(req jsonrpc.Request, decision policy.Decision) {
	addressed := r.capableServers(req.Method)
	if len(addressed) == 0 {
		r.sendToClient("client-response", jsonrpc.NewResultMessage(req.ID, decision.EmptyJSON))
		return
	}

	deadline := r.cfg.RequestTimeout
	if req.Method == "initialize" {
		deadline = r.cfg.InitializeTimeout
	}

	pc := &pendingClientRequest{
		clientID:    req.ID,
		method:      req.Method,
		outstanding: toSet(addressed),
		addressed:   addressed,
		collected:   map[int]policy.CollectedResult{},
		merge:       decision.Merge,
		state:       stateDispatched,
	}
	r.registerPending(pc, deadline)
	for _, idx := range addressed {
		r.sendToServer(idx, jsonrpc.NewRequestMessage(req.ID, req.Method, req.Params))
	}
}

// capableServers returns the live server indices able to serve
// method, in ascending order. initialize and shutdown are addressed
// to every live server unconditionally (they are not capability-gated
// — capabilities do not exist yet before initialize completes).
func (r *Router) capableServers(method string) []int {
	var out []int
	for idx, s := range r.servers {
		if s.dead {
			continue
		}
		if method == "initialize" || method == "shutdown" {
			out = append(out, idx)
			continue
		}
		if policy.CapabilityAdvertised(method, s.capabilities) {
			out = append(out, idx)
		}
	}
	return out
}

func (r *Router) firstCapableServer(method string) int {
	for idx, s := range r.servers {
		if s.dead {
			continue
		}
		if policy.CapabilityAdvertised(method, s.capabilities) {
			return idx
		}
	}
	return -1
}

func toSet(indices []int) map[int]bool {
	m := make(map[int]bool, len(indices))
	for _, i := range indices {
		m[i] = true
	}
	return m
}

func (r *Router) registerPending(pc *pendingClientRequest, timeout time.Duration) {
	pc.deadline = time.Now().Add(timeout)
	pc.state = stateCollecting
	key := pc.clientID.Key()
	r.pendingClient[key] = pc
	schedule(&r.timers, key, pc.deadline)
}

// handleClientResponseToServer answers a server-originated request:
// the id the client used is the proxy_id minted when the request was
// forwarded; translate back to the server's original id.
func (r *Router) handleClientResponseToServer(resp jsonrpc.Response) {
	key := resp.ID.String()
	ps, ok := r.pendingServer[key]
	if !ok {
		perr := &ProtocolError{Reason: "client response to unknown server-originated request"}
		r.log.Warn().Err(perr).Str("id", key).Msg(perr.Reason)
		return
	}
	delete(r.pendingServer, key)
	if ps.serverIndex >= len(r.servers) || r.servers[ps.serverIndex].dead {
		return
	}
	translated := jsonrpc.Response{ID: ps.originalServerID, Result: resp.Result, Error: resp.Error}
	r.sendToServer(ps.serverIndex, jsonrpc.Message{Kind: jsonrpc.KindResponse, Response: translated})
}

func (r *Router) handleServerEvent(ev endpoint.InboundEvent) {
	idx := r.serverIndex(ev.Endpoint)
	if idx < 0 {
		return
	}

	if ev.Err != nil {
		r.handleServerDeath(idx, ev.Err)
		return
	}

	msg := ev.Message
	switch msg.Kind {
	case jsonrpc.KindResponse:
		r.handleServerResponse(idx, msg.Response)
	case jsonrpc.KindNotification:
		r.handleServerNotification(idx, msg.Notification)
	case jsonrpc.KindRequest:
		r.handleServerRequest(idx, msg.Request)
	}
}

func (r *Router) handleServerDeath(idx int, cause error) {
	if r.servers[idx].dead {
		return
	}
	r.servers[idx].dead = true

	if fe, ok := cause.(*jsonrpc.FramingError); ok {
		r.fatal("framing error from server "+r.servers[idx].name, fe)
		return
	}
	if !r.initialized {
		r.fatal("server crashed before initialize completed", &ServerFailureError{ServerName: r.servers[idx].name, Cause: cause})
		return
	}

	r.log.Warn().Str("server", r.servers[idx].name).Err(cause).Msg("server endpoint died")
	r.cascadeServerDeath(idx)

	// Once initialized, losing any server invalidates the merged
	// session guarantees the remaining servers were promised. The dead
	// server's slot in every in-flight aggregation is filled above as
	// if it answered null, and aggregations that were waiting only on
	// it are answered; the fatal error then ends Run at once, so
	// aggregations still waiting on a surviving server get no response
	// and the process exits nonzero (spec.md §8 scenario 8).
	r.fatal("server exited unexpectedly after initialize", &ServerFailureError{ServerName: r.servers[idx].name, Cause: cause})
}

// cascadeServerDeath completes every PendingClientRequest that was
// still waiting on idx, treating the dead server as if it had
// returned a null result (spec.md §4.3 "Failure semantics").
func (r *Router) cascadeServerDeath(idx int) {
	for _, pc := range r.pendingClient {
		if !pc.outstanding[idx] {
			continue
		}
		delete(pc.outstanding, idx)
		pc.collected[idx] = policy.CollectedResult{Result: json.RawMessage("null")}
		if len(pc.outstanding) == 0 {
			r.completeNow(pc)
		}
	}
}

func (r *Router) handleServerResponse(idx int, resp jsonrpc.Response) {
	key := resp.ID.Key()
	pc, ok := r.pendingClient[key]
	if !ok {
		perr := &ProtocolError{Reason: "response to unknown or already-completed request"}
		r.log.Warn().Err(perr).Str("id", resp.ID.String()).Int("server", idx).Msg(perr.Reason)
		return
	}
	if !pc.outstanding[idx] {
		r.log.Warn().Str("id", resp.ID.String()).Int("server", idx).Msg("response from a server this request is not waiting on; dropping")
		return
	}

	if resp.Error != nil {
		pc.collected[idx] = policy.CollectedResult{Err: &policy.RPCError{Code: resp.Error.Code, Message: resp.Error.Message}}
	} else {
		pc.collected[idx] = policy.CollectedResult{Result: resp.Result}
	}
	delete(pc.outstanding, idx)

	if pc.method == "initialize" {
		r.recordInitializeCapabilities(idx, pc.collected[idx])
	}

	if len(pc.outstanding) == 0 {
		r.completeNow(pc)
	}
}

func (r *Router) recordInitializeCapabilities(idx int, cr policy.CollectedResult) {
	if cr.Err != nil {
		return
	}
	var res policy.InitializeResult
	if err := json.Unmarshal(cr.Result, &res); err != nil {
		return
	}
	r.servers[idx].capabilities = res.Capabilities
	if res.ServerInfo != nil && res.ServerInfo.Name != "" {
		r.servers[idx].name = res.ServerInfo.Name
	}
}

func (r *Router) completeNow(pc *pendingClientRequest) {
	if pc.state == stateCompleted || pc.state == stateCancelled {
		return
	}
	pc.state = stateCompleted
	delete(r.pendingClient, pc.clientID.Key())

	result, mergeErr := pc.merge(pc.collected, pc.addressed)

	var resp jsonrpc.Message
	if mergeErr != nil {
		resp = jsonrpc.NewErrorMessage(pc.clientID, jsonrpc.NewError(mergeErr.Code, "%s", mergeErr.Message))
	} else {
		raw, err := encodeResult(result)
		if err != nil {
			resp = jsonrpc.NewErrorMessage(pc.clientID, jsonrpc.NewError(jsonrpc.CodeInternalError, "failed to encode merged result: %v", err))
		} else {
			resp = jsonrpc.NewResultMessage(pc.clientID, raw)
		}
	}
	r.sendToClient("client-response", resp)

	if pc.method == "initialize" && mergeErr == nil {
		r.initialized = true
	}
}

func (r *Router) completeTimeout(pc *pendingClientRequest) {
	if pc.state == stateCompleted || pc.state == stateCancelled {
		return
	}

	if pc.method == "initialize" && len(pc.outstanding) > 0 && !r.cfg.DropTardy {
		r.fatal("initialize timed out waiting for one or more servers", &TimeoutError{Method: pc.method, ClientID: pc.clientID.String()})
		return
	}

	if len(pc.outstanding) > 0 {
		r.log.Warn().Str("method", pc.method).Str("id", pc.clientID.String()).Msg("aggregation deadline fired with servers still outstanding; completing with partial results")
	}

	pc.state = stateTimedOut
	r.completeNow(pc)
}

func encodeResult(v interface{}) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage("null"), nil
		}
		return t, nil
	default:
		return json.Marshal(t)
	}
}

func (r *Router) handleServerNotification(idx int, n jsonrpc.Notification) {
	if n.Method == "textDocument/publishDiagnostics" {
		r.handleServerDiagnostics(idx, n)
		return
	}
	if n.Method == "$/cancelRequest" {
		r.handleServerCancel(idx, n)
		return
	}

	if !r.rp.ServerNotificationTag(n.Method) {
		return
	}

	params := n.Params
	if n.Method == "window/showMessage" || n.Method == "window/logMessage" {
		params = tagMessageParams(params, r.servers[idx].name)
	}
	r.sendToClient("server-notify", jsonrpc.NewNotificationMessage(n.Method, params))
}

// tagMessageParams prepends "[name] " to a showMessage/logMessage
// notification's message field (spec.md §4.4).
func tagMessageParams(raw json.RawMessage, name string) json.RawMessage {
	var params struct {
		Type    int    `json:"type"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return raw
	}
	params.Message = logging.ServerTag(name) + params.Message
	out, err := json.Marshal(params)
	if err != nil {
		return raw
	}
	return out
}

func (r *Router) handleServerDiagnostics(idx int, n jsonrpc.Notification) {
	var params policy.PublishDiagnosticsParams
	if err := json.Unmarshal(n.Params, &params); err != nil {
		r.log.Warn().Err(err).Msg("malformed publishDiagnostics params from server")
		return
	}

	now := time.Now()
	triggeredAt := r.lastEditAt[params.URI]
	result := r.aggregator.Update(idx, params, now, triggeredAt)
	if result.Stale {
		if r.cfg.DropTardy && !triggeredAt.IsZero() && now.Sub(triggeredAt) > r.cfg.DiagnosticTimeout {
			r.log.Warn().Str("uri", params.URI).Int("server", idx).Msg("dropping tardy diagnostics")
		} else {
			r.log.Debug().Str("uri", params.URI).Int("server", idx).Msg("dropping stale diagnostics")
		}
		return
	}
	if result.ShouldFlush {
		schedule(&r.timers, diagTimerKey(params.URI), time.Now().Add(r.aggregator.CoalesceWindow()))
	}
}

func (r *Router) flushDiagnostics(timerKey string) {
	uri := timerKey[len("diag:"):]
	merged, ok := r.aggregator.Flush(uri)
	if !ok {
		return
	}
	raw, err := policy.MarshalDiagnostics(merged)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to marshal merged diagnostics")
		return
	}
	r.sendToClient("diagnostics:"+uri, jsonrpc.NewNotificationMessage("textDocument/publishDiagnostics", raw))
}

func (r *Router) handleServerRequest(idx int, req jsonrpc.Request) {
	proxyID := r.ids.mintClientBoundID()
	r.pendingServer[proxyID] = &pendingServerRequest{
		serverIndex:      idx,
		originalServerID: req.ID,
	}
	r.sendToClient("server-request", jsonrpc.NewRequestMessage(jsonrpc.NewStringID(proxyID), req.Method, req.Params))
}

// handleServerCancel translates a server's own $/cancelRequest (for a
// request it previously issued to the client) into the proxy_id the
// client knows.
func (r *Router) handleServerCancel(idx int, n jsonrpc.Notification) {
	var params struct {
		ID jsonrpc.ID `json:"id"`
	}
	if err := json.Unmarshal(n.Params, &params); err != nil {
		return
	}
	for proxyID, ps := range r.pendingServer {
		if ps.serverIndex == idx && ps.originalServerID == params.ID {
			cancelParams, _ := json.Marshal(struct {
				ID jsonrpc.ID `json:"id"`
			}{ID: jsonrpc.NewStringID(proxyID)})
			r.sendToClient("server-request", jsonrpc.NewNotificationMessage("$/cancelRequest", cancelParams))
			return
		}
	}
}

func (r *Router) sendToServer(idx int, msg jsonrpc.Message) {
	s := r.servers[idx]
	if s.dead {
		return
	}
	if r.log.GetLevel() <= zerolog.DebugLevel {
		r.log.Debug().Str("server", s.name).Str("params", logging.TruncateBytes(msg.Request.Params)).Msg("-> server")
	}
	if err := s.ep.Send(msg); err != nil {
		r.log.Warn().Str("server", s.name).Err(err).Msg("failed to write to server")
	}
}

// beginClientShutdown handles an unexpected client disconnect
// (transport EOF): the client never got to send its own shutdown/exit,
// so the Router sends them on its behalf before tearing down
// (spec.md §4.3 "Transport EOF on the client: initiate shutdown").
func (r *Router) beginClientShutdown() {
	if r.shuttingDown {
		return
	}
	for idx, s := range r.servers {
		if s.dead {
			continue
		}
		shutdownID := jsonrpc.NewStringID("rass-shutdown-" + r.ids.mintServerBoundID())
		r.sendToServer(idx, jsonrpc.NewRequestMessage(shutdownID, "shutdown", nil))
		r.sendToServer(idx, jsonrpc.NewNotificationMessage("exit", nil))
	}
	r.finalizeShutdown()
}

// finalizeShutdown marks the session as winding down once shutdown/exit
// have already reached every server (either because the client sent
// them itself, or beginClientShutdown just did so on its behalf).
func (r *Router) finalizeShutdown() {
	if r.shuttingDown {
		return
	}
	r.shuttingDown = true
	for _, uri := range r.aggregator.PendingURIs() {
		r.flushDiagnostics(diagTimerKey(uri))
	}
	schedule(&r.timers, shutdownGraceKey, time.Now().Add(2*time.Second))
}
