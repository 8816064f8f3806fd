package router

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rass-proxy/rass/internal/endpoint"
	"github.com/rass-proxy/rass/internal/jsonrpc"
	"github.com/rass-proxy/rass/internal/policy"
)

// fakePeer wraps one side of a net.Pipe as a raw jsonrpc.Transport so
// tests can play the part of the LSP client or one backend server
// without spawning a real subprocess.
type fakePeer struct {
	t  *testing.T
	tr *jsonrpc.Transport
}

func (p *fakePeer) readMessage() jsonrpc.Message {
	p.t.Helper()
	ch := make(chan jsonrpc.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		msg, err := p.tr.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		ch <- msg
	}()
	select {
	case msg := <-ch:
		return msg
	case err := <-errCh:
		p.t.Fatalf("unexpected read error: %v", err)
	case <-time.After(3 * time.Second):
		p.t.Fatal("timed out waiting for message")
	}
	return jsonrpc.Message{}
}

func (p *fakePeer) write(msg jsonrpc.Message) {
	p.t.Helper()
	require.NoError(p.t, p.tr.WriteMessage(msg))
}

// harness wires a Router to a fake client peer and N fake server peers.
type harness struct {
	t       *testing.T
	router  *Router
	client  *fakePeer
	servers []*fakePeer
	exitCh  chan int
}

func newHarness(t *testing.T, nServers int, cfg Config) *harness {
	t.Helper()

	clientA, clientB := net.Pipe()
	clientEp := endpoint.New(endpoint.KindClient, -1, "client", jsonrpc.NewTransport(clientA, clientA, clientA), zerolog.Nop(), 32)
	clientFake := &fakePeer{t: t, tr: jsonrpc.NewTransport(clientB, clientB, clientB)}

	serverEps := make([]*endpoint.Endpoint, nServers)
	fakes := make([]*fakePeer, nServers)
	for i := 0; i < nServers; i++ {
		a, b := net.Pipe()
		name := "server" + string(rune('0'+i))
		serverEps[i] = endpoint.New(endpoint.KindServer, i, name, jsonrpc.NewTransport(a, a, a), zerolog.Nop(), 32)
		fakes[i] = &fakePeer{t: t, tr: jsonrpc.NewTransport(b, b, b)}
	}

	r := New(clientEp, serverEps, policy.DefaultPolicy{}, cfg, zerolog.Nop())
	h := &harness{t: t, router: r, client: clientFake, servers: fakes, exitCh: make(chan int, 1)}

	go func() { h.exitCh <- r.Run() }()
	return h
}

func rawMsg(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func capsWith(hover, rename, codeAction bool) policy.ServerCapabilities {
	c := policy.ServerCapabilities{}
	if hover {
		c.HoverProvider = &policy.ProviderCapability{Enabled: true}
	}
	if rename {
		c.RenameProvider = &policy.ProviderCapability{Enabled: true}
	}
	if codeAction {
		c.CodeActionProvider = &policy.ProviderCapability{Enabled: true}
	}
	return c
}

// initializeAll drives the initialize handshake: the client sends
// initialize(id=1), every fake server answers with the given
// capabilities/name, and the test asserts the client gets exactly one
// merged response.
func (h *harness) initializeAll(t *testing.T, caps []policy.ServerCapabilities, names []string) jsonrpc.Response {
	t.Helper()
	h.client.write(jsonrpc.NewRequestMessage(jsonrpc.NewNumberID(1), "initialize", rawMsg(t, map[string]any{})))

	for i, peer := range h.servers {
		req := peer.readMessage()
		require.Equal(t, jsonrpc.KindRequest, req.Kind)
		require.Equal(t, "initialize", req.Request.Method)

		result := policy.InitializeResult{
			Capabilities: caps[i],
			ServerInfo:   &policy.ServerInfo{Name: names[i]},
		}
		peer.write(jsonrpc.NewResultMessage(req.Request.ID, rawMsg(t, result)))
	}

	resp := h.client.readMessage()
	require.Equal(t, jsonrpc.KindResponse, resp.Kind)
	require.Nil(t, resp.Response.Error)
	return resp.Response
}

func TestRouter_BasicTwoServerInitAndShutdown(t *testing.T) {
	h := newHarness(t, 2, DefaultConfig())

	resp := h.initializeAll(t, []policy.ServerCapabilities{
		capsWith(true, false, false),
		capsWith(false, true, false),
	}, []string{"clangd", "gopls"})

	var result policy.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Equal(t, "clangd+gopls", result.ServerInfo.Name)
	require.True(t, result.Capabilities.HoverProvider.Enabled)
	require.True(t, result.Capabilities.RenameProvider.Enabled)

	h.client.write(jsonrpc.NewNotificationMessage("initialized", rawMsg(t, map[string]any{})))
	for _, peer := range h.servers {
		n := peer.readMessage()
		require.Equal(t, jsonrpc.KindNotification, n.Kind)
		require.Equal(t, "initialized", n.Notification.Method)
	}

	h.client.write(jsonrpc.NewNotificationMessage("exit", nil))
	for _, peer := range h.servers {
		n := peer.readMessage()
		require.Equal(t, jsonrpc.KindNotification, n.Kind)
		require.Equal(t, "exit", n.Notification.Method)
	}

	select {
	case code := <-h.exitCh:
		require.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("router did not exit after client sent exit")
	}
}

func TestRouter_RenameRoutesToFirstCapableServerOnly(t *testing.T) {
	h := newHarness(t, 2, DefaultConfig())
	h.initializeAll(t, []policy.ServerCapabilities{
		capsWith(false, false, false), // s0 not capable
		capsWith(false, true, false),  // s1 capable
	}, []string{"s0", "s1"})

	h.client.write(jsonrpc.NewRequestMessage(jsonrpc.NewNumberID(7), "textDocument/rename", rawMsg(t, map[string]any{"x": 1})))

	req := h.servers[1].readMessage()
	require.Equal(t, jsonrpc.KindRequest, req.Kind)
	require.Equal(t, "textDocument/rename", req.Request.Method)
	require.Equal(t, jsonrpc.NewNumberID(7), req.Request.ID)

	h.servers[1].write(jsonrpc.NewResultMessage(req.Request.ID, rawMsg(t, map[string]string{"ok": "renamed"})))

	resp := h.client.readMessage()
	require.Equal(t, jsonrpc.KindResponse, resp.Kind)
	require.JSONEq(t, `{"ok":"renamed"}`, string(resp.Response.Result))
}

func TestRouter_CodeActionConcatenatesInServerOrder(t *testing.T) {
	h := newHarness(t, 3, DefaultConfig())
	h.initializeAll(t, []policy.ServerCapabilities{
		capsWith(false, false, false), // s0 no codeAction
		capsWith(false, false, true),
		capsWith(false, false, true),
	}, []string{"s0", "s1", "s2"})

	h.client.write(jsonrpc.NewRequestMessage(jsonrpc.NewNumberID(9), "textDocument/codeAction", rawMsg(t, map[string]any{})))

	req1 := h.servers[1].readMessage()
	h.servers[1].write(jsonrpc.NewResultMessage(req1.Request.ID, rawMsg(t, []map[string]string{{"title": "A"}, {"title": "B"}})))

	req2 := h.servers[2].readMessage()
	h.servers[2].write(jsonrpc.NewResultMessage(req2.Request.ID, rawMsg(t, []map[string]string{{"title": "C"}})))

	resp := h.client.readMessage()
	var items []map[string]string
	require.NoError(t, json.Unmarshal(resp.Response.Result, &items))
	require.Equal(t, []map[string]string{{"title": "A"}, {"title": "B"}, {"title": "C"}}, items)
}

func TestRouter_DefinitionDedupByURIAndRange(t *testing.T) {
	h := newHarness(t, 2, DefaultConfig())
	h.initializeAll(t, []policy.ServerCapabilities{
		capsWith(false, false, false),
		capsWith(false, false, false),
	}, []string{"s0", "s1"})
	h.router.servers[0].capabilities.DefinitionProvider = &policy.ProviderCapability{Enabled: true}
	h.router.servers[1].capabilities.DefinitionProvider = &policy.ProviderCapability{Enabled: true}

	loc1 := policy.Location{URI: "file:///a.go", Range: policy.Range{Start: policy.Position{Line: 1}, End: policy.Position{Line: 1, Character: 5}}}
	loc2 := policy.Location{URI: "file:///a.go", Range: policy.Range{Start: policy.Position{Line: 9}, End: policy.Position{Line: 9, Character: 2}}}

	h.client.write(jsonrpc.NewRequestMessage(jsonrpc.NewNumberID(11), "textDocument/definition", rawMsg(t, map[string]any{})))

	req0 := h.servers[0].readMessage()
	h.servers[0].write(jsonrpc.NewResultMessage(req0.Request.ID, rawMsg(t, []policy.Location{loc1})))

	req1 := h.servers[1].readMessage()
	h.servers[1].write(jsonrpc.NewResultMessage(req1.Request.ID, rawMsg(t, loc2))) // bare object

	resp := h.client.readMessage()
	var items []policy.Location
	require.NoError(t, json.Unmarshal(resp.Response.Result, &items))
	require.Len(t, items, 2)
	require.Equal(t, loc1, items[0])
	require.Equal(t, loc2, items[1])
}

func TestRouter_ServerOriginatedRequestIDTranslation(t *testing.T) {
	h := newHarness(t, 1, DefaultConfig())
	h.initializeAll(t, []policy.ServerCapabilities{capsWith(false, false, false)}, []string{"s0"})

	h.servers[0].write(jsonrpc.NewRequestMessage(jsonrpc.NewNumberID(5), "window/showMessageRequest", rawMsg(t, map[string]any{"message": "pick one"})))

	forwarded := h.client.readMessage()
	require.Equal(t, jsonrpc.KindRequest, forwarded.Kind)
	require.Equal(t, "window/showMessageRequest", forwarded.Request.Method)
	require.NotEqual(t, jsonrpc.NewNumberID(5), forwarded.Request.ID, "the client must see a minted id, not the server's original id")

	h.client.write(jsonrpc.NewResultMessage(forwarded.Request.ID, rawMsg(t, map[string]string{"title": "Yes"})))

	back := h.servers[0].readMessage()
	require.Equal(t, jsonrpc.KindResponse, back.Kind)
	require.Equal(t, jsonrpc.NewNumberID(5), back.Response.ID, "the server must see its own original id back")
	require.JSONEq(t, `{"title":"Yes"}`, string(back.Response.Result))
}

func TestRouter_CancelRequestRespondsOnceAndForwardsToServers(t *testing.T) {
	h := newHarness(t, 2, DefaultConfig())
	h.initializeAll(t, []policy.ServerCapabilities{
		capsWith(false, false, true),
		capsWith(false, false, true),
	}, []string{"s0", "s1"})

	h.client.write(jsonrpc.NewRequestMessage(jsonrpc.NewNumberID(20), "textDocument/codeAction", rawMsg(t, map[string]any{})))
	req0 := h.servers[0].readMessage()
	req1 := h.servers[1].readMessage()
	require.Equal(t, jsonrpc.NewNumberID(20), req0.Request.ID)
	require.Equal(t, jsonrpc.NewNumberID(20), req1.Request.ID)

	cancelParams := rawMsg(t, map[string]any{"id": 20})
	h.client.write(jsonrpc.NewNotificationMessage("$/cancelRequest", cancelParams))

	for _, peer := range h.servers {
		n := peer.readMessage()
		require.Equal(t, "$/cancelRequest", n.Notification.Method)
	}

	resp := h.client.readMessage()
	require.Equal(t, jsonrpc.KindResponse, resp.Kind)
	require.NotNil(t, resp.Response.Error)
	require.Equal(t, jsonrpc.CodeRequestCancelled, resp.Response.Error.Code)
}

func TestRouter_DeadlineCompletesAggregationWithPartialResults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 80 * time.Millisecond
	h := newHarness(t, 2, cfg)
	h.initializeAll(t, []policy.ServerCapabilities{
		capsWith(false, false, true),
		capsWith(false, false, true),
	}, []string{"s0", "s1"})

	h.client.write(jsonrpc.NewRequestMessage(jsonrpc.NewNumberID(30), "textDocument/codeAction", rawMsg(t, map[string]any{})))

	req0 := h.servers[0].readMessage()
	h.servers[0].write(jsonrpc.NewResultMessage(req0.Request.ID, rawMsg(t, []map[string]string{{"title": "fast"}})))
	// s1 never answers within the deadline.
	_ = h.servers[1].readMessage()

	resp := h.client.readMessage()
	var items []map[string]string
	require.NoError(t, json.Unmarshal(resp.Response.Result, &items))
	require.Equal(t, []map[string]string{{"title": "fast"}}, items)
}

func TestRouter_PartialInitializeTimeoutIsFatalByDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitializeTimeout = 80 * time.Millisecond
	h := newHarness(t, 2, cfg)

	h.client.write(jsonrpc.NewRequestMessage(jsonrpc.NewNumberID(1), "initialize", rawMsg(t, map[string]any{})))

	req0 := h.servers[0].readMessage()
	h.servers[0].write(jsonrpc.NewResultMessage(req0.Request.ID, rawMsg(t, policy.InitializeResult{
		Capabilities: capsWith(false, false, false),
		ServerInfo:   &policy.ServerInfo{Name: "s0"},
	})))
	// s1 never answers within the initialize deadline.
	_ = h.servers[1].readMessage()

	select {
	case code := <-h.exitCh:
		require.Equal(t, 1, code)
	case <-time.After(3 * time.Second):
		t.Fatal("router did not exit after partial initialize timeout")
	}
}

func TestRouter_PartialInitializeTimeoutDegradesUnderDropTardy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitializeTimeout = 80 * time.Millisecond
	cfg.DropTardy = true
	h := newHarness(t, 2, cfg)

	h.client.write(jsonrpc.NewRequestMessage(jsonrpc.NewNumberID(1), "initialize", rawMsg(t, map[string]any{})))

	req0 := h.servers[0].readMessage()
	h.servers[0].write(jsonrpc.NewResultMessage(req0.Request.ID, rawMsg(t, policy.InitializeResult{
		Capabilities: capsWith(false, false, false),
		ServerInfo:   &policy.ServerInfo{Name: "s0"},
	})))
	// s1 never answers within the initialize deadline; with --drop-tardy
	// the proxy completes initialize with whatever answered instead of
	// exiting (spec.md §8 scenario 2).
	_ = h.servers[1].readMessage()

	resp := h.client.readMessage()
	require.Equal(t, jsonrpc.KindResponse, resp.Kind)
	require.Nil(t, resp.Response.Error)

	select {
	case code := <-h.exitCh:
		t.Fatalf("router exited (%d) instead of degrading under --drop-tardy", code)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestRouter_DelayedMessageFlushedBeforeFatalReturn guards against Run
// returning on the fatal-error branch without ever flushing a message
// still sitting in the --delay-ms queue: a server notification queued
// for delayed delivery, immediately followed (same transport, same
// reader goroutine, so strictly ordered) by that same server crashing
// after initialize, must still reach the client before Run exits.
func TestRouter_DelayedMessageFlushedBeforeFatalReturn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DelayToClient = 20 * time.Millisecond
	h := newHarness(t, 1, cfg)
	h.initializeAll(t, []policy.ServerCapabilities{capsWith(false, false, false)}, []string{"s0"})

	h.servers[0].write(jsonrpc.NewNotificationMessage("window/logMessage", rawMsg(t, map[string]any{
		"type":    3,
		"message": "hello",
	})))
	require.NoError(t, h.servers[0].tr.Close())

	n := h.client.readMessage()
	require.Equal(t, jsonrpc.KindNotification, n.Kind)
	require.Equal(t, "window/logMessage", n.Notification.Method)

	select {
	case code := <-h.exitCh:
		require.Equal(t, 1, code)
	case <-time.After(3 * time.Second):
		t.Fatal("router did not exit after server crash")
	}
}

func TestRouter_ServerCrashAfterInitializeIsFatal(t *testing.T) {
	h := newHarness(t, 2, DefaultConfig())
	h.initializeAll(t, []policy.ServerCapabilities{
		capsWith(false, false, false),
		capsWith(false, false, false),
	}, []string{"s0", "s1"})

	require.NoError(t, h.servers[1].tr.Close())

	select {
	case code := <-h.exitCh:
		require.Equal(t, 1, code)
	case <-time.After(3 * time.Second):
		t.Fatal("router did not exit after server crash")
	}
}
