package router

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/rass-proxy/rass/internal/endpoint"
	"github.com/rass-proxy/rass/internal/jsonrpc"
	"github.com/rass-proxy/rass/internal/policy"
)

// Config holds the tuning knobs spec.md §6 exposes as CLI flags.
type Config struct {
	RequestTimeout     time.Duration
	InitializeTimeout  time.Duration
	DiagnosticTimeout  time.Duration
	DiagnosticCoalesce time.Duration
	DropTardy          bool
	DelayToClient      time.Duration
}

// DefaultConfig returns the deadlines spec.md §4.3/§4.4 name as defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:     2000 * time.Millisecond,
		InitializeTimeout:  2500 * time.Millisecond,
		DiagnosticTimeout:  1000 * time.Millisecond,
		DiagnosticCoalesce: 50 * time.Millisecond,
	}
}

// delayedOutbound is one message queued for delayed delivery to the
// client via --delay-ms; readyAt entries for the same source are kept
// strictly increasing so FIFO order within that source is preserved.
type delayedOutbound struct {
	readyAt time.Time
	msg     jsonrpc.Message
}

// Router is the single logical actor that owns every endpoint, the
// pending-request tables, the capability cache and the diagnostics
// aggregator. All of its unexported state is touched exclusively from
// the goroutine running Run; readers for each endpoint communicate
// with it only by enqueuing InboundEvents onto the shared events
// channel (grounded on golang-tools jsonrpc2's single Conn.Run loop).
type Router struct {
	client  *endpoint.Endpoint
	servers []*serverState

	rp         policy.RoutingPolicy
	aggregator *policy.Aggregator
	cfg        Config
	log        zerolog.Logger

	events chan endpoint.InboundEvent

	pendingClient map[string]*pendingClientRequest
	pendingServer map[string]*pendingServerRequest
	ids           idSpace

	timers timerHeap

	lastEditAt map[string]time.Time // uri -> time of last didOpen/didChange, for tardy diagnostics

	initialized          bool
	shuttingDown         bool
	shutdownGraceElapsed bool

	outboundDelay  []delayedOutbound
	lastDelayReady map[string]time.Time // source key -> last scheduled readyAt

	exitCode   int
	fatalCause error
}

// New builds a Router. servers must already be spawned (live
// endpoints); client is the transport to the actual LSP client.
func New(client *endpoint.Endpoint, servers []*endpoint.Endpoint, rp policy.RoutingPolicy, cfg Config, log zerolog.Logger) *Router {
	states := make([]*serverState, len(servers))
	for i, ep := range servers {
		states[i] = &serverState{ep: ep, name: ep.Name}
	}
	return &Router{
		client:         client,
		servers:        states,
		rp:             rp,
		aggregator:     nil, // built when Run starts; server names are looked up at use time, see ensureAggregator
		cfg:            cfg,
		log:            log,
		events:         make(chan endpoint.InboundEvent, 256),
		pendingClient:  map[string]*pendingClientRequest{},
		pendingServer:  map[string]*pendingServerRequest{},
		lastEditAt:     map[string]time.Time{},
		lastDelayReady: map[string]time.Time{},
	}
}

func (r *Router) ensureAggregator() {
	if r.aggregator != nil {
		return
	}
	r.aggregator = policy.NewAggregator(r.cfg.DiagnosticCoalesce, r.cfg.DiagnosticTimeout, r.cfg.DropTardy, func(i int) string {
		if i >= 0 && i < len(r.servers) {
			return r.servers[i].name
		}
		return ""
	})
}

// Run starts every endpoint's reader and drives the event loop until
// a fatal error or an orderly shutdown.
// It returns the process exit code per spec.md §6.
func (r *Router) Run() int {
	r.ensureAggregator()
	r.startReaders()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case ev := <-r.events:
			r.handleEvent(ev)
			if r.fatalCause != nil {
				// Deliver everything still queued for --delay-ms, due or not.
				for _, d := range r.outboundDelay {
					if err := r.client.Send(d.msg); err != nil {
						r.log.Warn().Err(err).Msg("failed to deliver delayed message to client")
					}
				}
				r.outboundDelay = nil
				return 1
			}
			if r.shuttingDown && (r.allServersDone() || r.shutdownGraceElapsed) {
				r.flushDelayedOutbound(time.Now())
				return r.exitCode
			}
		case now := <-ticker.C:
			r.handleTick(now)
			if r.fatalCause != nil {
				return 1
			}
			if r.shuttingDown && (r.allServersDone() || r.shutdownGraceElapsed) {
				return r.exitCode
			}
		}
	}
}

func (r *Router) startReaders() {
	r.client.Start()
	go forward(r.client, r.events)
	for _, s := range r.servers {
		s.ep.Start()
		go forward(s.ep, r.events)
	}
}

func forward(e *endpoint.Endpoint, out chan<- endpoint.InboundEvent) {
	for ev := range e.Inbound() {
		out <- ev
	}
}

func (r *Router) allServersDone() bool {
	for _, s := range r.servers {
		if !s.dead {
			return false
		}
	}
	return true
}

func (r *Router) fatal(reason string, cause error) {
	if r.fatalCause != nil {
		return
	}
	r.fatalCause = &FatalError{Reason: reason, Cause: cause}
	r.log.Error().Err(r.fatalCause).Msg("fatal error, shutting down")
	r.exitCode = 1
}

// FatalCause reports the error that ended Run with a nonzero exit
// code, or nil on a clean shutdown. Callers use errors.As to check for
// a *ServerFailureError and identify the offending server by name.
func (r *Router) FatalCause() error {
	return r.fatalCause
}

func (r *Router) handleEvent(ev endpoint.InboundEvent) {
	if ev.Endpoint == r.client {
		r.handleClientEvent(ev)
		return
	}
	r.handleServerEvent(ev)
}

func (r *Router) serverIndex(ep *endpoint.Endpoint) int {
	for i, s := range r.servers {
		if s.ep == ep {
			return i
		}
	}
	return -1
}

const shutdownGraceKey = "shutdown-grace"

func (r *Router) handleTick(now time.Time) {
	for _, entry := range popExpired(&r.timers, now) {
		switch {
		case entry.clientID == shutdownGraceKey:
			r.shutdownGraceElapsed = true
		case len(entry.clientID) > len("diag:") && entry.clientID[:len("diag:")] == "diag:":
			r.flushDiagnostics(entry.clientID)
		default:
			if pc, ok := r.pendingClient[entry.clientID]; ok {
				r.completeTimeout(pc)
			}
		}
	}
	r.flushDelayedOutbound(now)
}

func (r *Router) flushDelayedOutbound(now time.Time) {
	kept := r.outboundDelay[:0]
	for _, d := range r.outboundDelay {
		if d.readyAt.After(now) {
			kept = append(kept, d)
			continue
		}
		if err := r.client.Send(d.msg); err != nil {
			r.log.Warn().Err(err).Msg("failed to deliver delayed message to client")
		}
	}
	r.outboundDelay = kept
}

// sendToClient writes directly, or queues through --delay-ms if configured.
func (r *Router) sendToClient(source string, msg jsonrpc.Message) {
	if r.cfg.DelayToClient <= 0 {
		if err := r.client.Send(msg); err != nil {
			r.log.Warn().Err(err).Msg("failed to write to client")
		}
		return
	}
	readyAt := time.Now().Add(r.cfg.DelayToClient)
	if last, ok := r.lastDelayReady[source]; ok && !readyAt.After(last) {
		readyAt = last.Add(time.Microsecond)
	}
	r.lastDelayReady[source] = readyAt
	r.outboundDelay = append(r.outboundDelay, delayedOutbound{readyAt: readyAt, msg: msg})
}

func diagTimerKey(uri string) string { return "diag:" + uri }
