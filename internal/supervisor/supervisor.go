// Package supervisor owns the N LSP server subprocesses rass forwards
// to: spawning them, wiring their stdio into framed Endpoints, piping
// their stderr with a per-server prefix, and tearing them down.
// Grounded on the teacher's NewClangdClient (internal/lsp/clangd.go):
// exec.Command, StdinPipe/StdoutPipe/StderrPipe, cmd.Start(), and
// ClangdClient.Stop's graceful-shutdown-then-kill fallback — generalized
// from one fixed clangd invocation to N arbitrary command vectors.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rass-proxy/rass/internal/endpoint"
	"github.com/rass-proxy/rass/internal/jsonrpc"
	"github.com/rass-proxy/rass/internal/logging"
)

// ServerSpec is one ---separated server command vector from spec.md §6.
type ServerSpec struct {
	Name string // display name, used for stderr/log-message tagging
	Argv []string
}

// process is one spawned, running server.
type process struct {
	spec ServerSpec
	cmd  *exec.Cmd
	ep   *endpoint.Endpoint
}

// Supervisor spawns and tears down the server fleet. It does not speak
// JSON-RPC itself — once a process is spawned its Endpoint is handed to
// the Router, which owns all further traffic.
type Supervisor struct {
	log       zerolog.Logger
	killGrace time.Duration

	mu    sync.Mutex
	procs []*process
}

// New builds a Supervisor. killGrace bounds how long Wait gives a
// subprocess to exit after the Router closes its stdin before sending
// SIGKILL, mirroring ClangdClient.Stop's 2-second grace window.
func New(log zerolog.Logger, killGrace time.Duration) *Supervisor {
	return &Supervisor{log: log, killGrace: killGrace}
}

// SpawnAll starts every server in specs in parallel and returns one
// Endpoint per server with Index set to its position in specs (the
// position that determines PickFirstCapable tie-breaking, spec.md
// §4.4). If any spawn fails, every process already started is killed
// and the first spawn error is returned, so the proxy never runs with
// a partial fleet (spec.md §6 "spawn failure: nonzero exit").
func (s *Supervisor) SpawnAll(specs []ServerSpec) ([]*endpoint.Endpoint, error) {
	eps := make([]*endpoint.Endpoint, len(specs))
	var g errgroup.Group
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			ep, err := s.spawn(i, spec)
			if err != nil {
				return fmt.Errorf("spawn %q: %w", spec.Name, err)
			}
			eps[i] = ep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.killAll()
		return nil, err
	}
	// Spawns finish in any order; keep procs in spec order so Wait,
	// ShutdownAll and Kill index them by spec position.
	s.mu.Lock()
	sort.Slice(s.procs, func(a, b int) bool { return s.procs[a].ep.Index < s.procs[b].ep.Index })
	s.mu.Unlock()
	return eps, nil
}

func (s *Supervisor) spawn(index int, spec ServerSpec) (*endpoint.Endpoint, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("empty command vector")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %v: %w", spec.Argv, err)
	}

	tr := jsonrpc.NewTransport(stdout, stdin, stdin)
	ep := endpoint.New(endpoint.KindServer, index, spec.Name, tr, s.log.With().Str("server", spec.Name).Logger(), 256)

	go pipeStderr(stderr, spec.Name, s.log)

	s.mu.Lock()
	s.procs = append(s.procs, &process{spec: spec, cmd: cmd, ep: ep})
	s.mu.Unlock()
	return ep, nil
}

// pipeStderr forwards one subprocess's stderr line by line, tagged
// with its server name, the way parseClangdLogs tags every forwarded
// line "[CLANGD] %s" — generalized here to N distinct tags instead of
// one fixed string. Uses the same oversized scanner buffer the
// teacher sets for long C++ diagnostic output, since LSP servers can
// emit similarly long lines (stack traces, AST dumps).
func pipeStderr(r io.Reader, name string, log zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	const maxLineSize = 10 * 1024 * 1024
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineSize)

	tag := logging.ServerTag(name)
	for scanner.Scan() {
		line := logging.Truncate(scanner.Text())
		log.Info().Str("server", name).Msg(tag + line)
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Str("server", name).Err(err).Msg("error reading server stderr")
	}
}

// Wait blocks until every subprocess has exited, killing any that are
// still running once killGrace has elapsed since Wait was called.
// Call this after the Router has finished sending shutdown/exit (or
// after a fatal error) to reap the fleet; returns the exit status of
// each process in spec order (nil for a clean exit).
func (s *Supervisor) Wait() []error {
	s.mu.Lock()
	procs := append([]*process(nil), s.procs...)
	s.mu.Unlock()

	results := make([]error, len(procs))
	done := make(chan struct{})
	go func() {
		for i, p := range procs {
			results[i] = p.cmd.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.killGrace):
		s.killAll()
		<-done
	}
	return results
}

// killAll force-kills every process that is still running.
func (s *Supervisor) killAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	}
}

// Kill force-kills the process at index idx. Called from main's
// fatal-exit handling to make sure the server that triggered a
// *router.ServerFailureError doesn't linger (spec.md §8 scenario 8)
// ahead of the blanket ShutdownAll of the rest of the fleet.
func (s *Supervisor) Kill(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.procs) || s.procs[idx].cmd.Process == nil {
		return nil
	}
	return s.procs[idx].cmd.Process.Kill()
}

// ShutdownAll waits for every process to exit on its own (the Router
// having already sent shutdown/exit or closed stdin), bounded by
// whichever comes first of ctx's deadline or killGrace, then kills any
// stragglers.
func (s *Supervisor) ShutdownAll(ctx context.Context) []error {
	s.mu.Lock()
	procs := append([]*process(nil), s.procs...)
	s.mu.Unlock()

	results := make([]error, len(procs))
	done := make(chan struct{})
	go func() {
		for i, p := range procs {
			results[i] = p.cmd.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.killGrace):
		s.killAll()
		<-done
	case <-ctx.Done():
		s.killAll()
		<-done
	}
	return results
}
