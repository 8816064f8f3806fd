// Command rass multiplexes one LSP client, speaking over stdin/stdout,
// across N LSP server subprocesses named on the command line. Grounded
// on the teacher's main.go: parse flags, build the long-lived pieces,
// run until shutdown, map the result to a process exit code.
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/rass-proxy/rass/internal/config"
	"github.com/rass-proxy/rass/internal/endpoint"
	"github.com/rass-proxy/rass/internal/jsonrpc"
	"github.com/rass-proxy/rass/internal/logging"
	"github.com/rass-proxy/rass/internal/policy"
	"github.com/rass-proxy/rass/internal/router"
	"github.com/rass-proxy/rass/internal/supervisor"
)

// shutdownGrace bounds how long a server subprocess is given to exit
// after the Router sends shutdown/exit (or after a fatal error) before
// the Supervisor sends SIGKILL.
const shutdownGrace = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		return 2
	}

	log := logging.New(logging.ParseLevel(cfg.LogLevel))

	rp, watcher, err := buildPolicy(cfg.LogicClass, log)
	if err != nil {
		log.Error().Err(err).Str("logic-class", cfg.LogicClass).Msg("failed to resolve --logic-class")
		return 2
	}
	if watcher != nil {
		defer watcher.Stop()
	}

	sup := supervisor.New(log, shutdownGrace)
	serverSpecs := make([]supervisor.ServerSpec, len(cfg.Servers))
	for i, s := range cfg.Servers {
		serverSpecs[i] = supervisor.ServerSpec{Name: s.Name, Argv: s.Argv}
	}

	serverEPs, err := sup.SpawnAll(serverSpecs)
	if err != nil {
		log.Error().Err(err).Msg("failed to spawn server fleet")
		return 1
	}

	clientTransport := jsonrpc.NewTransport(os.Stdin, os.Stdout, os.Stdin)
	clientEP := endpoint.New(endpoint.KindClient, -1, "client", clientTransport, log.With().Str("peer", "client").Logger(), 256)

	rcfg := router.Config{
		RequestTimeout:     cfg.RequestTimeout,
		InitializeTimeout:  cfg.InitializeTimeout,
		DiagnosticTimeout:  cfg.DiagnosticTimeout,
		DiagnosticCoalesce: cfg.DiagnosticCoalesce,
		DropTardy:          cfg.DropTardy,
		DelayToClient:      cfg.DelayToClient,
	}
	r := router.New(clientEP, serverEPs, rp, rcfg, log)

	code := r.Run()

	var failed *router.ServerFailureError
	if errors.As(r.FatalCause(), &failed) {
		for i, s := range cfg.Servers {
			if s.Name == failed.ServerName {
				if err := sup.Kill(i); err != nil {
					log.Debug().Err(err).Int("server", i).Msg("failed to kill already-crashed server")
				}
				break
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for i, exitErr := range sup.ShutdownAll(ctx) {
		if exitErr != nil {
			log.Debug().Err(exitErr).Int("server", i).Msg("server exited")
		}
	}

	return code
}

// buildPolicy resolves --logic-class to a RoutingPolicy. A name already
// registered in the built-in Registry (currently just "default") wins
// outright. Otherwise, if the name is a path to an existing directory,
// rass falls back to DefaultPolicy but watches the directory with
// fsnotify per spec.md §9's dynamic-plugin-loader design note, logging
// a restart recommendation if the plugin's backing file changes
// underneath the running proxy — actually hot-swapping the live policy
// is out of scope (spec.md §1 Non-goals). An unresolvable name that
// isn't a directory either is a config error.
func buildPolicy(name string, log zerolog.Logger) (policy.RoutingPolicy, *supervisor.PluginWatcher, error) {
	reg := policy.NewRegistry()
	if rp, ok := reg.Build(name); ok {
		return rp, nil, nil
	}

	info, statErr := os.Stat(name)
	if statErr != nil || !info.IsDir() {
		return nil, nil, &config.ArgError{Reason: "unknown --logic-class " + name + " (not a registered policy or an existing directory)"}
	}

	w, err := supervisor.WatchLogicClassDir(name, log)
	if err != nil {
		return nil, nil, err
	}
	def, _ := reg.Build("default")
	return def, w, nil
}
