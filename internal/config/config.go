// Package config resolves the process-wide Config rass runs with: CLI
// flags, an optional rass.toml, and the --separated server command
// vectors. Grounded on the teacher's hand-rolled parseArgs (main.go) in
// spirit — positional args after flags name the work to do — but
// rebuilt on github.com/spf13/cobra + github.com/spf13/pflag for
// --help generation, =-form flags and flag validation, since the
// teacher's manual "--flag value" loop is exactly what cobra replaces.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// ServerSpec is one --separated server command vector.
type ServerSpec struct {
	Name string
	Argv []string
}

// Config is the fully resolved set of options a run of rass needs,
// after flags have been parsed and any rass.toml merged in (flags win).
type Config struct {
	DelayToClient      time.Duration
	DropTardy          bool
	RequestTimeout     time.Duration
	InitializeTimeout  time.Duration
	DiagnosticTimeout  time.Duration
	DiagnosticCoalesce time.Duration
	LogicClass         string
	LogLevel           string
	Servers            []ServerSpec
}

// defaults mirror router.DefaultConfig and spec.md §6's documented
// flag defaults; duplicated here (rather than imported) so this
// package does not need to depend on internal/router just for
// constants.
const (
	defaultRequestTimeout     = 2000 * time.Millisecond
	defaultInitializeTimeout  = 2500 * time.Millisecond
	defaultDiagnosticTimeout  = 1000 * time.Millisecond
	defaultDiagnosticCoalesce = 50 * time.Millisecond
)

// fileConfig is the shape of an optional rass.toml: server command
// vectors and default timeouts that CLI flags override. Exists so
// repeated local use doesn't require re-typing the server list and
// tuning knobs on every invocation.
type fileConfig struct {
	RequestTimeoutMS     int        `toml:"request_timeout_ms"`
	InitializeTimeoutMS  int        `toml:"initialize_timeout_ms"`
	DiagnosticTimeoutMS  int        `toml:"diagnostic_timeout_ms"`
	DiagnosticCoalesceMS int        `toml:"diagnostic_coalesce_ms"`
	DropTardy            bool       `toml:"drop_tardy"`
	LogicClass           string     `toml:"logic_class"`
	LogLevel             string     `toml:"log_level"`
	Servers              []tomlSrv  `toml:"server"`
}

type tomlSrv struct {
	Name string   `toml:"name"`
	Argv []string `toml:"argv"`
}

// ArgError marks a command-line or rass.toml problem; main.go maps it
// to exit code 2 per spec.md §6.
type ArgError struct {
	Reason string
}

func (e *ArgError) Error() string { return e.Reason }

// Parse builds a Config from argv (excluding the program name, i.e.
// os.Args[1:]) and, if present in the working directory, rass.toml.
// Flags always win over rass.toml values.
func Parse(argv []string) (*Config, error) {
	cfg := &Config{
		RequestTimeout:     defaultRequestTimeout,
		InitializeTimeout:  defaultInitializeTimeout,
		DiagnosticTimeout:  defaultDiagnosticTimeout,
		DiagnosticCoalesce: defaultDiagnosticCoalesce,
		LogicClass:         "default",
		LogLevel:           "info",
	}

	if fc, err := loadFileConfig("rass.toml"); err != nil {
		return nil, &ArgError{Reason: err.Error()}
	} else if fc != nil {
		applyFileConfig(cfg, fc)
	}

	// Flag defaults are seeded from cfg as already resolved from
	// rass.toml, so an unset flag preserves the file value and a
	// passed flag overrides it; pflag.*Var always leaves an unset
	// flag's bound variable at the default it was given.
	var (
		delayMS              = int(cfg.DelayToClient / time.Millisecond)
		requestTimeoutMS     = int(cfg.RequestTimeout / time.Millisecond)
		initializeTimeoutMS  = int(cfg.InitializeTimeout / time.Millisecond)
		diagnosticTimeoutMS  = int(cfg.DiagnosticTimeout / time.Millisecond)
		diagnosticCoalesceMS = int(cfg.DiagnosticCoalesce / time.Millisecond)
	)

	root := &cobra.Command{
		Use:           "rass -- cmd1 [args1...] -- cmd2 [args2...] ...",
		Short:         "rass multiplexes one LSP client across N LSP server subprocesses",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.DelayToClient = time.Duration(delayMS) * time.Millisecond
			cfg.RequestTimeout = time.Duration(requestTimeoutMS) * time.Millisecond
			cfg.InitializeTimeout = time.Duration(initializeTimeoutMS) * time.Millisecond
			cfg.DiagnosticTimeout = time.Duration(diagnosticTimeoutMS) * time.Millisecond
			cfg.DiagnosticCoalesce = time.Duration(diagnosticCoalesceMS) * time.Millisecond

			servers, err := splitServerVectors(args)
			if err != nil {
				return err
			}
			if len(servers) > 0 {
				cfg.Servers = servers
			}
			if len(cfg.Servers) == 0 {
				return fmt.Errorf("at least one server command is required (rass ... -- cmd [args...])")
			}
			return nil
		},
	}

	flags := root.Flags()
	flags.IntVar(&delayMS, "delay-ms", delayMS, "delay each message to the client by N ms (order preserved within a source)")
	flags.BoolVar(&cfg.DropTardy, "drop-tardy", cfg.DropTardy, "discard late server responses/diagnostics after their deadline")
	flags.IntVar(&requestTimeoutMS, "request-timeout-ms", requestTimeoutMS, "aggregation deadline for general requests")
	flags.IntVar(&initializeTimeoutMS, "initialize-timeout-ms", initializeTimeoutMS, "aggregation deadline for initialize")
	flags.IntVar(&diagnosticTimeoutMS, "diagnostic-timeout-ms", diagnosticTimeoutMS, "per-server diagnostic tardiness threshold")
	flags.IntVar(&diagnosticCoalesceMS, "diagnostic-coalesce-ms", diagnosticCoalesceMS, "window for coalescing multi-server diagnostics for one URI")
	flags.StringVar(&cfg.LogicClass, "logic-class", cfg.LogicClass, "name of an alternative Policy implementation, or a directory holding one")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "one of error|warn|info|debug|trace")

	// cobra falls back to the real os.Args[1:] whenever SetArgs is
	// given a nil slice; an explicit "no arguments" caller must not be
	// silently upgraded to whatever the host binary's os.Args happens
	// to hold (e.g. go test's own -test.* flags).
	if argv == nil {
		argv = []string{}
	}
	root.SetArgs(argv)
	root.SetOut(os.Stderr)
	root.SetErr(os.Stderr)

	if err := root.Execute(); err != nil {
		return nil, &ArgError{Reason: err.Error()}
	}

	return cfg, nil
}

// splitServerVectors splits cobra's leftover positional args (whatever
// followed the first "--") on every subsequent literal "--" token into
// one ServerSpec per --separated command vector (spec.md §6 grammar:
// "rass [OPTIONS] -- cmd1 [args1...] -- cmd2 [args2...] ...").
func splitServerVectors(args []string) ([]ServerSpec, error) {
	var specs []ServerSpec
	var current []string
	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		specs = append(specs, ServerSpec{Name: current[0], Argv: append([]string(nil), current...)})
		current = nil
		return nil
	}

	for _, a := range args {
		if a == "--" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		current = append(current, a)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return specs, nil
}

func loadFileConfig(path string) (*fileConfig, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return &fc, nil
}

func applyFileConfig(cfg *Config, fc *fileConfig) {
	if fc.RequestTimeoutMS > 0 {
		cfg.RequestTimeout = time.Duration(fc.RequestTimeoutMS) * time.Millisecond
	}
	if fc.InitializeTimeoutMS > 0 {
		cfg.InitializeTimeout = time.Duration(fc.InitializeTimeoutMS) * time.Millisecond
	}
	if fc.DiagnosticTimeoutMS > 0 {
		cfg.DiagnosticTimeout = time.Duration(fc.DiagnosticTimeoutMS) * time.Millisecond
	}
	if fc.DiagnosticCoalesceMS > 0 {
		cfg.DiagnosticCoalesce = time.Duration(fc.DiagnosticCoalesceMS) * time.Millisecond
	}
	cfg.DropTardy = fc.DropTardy
	if fc.LogicClass != "" {
		cfg.LogicClass = fc.LogicClass
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	for _, s := range fc.Servers {
		cfg.Servers = append(cfg.Servers, ServerSpec{Name: s.Name, Argv: s.Argv})
	}
}
