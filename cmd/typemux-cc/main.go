// Command typemux-cc multiplexes a single stdio LSP client across a
// pool of per-venv pyright/ty/pyrefly backends (spec.md §6).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/K-dash/typemux-cc/internal/backend"
	"github.com/K-dash/typemux-cc/internal/config"
	"github.com/K-dash/typemux-cc/internal/logging"
	"github.com/K-dash/typemux-cc/internal/proxy"
	"github.com/K-dash/typemux-cc/internal/venv"
)

// version is overwritten at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "typemux-cc",
		Short:         "Multiplex a single LSP client across per-venv Python type checkers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd)
		},
	}
	cmd.SetVersionTemplate("typemux-cc {{.Version}}\n")

	f := cmd.Flags()
	f.String("backend", string(config.DefaultBackend), "type checker backend: pyright|ty|pyrefly")
	f.Int("max-backends", config.DefaultMaxBackends, "maximum number of live backend processes")
	f.Int("backend-ttl", config.DefaultBackendTTLSeconds, "idle seconds before an unused backend is evicted (0 disables)")
	f.Int("warmup-timeout", config.DefaultWarmupTimeoutSeconds, "seconds to hold index-dependent requests for a cold backend (0 disables)")
	f.String("log-file", "", "write logs here instead of stderr")

	return cmd
}

// run wires config, logging, venv resolution, and the proxy event
// loop together, and installs the SIGINT/SIGTERM handler that drives
// the same shutdown path as a clean client disconnect (teacher's
// main.go signal.Notify handler, generalized from socket-cleanup +
// single agent Kill to Proxy.Shutdown's backend-pool teardown).
func run(cmd *cobra.Command) error {
	cfg, err := config.Resolve(cmd)
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer closer.Close()
	log := logger.WithField("component", "typemux-cc")

	kind, err := backend.ParseKind(string(cfg.Backend))
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}
	resolver := venv.NewResolver(cwd)

	p := proxy.New(proxy.Config{
		BackendKind:   kind,
		MaxBackends:   cfg.MaxBackends,
		BackendTTL:    cfg.BackendTTL,
		WarmupTimeout: cfg.WarmupTimeout,
	}, os.Stdin, os.Stdout, resolver, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("caught signal, shutting down")
		p.Shutdown()
	}()

	go p.Run()
	<-p.Done()

	if code := p.ExitCode(); code != 0 {
		os.Exit(code)
	}
	return nil
}
