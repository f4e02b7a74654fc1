// Package config resolves the proxy's tunables from defaults, then
// environment variables, then CLI flags, in that precedence order
// (spec.md §6).
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/K-dash/typemux-cc/internal/backend"
)

// Defaults, per spec.md §6.
const (
	DefaultBackend              = backend.KindPyright
	DefaultMaxBackends          = 8
	DefaultBackendTTLSeconds    = 1800
	DefaultWarmupTimeoutSeconds = 2
	DefaultLogLevel             = "info"
)

// Config is the fully-resolved set of tunables the CLI hands to
// internal/proxy and internal/logging. There is no file-based
// configuration; viper is used only for its flag/env precedence
// merge, never ReadInConfig.
type Config struct {
	Backend       backend.Kind
	MaxBackends   int
	BackendTTL    time.Duration // 0 disables eviction-by-age
	WarmupTimeout time.Duration // 0 disables the warmup deadline
	LogFile       string        // empty means stderr
	LogLevel      string
}

// boundFlags are registered on cmd by the CLI layer; Resolve binds
// each to the matching viper key so a flag the user actually passed
// wins over its TYPEMUX_CC_* environment variable, which in turn wins
// over the default set below.
var boundFlags = []string{"backend", "max-backends", "backend-ttl", "warmup-timeout", "log-file"}

// Resolve merges cmd's flags over TYPEMUX_CC_* environment variables
// over the package defaults, the same flag/env precedence toolhive's
// root command builds with viper.BindPFlag + AutomaticEnv for
// --debug/--config, generalized here from a boolean pair to this
// proxy's five tunables (plus RUST_LOG bound to its own key, since it
// doesn't carry the TYPEMUX_CC prefix).
func Resolve(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TYPEMUX_CC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("log-level", "RUST_LOG"); err != nil {
		return Config{}, errors.Wrap(err, "binding RUST_LOG")
	}

	v.SetDefault("backend", string(DefaultBackend))
	v.SetDefault("max-backends", DefaultMaxBackends)
	v.SetDefault("backend-ttl", DefaultBackendTTLSeconds)
	v.SetDefault("warmup-timeout", DefaultWarmupTimeoutSeconds)
	v.SetDefault("log-file", "")
	v.SetDefault("log-level", DefaultLogLevel)

	for _, name := range boundFlags {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(name, f); err != nil {
			return Config{}, errors.Wrapf(err, "binding --%s", name)
		}
	}

	cfg := Config{
		Backend:       backend.Kind(v.GetString("backend")),
		MaxBackends:   v.GetInt("max-backends"),
		BackendTTL:    time.Duration(v.GetInt("backend-ttl")) * time.Second,
		WarmupTimeout: time.Duration(v.GetInt("warmup-timeout")) * time.Second,
		LogFile:       v.GetString("log-file"),
		LogLevel:      v.GetString("log-level"),
	}

	if _, err := backend.ParseKind(string(cfg.Backend)); err != nil {
		return Config{}, err
	}
	if cfg.MaxBackends < 1 {
		return Config{}, errors.Errorf("max-backends must be >= 1, got %d", cfg.MaxBackends)
	}
	if cfg.BackendTTL < 0 {
		return Config{}, errors.Errorf("backend-ttl must be >= 0, got %s", cfg.BackendTTL)
	}
	if cfg.WarmupTimeout < 0 {
		return Config{}, errors.Errorf("warmup-timeout must be >= 0, got %s", cfg.WarmupTimeout)
	}

	return cfg, nil
}
