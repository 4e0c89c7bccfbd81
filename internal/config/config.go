// Package config loads the leasepool configuration file.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/leasepool/internal/pool"
)

// Backends a queue binding can name.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Handlers the run command knows.
const (
	HandlerEcho = "echo"
	HandlerExec = "exec"
)

var (
	// ErrUnknownBinding is returned for a queue binding with an unknown backend.
	ErrUnknownBinding = errors.New("unknown queue binding")
	// ErrUnknownErrorKind is returned for a retry_on or on_error entry naming no
	// known error kind.
	ErrUnknownErrorKind = errors.New("unknown error kind")
)

// Config holds the leasepool configuration.
type Config struct {
	// DBPath is the SQLite database holding the queues and the audit log.
	DBPath string `yaml:"db_path"`
	// RedisAddr is required when a binding names the redis backend.
	RedisAddr string `yaml:"redis_addr"`
	// Listen is the API address. Empty disables the API.
	Listen string `yaml:"listen"`
	// Verbosity is the logr V level logged.
	Verbosity int `yaml:"verbosity"`

	// Input is the queue the pool is attached to, as backend:name.
	Input string `yaml:"input"`
	// Outputs receive every derived message, in order.
	Outputs []string `yaml:"outputs"`
	Handler HandlerConfig `yaml:"handler"`
	// RetryOn names the error kinds retried with the pool defaults.
	RetryOn []string `yaml:"retry_on"`
	// OnError routes terminal failures by error kind. The first match wins.
	OnError []RouteConfig `yaml:"on_error"`
	// PromoteInterval is how often delayed redis pushes are promoted.
	PromoteInterval time.Duration `yaml:"promote_interval"`

	Pool pool.Config `yaml:"pool"`
}

// HandlerConfig selects the message handler.
type HandlerConfig struct {
	// Name is echo or exec.
	Name string `yaml:"name"`
	// Allowlist is the commands the exec handler may run.
	Allowlist []string `yaml:"allowlist"`
	// Timeout bounds one exec run. Zero means no limit beyond the session.
	Timeout time.Duration `yaml:"timeout"`
}

// RouteConfig routes terminal failures of one error kind to a queue.
type RouteConfig struct {
	Error string        `yaml:"error"`
	Queue string        `yaml:"queue"`
	Delay time.Duration `yaml:"delay"`
}

// Binding is a parsed backend:name queue reference.
type Binding struct {
	Backend string
	Name    string
}

func (b Binding) String() string {
	return b.Backend + ":" + b.Name
}

// ParseBinding parses a queue reference. A bare name is a SQLite queue.
func ParseBinding(ref string) (Binding, error) {
	backend, name, ok := strings.Cut(ref, ":")
	if !ok {
		backend, name = BackendSQLite, ref
	}
	if name == "" {
		return Binding{}, fmt.Errorf("%w: %q has no queue name", ErrUnknownBinding, ref)
	}
	switch backend {
	case BackendSQLite, BackendRedis:
		return Binding{Backend: backend, Name: name}, nil
	}
	return Binding{}, fmt.Errorf("%w: %q", ErrUnknownBinding, ref)
}

// Kinds maps error kind names to matchers.
type Kinds map[string]pool.ErrorMatcher

// DefaultKinds returns the error kinds every handler can produce.
func DefaultKinds() Kinds {
	return Kinds{
		"any":      pool.MatchAny(),
		"timeout":  pool.MatchIs(context.DeadlineExceeded),
		"canceled": pool.MatchIs(context.Canceled),
	}
}

// Merge returns a copy of k extended with other.
func (k Kinds) Merge(other Kinds) Kinds {
	out := make(Kinds, len(k)+len(other))
	for name, m := range k {
		out[name] = m
	}
	for name, m := range other {
		out[name] = m
	}
	return out
}

// DefaultPath is ~/.leasepool/config.yaml, or a relative fallback.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "leasepool.yaml"
	}
	return filepath.Join(home, ".leasepool", "config.yaml")
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	dbPath := "leasepool.db"
	if home, err := os.UserHomeDir(); err == nil {
		dbPath = filepath.Join(home, ".leasepool", "leasepool.db")
	}
	return &Config{
		DBPath:          dbPath,
		Listen:          "127.0.0.1:7480",
		Input:           "sqlite:jobs",
		Outputs:         []string{"sqlite:results"},
		Handler:         HandlerConfig{Name: HandlerEcho},
		PromoteInterval: time.Second,
		Pool:            pool.DefaultConfig(),
	}
}

// LoadConfig loads configuration from a YAML file over the defaults. A missing
// file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid. Error kind names are
// checked when they are resolved.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	refs := append([]string{c.Input}, c.Outputs...)
	for _, r := range c.OnError {
		refs = append(refs, r.Queue)
	}
	for _, ref := range refs {
		b, err := ParseBinding(ref)
		if err != nil {
			return err
		}
		if b.Backend == BackendRedis && c.RedisAddr == "" {
			return fmt.Errorf("%s needs redis_addr", b)
		}
	}
	if in, _ := ParseBinding(c.Input); in.Backend != BackendSQLite {
		return fmt.Errorf("input must be a sqlite queue, got %s", in)
	}

	switch c.Handler.Name {
	case HandlerEcho:
	case HandlerExec:
		if len(c.Handler.Allowlist) == 0 {
			return fmt.Errorf("exec handler needs an allowlist")
		}
	default:
		return fmt.Errorf("invalid handler %q, must be: echo or exec", c.Handler.Name)
	}

	for i, r := range c.OnError {
		if r.Error == "" {
			return fmt.Errorf("on_error route %d needs an error kind", i)
		}
		if r.Delay < 0 {
			return fmt.Errorf("on_error route %d has a negative delay", i)
		}
	}
	if c.PromoteInterval <= 0 {
		return fmt.Errorf("promote_interval must be positive")
	}
	return c.Pool.Validate()
}

// Bindings returns every queue binding in use: the input, the outputs and the
// error routes, without duplicates.
func (c *Config) Bindings() []Binding {
	seen := map[Binding]bool{}
	var out []Binding
	refs := append([]string{c.Input}, c.Outputs...)
	for _, r := range c.OnError {
		refs = append(refs, r.Queue)
	}
	for _, ref := range refs {
		b, err := ParseBinding(ref)
		if err != nil || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return out
}

// NeedsRedis reports whether any binding uses the redis backend.
func (c *Config) NeedsRedis() bool {
	for _, b := range c.Bindings() {
		if b.Backend == BackendRedis {
			return true
		}
	}
	return false
}

// RetryMatchers resolves retry_on against kinds.
func (c *Config) RetryMatchers(kinds Kinds) ([]pool.ErrorMatcher, error) {
	matchers := make([]pool.ErrorMatcher, 0, len(c.RetryOn))
	for _, name := range c.RetryOn {
		m, ok := kinds[name]
		if !ok {
			return nil, fmt.Errorf("%w: retry_on %q", ErrUnknownErrorKind, name)
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}

// Route is an on_error entry with its error kind resolved.
type Route struct {
	Name    string
	Match   pool.ErrorMatcher
	Binding Binding
	Delay   time.Duration
}

// Routes resolves on_error against kinds.
func (c *Config) Routes(kinds Kinds) ([]Route, error) {
	routes := make([]Route, 0, len(c.OnError))
	for _, r := range c.OnError {
		m, ok := kinds[r.Error]
		if !ok {
			return nil, fmt.Errorf("%w: on_error %q", ErrUnknownErrorKind, r.Error)
		}
		b, err := ParseBinding(r.Queue)
		if err != nil {
			return nil, err
		}
		routes = append(routes, Route{Name: r.Error, Match: m, Binding: b, Delay: r.Delay})
	}
	return routes, nil
}
