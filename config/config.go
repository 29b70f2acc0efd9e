// Package config loads arena settings from YAML with ARENA_* environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/realm-runner/errors"
	"github.com/wippyai/realm-runner/orchestrator"
	"github.com/wippyai/realm-runner/realm"
	"github.com/wippyai/realm-runner/stepper"
)

// Transport kinds.
const (
	TransportInproc    = "inproc"
	TransportProcess   = "process"
	TransportWebsocket = "websocket"
)

// Duration reads "250ms" style strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Play         PlayConfig         `yaml:"play"`
	Realm        RealmConfig        `yaml:"realm"`
	Transport    TransportConfig    `yaml:"transport"`
	Store        StoreConfig        `yaml:"store"`
	Serve        ServeConfig        `yaml:"serve"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type OrchestratorConfig struct {
	Ceiling int    `yaml:"ceiling"`
	Policy  string `yaml:"policy"` // ignore, exclude, teardown
}

type PlayConfig struct {
	Delay     Duration `yaml:"delay"`
	Speed     int      `yaml:"speed"`
	Checkback Duration `yaml:"checkback"`
}

type RealmConfig struct {
	MemoryLimit     uint64   `yaml:"memory_limit"`
	CallTimeout     Duration `yaml:"call_timeout"`
	AllowedPackages []string `yaml:"allowed_packages"`
}

type TransportConfig struct {
	Kind    string   `yaml:"kind"`
	Command []string `yaml:"command"` // process: argv of the worker
	URL     string   `yaml:"url"`     // websocket
}

type StoreConfig struct {
	// Path of the SQLite file; empty keeps records in memory.
	Path string `yaml:"path"`
}

type ServeConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{Ceiling: 4, Policy: string(orchestrator.PolicyExclude)},
		Play: PlayConfig{
			Delay:     Duration(100 * time.Millisecond),
			Speed:     10,
			Checkback: Duration(50 * time.Millisecond),
		},
		Realm: RealmConfig{
			MemoryLimit: realm.DefaultMemoryLimit,
			CallTimeout: Duration(realm.DefaultCallTimeout),
		},
		Transport: TransportConfig{Kind: TransportInproc},
		Serve:     ServeConfig{Addr: "127.0.0.1:8765"},
		Logging:   LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates. A missing file or empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "read config")
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "parse config")
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from ARENA_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, key)
			}
			*dst = n
		}
		return nil
	}
	dur := func(key string, dst *Duration) error {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, key)
			}
			*dst = Duration(d)
		}
		return nil
	}

	str("ARENA_POLICY", &c.Orchestrator.Policy)
	str("ARENA_TRANSPORT", &c.Transport.Kind)
	str("ARENA_WORKER_URL", &c.Transport.URL)
	str("ARENA_STORE", &c.Store.Path)
	str("ARENA_ADDR", &c.Serve.Addr)
	str("ARENA_LOG_LEVEL", &c.Logging.Level)

	for _, f := range []func() error{
		func() error { return num("ARENA_CEILING", &c.Orchestrator.Ceiling) },
		func() error { return num("ARENA_SPEED", &c.Play.Speed) },
		func() error { return dur("ARENA_DELAY", &c.Play.Delay) },
		func() error { return dur("ARENA_CHECKBACK", &c.Play.Checkback) },
		func() error { return dur("ARENA_CALL_TIMEOUT", &c.Realm.CallTimeout) },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	if v, ok := lookup("ARENA_MEMORY_LIMIT"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "ARENA_MEMORY_LIMIT")
		}
		c.Realm.MemoryLimit = n
	}
	return nil
}

// Validate checks ranges and names.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf(format, args...))
	}
	if c.Orchestrator.Ceiling < 1 {
		return invalid("orchestrator.ceiling must be at least 1, got %d", c.Orchestrator.Ceiling)
	}
	if _, err := orchestrator.ParsePolicy(c.Orchestrator.Policy); err != nil {
		return err
	}
	if c.Play.Speed < 0 {
		return invalid("play.speed must not be negative, got %d", c.Play.Speed)
	}
	if c.Play.Delay < 0 || c.Play.Checkback < 0 {
		return invalid("play durations must not be negative")
	}
	if c.Realm.CallTimeout <= 0 {
		return invalid("realm.call_timeout must be positive")
	}
	switch c.Transport.Kind {
	case TransportInproc:
	case TransportProcess:
		if len(c.Transport.Command) == 0 {
			return invalid("transport.command is required for the process transport")
		}
	case TransportWebsocket:
		if c.Transport.URL == "" {
			return invalid("transport.url is required for the websocket transport")
		}
	default:
		return invalid("unknown transport %q", c.Transport.Kind)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level: %v", err)
	}
	return nil
}

func (c *Config) PlayConfig() stepper.PlayConfig {
	return stepper.PlayConfig{Delay: c.Play.Delay.D(), Speed: c.Play.Speed, Checkback: c.Play.Checkback.D()}
}

func (c *Config) RealmConfig() realm.Config {
	return realm.Config{
		MemoryLimitBytes: c.Realm.MemoryLimit,
		CallTimeout:      c.Realm.CallTimeout.D(),
		AllowedPackages:  c.Realm.AllowedPackages,
	}
}

// Logger builds the process logger described by the logging section.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Logging.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	// stdout carries the worker protocol.
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
