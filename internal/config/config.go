// Package config loads ensemble.yaml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when neither --config nor ENSEMBLE_CONFIG is set.
const DefaultPath = "ensemble.yaml"

// Conductor kinds.
const (
	ConductorSim       = "sim"
	ConductorWebSocket = "websocket"
	ConductorNATS      = "nats"
)

// Report formats.
const (
	FormatTAP  = "tap"
	FormatJSON = "json"
)

type Config struct {
	App       AppConfig       `yaml:"app"`
	Conductor ConductorConfig `yaml:"conductor"`
	Network   NetworkConfig   `yaml:"network"`
	LocalOnly bool            `yaml:"local_only"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Parallel  int             `yaml:"parallel"`
	Report    ReportConfig    `yaml:"report"`
	Schema    SchemaConfig    `yaml:"schema"`
	NATS      NATSConfig      `yaml:"nats"`
	Serve     ServeConfig     `yaml:"serve"`
}

type AppConfig struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

type ConductorConfig struct {
	Kind             string        `yaml:"kind"`
	URL              string        `yaml:"url"`
	Subject          string        `yaml:"subject"`
	PropagationDelay time.Duration `yaml:"propagation_delay"`
	Partitioned      bool          `yaml:"partitioned"`
}

type NetworkConfig struct {
	Mode string `yaml:"mode"`
	URL  string `yaml:"url"`
}

type TimeoutsConfig struct {
	Scenario    time.Duration `yaml:"scenario"`
	Consistency time.Duration `yaml:"consistency"`
	Call        time.Duration `yaml:"call"`
	Teardown    time.Duration `yaml:"teardown"`
}

type ReportConfig struct {
	Format      string      `yaml:"format"`
	History     string      `yaml:"history"`
	MetricsFile string      `yaml:"metrics_file"`
	Redis       RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

type SchemaConfig struct {
	Files  []string `yaml:"files"`
	Strict bool     `yaml:"strict"`
}

type NATSConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ServeConfig struct {
	Listen string `yaml:"listen"`
	// NATS also serves the conductor on an embedded NATS bus.
	NATS bool `yaml:"nats"`
}

func defaults() Config {
	return Config{
		App: AppConfig{
			Name: "course_dna",
		},
		Conductor: ConductorConfig{
			Kind:             ConductorSim,
			Subject:          "default",
			PropagationDelay: 50 * time.Millisecond,
		},
		Network: NetworkConfig{
			Mode: "local",
		},
		Timeouts: TimeoutsConfig{
			Scenario:    30 * time.Second,
			Consistency: 10 * time.Second,
			Teardown:    10 * time.Second,
		},
		Parallel: 1,
		Report: ReportConfig{
			Format: FormatTAP,
			Redis: RedisConfig{
				Stream: "ensemble:events",
			},
		},
		NATS: NATSConfig{
			Host: "127.0.0.1",
			Port: 4222,
		},
		Serve: ServeConfig{
			Listen: "127.0.0.1:9000",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

// Load reads the configuration file at path, or at ENSEMBLE_CONFIG, or
// at DefaultPath. A missing file is an error only when its path was
// given explicitly.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = os.Getenv("ENSEMBLE_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// No file; defaults and environment only.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes data over the defaults without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := defaults()
	if err := decode(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks enumerations and ranges.
func (c *Config) Validate() error {
	switch c.Conductor.Kind {
	case ConductorSim, ConductorNATS:
	case ConductorWebSocket:
		if c.Conductor.URL == "" {
			return fmt.Errorf("conductor.url is required for kind %q", c.Conductor.Kind)
		}
	default:
		return fmt.Errorf("conductor.kind: unknown kind %q (want sim, websocket or nats)", c.Conductor.Kind)
	}
	switch c.Network.Mode {
	case "local", "sim2h":
	default:
		return fmt.Errorf("network.mode: unknown mode %q (want local or sim2h)", c.Network.Mode)
	}
	switch c.Report.Format {
	case FormatTAP, FormatJSON:
	default:
		return fmt.Errorf("report.format: unknown format %q (want tap or json)", c.Report.Format)
	}
	if c.Parallel < 1 {
		return fmt.Errorf("parallel must be at least 1, got %d", c.Parallel)
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"timeouts.scenario", c.Timeouts.Scenario},
		{"timeouts.consistency", c.Timeouts.Consistency},
		{"timeouts.call", c.Timeouts.Call},
		{"timeouts.teardown", c.Timeouts.Teardown},
		{"conductor.propagation_delay", c.Conductor.PropagationDelay},
	}
	for _, v := range durations {
		if v.d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", v.name, v.d)
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ENSEMBLE_CONDUCTOR"); v != "" {
		cfg.Conductor.Kind = v
	}
	if v := os.Getenv("ENSEMBLE_CONDUCTOR_URL"); v != "" {
		cfg.Conductor.URL = v
	}
	if v := os.Getenv("ENSEMBLE_NETWORK"); v != "" {
		cfg.Network.Mode = v
	}
	if v := os.Getenv("ENSEMBLE_NETWORK_URL"); v != "" {
		cfg.Network.URL = v
	}
	if v := os.Getenv("ENSEMBLE_HISTORY"); v != "" {
		cfg.Report.History = v
	}
	if v := os.Getenv("ENSEMBLE_REDIS_ADDR"); v != "" {
		cfg.Report.Redis.Addr = v
	}
	if v := os.Getenv("ENSEMBLE_LOCAL_ONLY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ENSEMBLE_LOCAL_ONLY: %w", err)
		}
		cfg.LocalOnly = b
	}
	if v := os.Getenv("ENSEMBLE_PARALLEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ENSEMBLE_PARALLEL: %w", err)
		}
		cfg.Parallel = n
	}
	if v := os.Getenv("ENSEMBLE_NATS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ENSEMBLE_NATS_PORT: %w", err)
		}
		cfg.NATS.Port = port
	}
	for env, dst := range map[string]*time.Duration{
		"ENSEMBLE_SCENARIO_TIMEOUT":    &cfg.Timeouts.Scenario,
		"ENSEMBLE_CONSISTENCY_TIMEOUT": &cfg.Timeouts.Consistency,
		"ENSEMBLE_PROPAGATION_DELAY":   &cfg.Conductor.PropagationDelay,
	} {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", env, err)
			}
			*dst = d
		}
	}
	return nil
}

// NATSURL is the conductor URL for kind nats, falling back to the
// configured bus address.
func (c *Config) NATSURL() string {
	if c.Conductor.URL != "" {
		return c.Conductor.URL
	}
	return fmt.Sprintf("nats://%s:%d", c.NATS.Host, c.NATS.Port)
}
