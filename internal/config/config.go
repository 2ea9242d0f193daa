// Package config loads engine configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Route maps an operation type to a remote endpoint. Paths may contain
// an {id} placeholder filled from the operation payload.
type Route struct {
	Method string `toml:"method"`
	Path   string `toml:"path"`
}

// Config captures everything the engine reads from its config file.
type Config struct {
	DataDir    string `toml:"data_dir"`
	APIBaseURL string `toml:"api_base_url"`
	Bind       string `toml:"bind"`

	// Cache router classification inputs.
	APIPrefixes      []string `toml:"api_prefixes"`
	StaticExtensions []string `toml:"static_extensions"`
	StaticHosts      []string `toml:"static_hosts"`
	OfflineDocument  string   `toml:"offline_document"`

	Coordinator CoordinatorConfig `toml:"coordinator"`
	Queue       QueueConfig       `toml:"queue"`

	// Routes is configuration, not logic: operation type -> endpoint.
	Routes map[string]Route `toml:"routes"`
}

// CoordinatorConfig holds sync coordinator timing knobs.
type CoordinatorConfig struct {
	DebounceMs        int `toml:"debounce_ms"`
	MinRunIntervalMs  int `toml:"min_run_interval_ms"`
	WakeIntervalSec   int `toml:"wake_interval_s"`
	RequestTimeoutSec int `toml:"request_timeout_s"`
}

// QueueConfig holds operation queue policy knobs.
type QueueConfig struct {
	MaxSize     int `toml:"max_size"`
	MaxAttempts int `toml:"max_attempts"`
}

const (
	defaultDataDir    = "./data"
	defaultAPIBaseURL = "http://127.0.0.1:5000"
	defaultBind       = "127.0.0.1:8090"
)

// Default returns the built-in configuration used when no file exists.
func Default() Config {
	return Config{
		DataDir:    defaultDataDir,
		APIBaseURL: defaultAPIBaseURL,
		Bind:       defaultBind,
		APIPrefixes: []string{
			"/api/",
		},
		StaticExtensions: []string{
			".css", ".js", ".png", ".jpg", ".svg", ".ico", ".woff2",
		},
		StaticHosts: []string{
			"cdn.jsdelivr.net", "cdnjs.cloudflare.com", "fonts.googleapis.com", "fonts.gstatic.com",
		},
		Coordinator: CoordinatorConfig{
			DebounceMs:        250,
			MinRunIntervalMs:  700,
			WakeIntervalSec:   60,
			RequestTimeoutSec: 15,
		},
		Queue: QueueConfig{
			MaxSize:     10000,
			MaxAttempts: 5,
		},
		Routes: map[string]Route{
			"create_sale":     {Method: "POST", Path: "/api/sales/create"},
			"create_product":  {Method: "POST", Path: "/api/inventory/products"},
			"update_product":  {Method: "PUT", Path: "/api/inventory/products/{id}"},
			"delete_product":  {Method: "DELETE", Path: "/api/inventory/products/{id}"},
			"create_customer": {Method: "POST", Path: "/api/customers/create"},
			"update_customer": {Method: "PUT", Path: "/api/customers/{id}"},
			"create_expense":  {Method: "POST", Path: "/api/finance/expenses"},
		},
	}
}

// Load parses the config file at path, falling back to defaults when the
// file is missing. An empty path resolves to ./engine.toml.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = "./engine.toml"
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Default()

	file, err := os.Open(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(bytes, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	if strings.TrimSpace(c.APIBaseURL) == "" {
		c.APIBaseURL = def.APIBaseURL
	}
	if strings.TrimSpace(c.Bind) == "" {
		c.Bind = def.Bind
	}
	if len(c.APIPrefixes) == 0 {
		c.APIPrefixes = def.APIPrefixes
	}
	if c.Coordinator.DebounceMs <= 0 {
		c.Coordinator.DebounceMs = def.Coordinator.DebounceMs
	}
	if c.Coordinator.MinRunIntervalMs <= 0 {
		c.Coordinator.MinRunIntervalMs = def.Coordinator.MinRunIntervalMs
	}
	if c.Coordinator.WakeIntervalSec <= 0 {
		c.Coordinator.WakeIntervalSec = def.Coordinator.WakeIntervalSec
	}
	if c.Coordinator.RequestTimeoutSec <= 0 {
		c.Coordinator.RequestTimeoutSec = def.Coordinator.RequestTimeoutSec
	}
	if c.Queue.MaxSize <= 0 {
		c.Queue.MaxSize = def.Queue.MaxSize
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = def.Queue.MaxAttempts
	}
	if len(c.Routes) == 0 {
		c.Routes = def.Routes
	}
}

func (c *Config) validate() error {
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	for op, route := range c.Routes {
		if route.Method == "" || route.Path == "" {
			return fmt.Errorf("route %q: method and path are required", op)
		}
		if !strings.HasPrefix(route.Path, "/") {
			return fmt.Errorf("route %q: path must start with /", op)
		}
	}
	return nil
}

// Debounce returns the trigger debounce window.
func (c CoordinatorConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// MinRunInterval returns the minimum interval between drain runs.
func (c CoordinatorConfig) MinRunInterval() time.Duration {
	return time.Duration(c.MinRunIntervalMs) * time.Millisecond
}

// WakeInterval returns the periodic wake interval.
func (c CoordinatorConfig) WakeInterval() time.Duration {
	return time.Duration(c.WakeIntervalSec) * time.Second
}

// RequestTimeout returns the per-request network timeout.
func (c CoordinatorConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}
