package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration loaded from config.toml.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Seed     SeedConfig     `toml:"seed"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	History  HistoryConfig  `toml:"history"`
}

// ServerConfig locates the system under test.
type ServerConfig struct {
	// WebSocket socket endpoint of the service.
	URL string `toml:"url"`
	// Channel topic to join.
	Topic string `toml:"topic"`
}

// SeedConfig describes the external data-injection command. The generated
// publish script is appended as the final argument.
type SeedConfig struct {
	Command []string `toml:"command"`
	// Optional YAML fixtures file; empty means the built-in pattern set.
	Fixtures string `toml:"fixtures,omitempty"`
}

// TimeoutsConfig holds per-step deadlines in seconds.
type TimeoutsConfig struct {
	JoinSeconds    int `toml:"join_seconds"`
	RequestSeconds int `toml:"request_seconds"`
	IndexSeconds   int `toml:"index_seconds"`
	ListenSeconds  int `toml:"listen_seconds"`
}

// HistoryConfig controls the scenario-run store.
type HistoryConfig struct {
	// Disabled turns off run recording entirely.
	Disabled bool `toml:"disabled"`
}

// Join returns the join deadline.
func (t TimeoutsConfig) Join() time.Duration { return time.Duration(t.JoinSeconds) * time.Second }

// Request returns the request/reply deadline.
func (t TimeoutsConfig) Request() time.Duration {
	return time.Duration(t.RequestSeconds) * time.Second
}

// Index returns the poll-until-indexed window.
func (t TimeoutsConfig) Index() time.Duration { return time.Duration(t.IndexSeconds) * time.Second }

// Listen returns the passive listen window.
func (t TimeoutsConfig) Listen() time.Duration {
	return time.Duration(t.ListenSeconds) * time.Second
}

// Default returns the configuration matching the service's local dev setup.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:   "ws://127.0.0.1:4000/socket/websocket",
			Topic: "patterns:stream",
		},
		Seed: SeedConfig{
			Command: []string{"elixir", "-e"},
		},
		Timeouts: TimeoutsConfig{
			JoinSeconds:    5,
			RequestSeconds: 5,
			IndexSeconds:   10,
			ListenSeconds:  15,
		},
	}
}

// Load reads config.toml from dataDir (if present), applies environment
// variable overrides, and validates the result.
func Load(dataDir string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(dataDir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if url := os.Getenv("PP_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if topic := os.Getenv("PP_TOPIC"); topic != "" {
		cfg.Server.Topic = topic
	}
	if cmd := os.Getenv("PP_SEED_COMMAND"); cmd != "" {
		cfg.Seed.Command = strings.Fields(cmd)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the parts of the config every scenario relies on.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server url must be ws:// or wss://, got %q", c.Server.URL)
	}
	if c.Server.Topic == "" {
		return fmt.Errorf("server topic must not be empty")
	}
	if len(c.Seed.Command) == 0 {
		return fmt.Errorf("seed command must not be empty")
	}
	return nil
}

// BaseHTTPURL derives the plain HTTP base URL from the WebSocket endpoint,
// used for the server-reachability preflight.
func (c *Config) BaseHTTPURL() string {
	url := c.Server.URL
	switch {
	case strings.HasPrefix(url, "wss://"):
		url = "https://" + strings.TrimPrefix(url, "wss://")
	case strings.HasPrefix(url, "ws://"):
		url = "http://" + strings.TrimPrefix(url, "ws://")
	}
	// Strip the socket path, keep scheme://host:port.
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		rest = rest[:i]
	}
	return scheme + "://" + rest
}

// DataDir returns the harness data directory, honoring PP_DATA_DIR.
func DataDir() string {
	if dir := os.Getenv("PP_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".patternprobe"
	}
	return filepath.Join(home, ".patternprobe")
}
