// Package config handles arrowhead configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/arrowhead/config.yaml, /etc/arrowhead/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "arrowhead", "config.yaml"))
	}

	paths = append(paths, "/etc/arrowhead/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all arrowhead configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Features FeaturesConfig `yaml:"features"`
	Plugins  PluginsConfig  `yaml:"plugins"`
	Stats    StatsConfig    `yaml:"stats"`
	LogLevel string         `yaml:"log_level"`
}

// ServerConfig selects the transport used to reach the MCP server and
// its transport-specific parameters. Exactly one transport is active,
// chosen by Transport.
type ServerConfig struct {
	// Transport is one of: stdio, tcp, websocket, process.
	Transport string `yaml:"transport"`
	// Address is the host:port for tcp.
	Address string `yaml:"address"`
	// URL is the endpoint for websocket (ws://, wss://; http(s) is
	// normalized).
	URL string `yaml:"url"`
	// Command and Args launch the server for the process transport.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	// StopGraceSec is how long to wait for a spawned server to exit
	// after stdin closes before it is killed (default 5).
	StopGraceSec int `yaml:"stop_grace_sec"`
}

// ClientConfig tunes handshake and per-request behavior.
type ClientConfig struct {
	// Identity is the client name sent during initialization.
	Identity string `yaml:"identity"`
	// Versions are the protocol versions offered during negotiation,
	// e.g. ["1.1.0", "1.0.0"]. Empty means the built-in set.
	Versions []string `yaml:"versions"`
	// TimeoutMS is the per-request timeout in milliseconds (default 30000).
	TimeoutMS int `yaml:"timeout_ms"`
	// MaxRetries is how many times transient failures are retried
	// (default 0: no retry).
	MaxRetries int `yaml:"max_retries"`
	// RetryBackoffMS is the base linear backoff between retries.
	RetryBackoffMS int `yaml:"retry_backoff_ms"`
	// ToolTTLMS is how long discovered tool metadata stays fresh
	// before a call triggers revalidation (default 300000).
	ToolTTLMS int `yaml:"tool_ttl_ms"`
	// MethodAliases maps canonical method names to legacy fallbacks
	// tried on "method not found". Merged over the built-in table.
	MethodAliases map[string]string `yaml:"method_aliases"`
}

// FeaturesConfig seeds the feature-flag registry.
type FeaturesConfig struct {
	// Defaults apply when neither a local override nor the server
	// announces the flag.
	Defaults map[string]bool `yaml:"defaults"`
	// Overrides take precedence over everything the server announces.
	Overrides map[string]bool `yaml:"overrides"`
}

// PluginsConfig lists plugin descriptors loaded at startup.
type PluginsConfig struct {
	// Load is a list of descriptor file paths.
	Load []string `yaml:"load"`
}

// StatsConfig controls persistent usage statistics.
type StatsConfig struct {
	// Database is the SQLite file path; empty disables persistence.
	Database string `yaml:"database"`
}

// Timeout returns the per-request timeout as a duration.
func (c ClientConfig) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// RetryBackoff returns the base backoff as a duration.
func (c ClientConfig) RetryBackoff() time.Duration {
	if c.RetryBackoffMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// ToolTTL returns the tool metadata freshness window as a duration.
func (c ClientConfig) ToolTTL() time.Duration {
	if c.ToolTTLMS <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.ToolTTLMS) * time.Millisecond
}

// StopGrace returns the process-transport shutdown grace period.
func (s ServerConfig) StopGrace() time.Duration {
	if s.StopGraceSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(s.StopGraceSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "stdio",
		},
		Client: ClientConfig{
			Identity: "arrowhead",
		},
	}
}

func (c *Config) validate() error {
	switch c.Server.Transport {
	case "", "stdio":
	case "tcp":
		if c.Server.Address == "" {
			return fmt.Errorf("tcp transport requires server.address")
		}
	case "websocket":
		if c.Server.URL == "" {
			return fmt.Errorf("websocket transport requires server.url")
		}
	case "process":
		if c.Server.Command == "" {
			return fmt.Errorf("process transport requires server.command")
		}
	default:
		return fmt.Errorf("unknown transport %q (valid: stdio, tcp, websocket, process)", c.Server.Transport)
	}
	return nil
}
