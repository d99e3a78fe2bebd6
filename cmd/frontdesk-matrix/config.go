// ABOUTME: Configuration loading for the frontdesk Matrix adapter
// ABOUTME: Loads TOML config from XDG path with environment variable expansion

package main

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Matrix  MatrixConfig  `toml:"matrix"`
	Backend BackendConfig `toml:"backend"`
	Bridge  BridgeConfig  `toml:"bridge"`
	Logging LoggingConfig `toml:"logging"`
}

type MatrixConfig struct {
	Homeserver  string `toml:"homeserver"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	RecoveryKey string `toml:"recovery_key"`
}

// BackendConfig points at the frontdesk HTTP API.
type BackendConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

type BridgeConfig struct {
	// QueueRoom receives a notification for every new conversation.
	QueueRoom       string `toml:"queue_room"`
	CommandPrefix   string `toml:"command_prefix"`
	TypingIndicator bool   `toml:"typing_indicator"`
	// AutoJoin accepts room invites so customers can open a DM.
	AutoJoin bool `toml:"auto_join"`
	// DedupeTTL bounds how long a Matrix event ID is remembered.
	DedupeTTL string `toml:"dedupe_ttl"`

	dedupeTTL time.Duration
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

const defaultCommandPrefix = "!"

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(string(data))
}

// Parse is Load without the file read.
func Parse(data string) (*Config, error) {
	var cfg Config
	if _, err := toml.Decode(expandEnvVars(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Bridge.CommandPrefix == "" {
		cfg.Bridge.CommandPrefix = defaultCommandPrefix
	}
	cfg.Bridge.dedupeTTL = 10 * time.Minute
	if cfg.Bridge.DedupeTTL != "" {
		d, err := time.ParseDuration(cfg.Bridge.DedupeTTL)
		if err != nil {
			return nil, fmt.Errorf("parsing bridge.dedupe_ttl: %w", err)
		}
		cfg.Bridge.dedupeTTL = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that required config fields are present and valid.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	if _, err := url.Parse(c.Matrix.Homeserver); err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if c.Matrix.Username == "" {
		return fmt.Errorf("matrix.username is required")
	}
	if c.Matrix.Password == "" {
		return fmt.Errorf("matrix.password is required")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend.url must use http or https scheme")
	}
	if c.Backend.Token == "" {
		return fmt.Errorf("backend.token is required (see `frontdesk token service matrix`)")
	}
	if c.Bridge.dedupeTTL <= 0 {
		return fmt.Errorf("bridge.dedupe_ttl must be positive")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}
