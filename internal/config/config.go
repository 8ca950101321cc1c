// Package config loads the bridge's bootstrap configuration.
//
// Only non-secret settings live here. Client credentials and tokens are read
// from the configured secret store.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Secret store backends.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendGCP      = "gcp"
)

// ErrInvalidConfig is returned by Validate when a required setting is missing or malformed.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration document.
type Config struct {
	LogLevel string        `toml:"log_level"`
	Server   ServerConfig  `toml:"server"`
	Spotify  SpotifyConfig `toml:"spotify"`
	Secrets  SecretsConfig `toml:"secrets"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr          string  `toml:"addr"`
	AllowedOrigin string  `toml:"allowed_origin"`
	RateLimit     float64 `toml:"rate_limit"` // requests per second on the read endpoint, 0 disables
	Burst         int     `toml:"burst"`
}

// SpotifyConfig holds provider endpoints. Credentials are not part of it.
type SpotifyConfig struct {
	RedirectURI string   `toml:"redirect_uri"`
	AuthURL     string   `toml:"auth_url"`
	TokenURL    string   `toml:"token_url"`
	APIURL      string   `toml:"api_url"`
	Timeout     Duration `toml:"timeout"`
}

// SecretsConfig selects and addresses the secret store.
type SecretsConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"` // file and sqlite backends
	DSN     string `toml:"dsn"`  // postgres backend
	Name    string `toml:"name"` // record key; full resource name for gcp
	Lock    bool   `toml:"lock"` // postgres only: serialize refreshes across instances
}

// Duration is a time.Duration that decodes from strings such as "10s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration described by the embedded example file.
func Default() *Config {
	var cfg Config
	if err := toml.Unmarshal(exampleConf, &cfg); err != nil {
		panic(fmt.Sprintf("parsing embedded default config: %v", err))
	}
	return &cfg
}

// Load reads the TOML file at path on top of the defaults and applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overrides settings from RP_* environment variables.
func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString("RP_LOG_LEVEL", &c.LogLevel)
	setString("RP_ADDR", &c.Server.Addr)
	setString("RP_ALLOWED_ORIGIN", &c.Server.AllowedOrigin)
	setString("RP_REDIRECT_URI", &c.Spotify.RedirectURI)
	setString("RP_SECRETS_BACKEND", &c.Secrets.Backend)
	setString("RP_SECRETS_PATH", &c.Secrets.Path)
	setString("RP_SECRETS_DSN", &c.Secrets.DSN)
	setString("RP_SECRETS_NAME", &c.Secrets.Name)

	if v := os.Getenv("RP_RATE_LIMIT"); v != "" {
		limit, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: RP_RATE_LIMIT: %v", ErrInvalidConfig, err)
		}
		c.Server.RateLimit = limit
	}

	if v := os.Getenv("RP_SPOTIFY_TIMEOUT"); v != "" {
		if err := c.Spotify.Timeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%w: RP_SPOTIFY_TIMEOUT: %v", ErrInvalidConfig, err)
		}
	}

	return nil
}

// Validate checks that every setting needed to start the server is present.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	case c.Spotify.RedirectURI == "":
		return fmt.Errorf("%w: spotify.redirect_uri is required", ErrInvalidConfig)
	case c.Spotify.TokenURL == "" || c.Spotify.AuthURL == "" || c.Spotify.APIURL == "":
		return fmt.Errorf("%w: spotify endpoints are required", ErrInvalidConfig)
	case c.Spotify.Timeout.Duration <= 0:
		return fmt.Errorf("%w: spotify.timeout must be positive", ErrInvalidConfig)
	case c.Server.RateLimit < 0:
		return fmt.Errorf("%w: server.rate_limit must not be negative", ErrInvalidConfig)
	}

	switch c.Secrets.Backend {
	case BackendFile, BackendSQLite:
		if c.Secrets.Path == "" {
			return fmt.Errorf("%w: secrets.path is required for the %s backend", ErrInvalidConfig, c.Secrets.Backend)
		}
	case BackendPostgres:
		if c.Secrets.DSN == "" {
			return fmt.Errorf("%w: secrets.dsn is required for the postgres backend", ErrInvalidConfig)
		}
	case BackendGCP:
	default:
		return fmt.Errorf("%w: unknown secrets backend %q", ErrInvalidConfig, c.Secrets.Backend)
	}

	if c.Secrets.Name == "" {
		return fmt.Errorf("%w: secrets.name is required", ErrInvalidConfig)
	}
	if c.Secrets.Lock && c.Secrets.Backend != BackendPostgres {
		return fmt.Errorf("%w: secrets.lock requires the postgres backend", ErrInvalidConfig)
	}

	return nil
}
