// Package config loads taskstream configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the TASKSTREAM_CONFIG environment variable. Without either, defaults are
// used. Command-line flags override file values afterwards.
package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ricochet1k/taskstream/internal/transport"
)

const EnvConfig = "TASKSTREAM_CONFIG"

type Config struct {
	Server  ServerConfig            `yaml:"server"`
	Auth    AuthConfig              `yaml:"auth"`
	Session SessionConfig           `yaml:"session"`
	Backoff transport.BackoffConfig `yaml:"backoff"`
	Log     LogConfig               `yaml:"log"`
	Echo    EchoConfig              `yaml:"echo"`
}

type ServerConfig struct {
	// URL is the realtime websocket endpoint.
	URL string `yaml:"url"`
	// API is the base URL of the REST fallback.
	API string `yaml:"api"`
}

type AuthConfig struct {
	Token     string    `yaml:"token"`
	ExpiresAt time.Time `yaml:"expires_at"`
	LoginURL  string    `yaml:"login_url"`
	// ReturnPathFile receives the viewed path when a login redirect happens.
	ReturnPathFile string `yaml:"return_path_file"`
}

type SessionConfig struct {
	AckTimeout    time.Duration `yaml:"ack_timeout"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// PollInterval enables REST polling while disconnected. Zero disables it.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Retention is how long finished generations stay in the stream cache.
	Retention time.Duration `yaml:"retention"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "console" or "json".
	Format string `yaml:"format"`
}

// EchoConfig configures the development backend.
type EchoConfig struct {
	Addr string `yaml:"addr"`
	// DataDir holds the JSONL message logs. Empty keeps history in memory.
	DataDir string `yaml:"data_dir"`
	// Tokens are the accepted bearer tokens. Empty accepts any non-empty token.
	Tokens     []string      `yaml:"tokens"`
	ChunkDelay time.Duration `yaml:"chunk_delay"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL: "ws://localhost:8080/ws",
			API: "http://localhost:8080",
		},
		Session: SessionConfig{
			AckTimeout:    10 * time.Second,
			ProbeInterval: 10 * time.Second,
			SweepInterval: time.Minute,
			PollInterval:  15 * time.Second,
			Retention:     5 * time.Minute,
		},
		Backoff: transport.DefaultBackoffConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Echo: EchoConfig{
			Addr:       ":8080",
			ChunkDelay: 40 * time.Millisecond,
		},
	}
}

// Load reads path, or the file named by TASKSTREAM_CONFIG when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if err := checkURL("server.url", c.Server.URL, "ws", "wss"); err != nil {
		errs = append(errs, err)
	}
	if c.Server.API != "" {
		if err := checkURL("server.api", c.Server.API, "http", "https"); err != nil {
			errs = append(errs, err)
		}
	}
	for name, d := range map[string]time.Duration{
		"session.ack_timeout":    c.Session.AckTimeout,
		"session.probe_interval": c.Session.ProbeInterval,
		"session.sweep_interval": c.Session.SweepInterval,
		"session.retention":      c.Session.Retention,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Session.PollInterval < 0 {
		errs = append(errs, errors.New("session.poll_interval must not be negative"))
	}
	if c.Backoff.Max > 0 && c.Backoff.Initial > c.Backoff.Max {
		errs = append(errs, errors.New("backoff.initial must not exceed backoff.max"))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s %q is not an absolute URL", field, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s scheme must be one of %s", field, strings.Join(schemes, ", "))
}

// Logger builds the root logger described by the log section.
func (l LogConfig) Logger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if l.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
