package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/edirooss/logstream-server/internal/domain/logentry"
	"github.com/edirooss/logstream-server/pkg/hostutil"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no -config flag is given.
const DefaultPath = "logstream-server.yaml"

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Redis    RedisConfig    `yaml:"redis"`
	Buffer   BufferConfig   `yaml:"buffer"`
	Stream   StreamConfig   `yaml:"stream"`
	Auth     AuthConfig     `yaml:"auth"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Programs ProgramsConfig `yaml:"programs"`
	Exclude  []string       `yaml:"exclude"` // process names never ingested (e.g. this server)
	Log      LogConfig      `yaml:"log"`
}

type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	TrustedProxies []string `yaml:"trusted_proxies"`
	DevOrigins     []string `yaml:"dev_origins"` // CORS origins allowed when ENV=dev
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"` // subscribe to the Pub/Sub event source
	Addr          string `yaml:"addr"`
	DB            int    `yaml:"db"`
	Password      string `yaml:"password"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type BufferConfig struct {
	Capacity int `yaml:"capacity"`
}

type StreamConfig struct {
	QueueDepth        int           `yaml:"queue_depth"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxStreams        int           `yaml:"max_streams"` // 0 = unlimited
}

type AuthConfig struct {
	Token         string `yaml:"token"` // bearer token; empty with no username = auth disabled
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	SessionSecret string `yaml:"session_secret"`
	SessionStore  string `yaml:"session_store"` // redis | cookie
}

// Enabled reports whether any credential is configured.
func (a AuthConfig) Enabled() bool { return a.Token != "" || a.Username != "" }

// DefaultsConfig holds the filter and format of new stream connections.
type DefaultsConfig struct {
	Kind      string `yaml:"kind"`   // all | stdout | stderr (+ aliases)
	Format    string `yaml:"format"` // json | text
	StripANSI bool   `yaml:"strip_ansi"`
	Timestamp bool   `yaml:"timestamp"`
	ShowKind  bool   `yaml:"show_kind"`
}

type ProgramsConfig struct {
	Publish bool            `yaml:"publish"` // mirror local programs to redis
	Run     []ProgramConfig `yaml:"run"`
}

type ProgramConfig struct {
	Name            string        `yaml:"name"`
	Argv            []string      `yaml:"argv"`
	Env             []string      `yaml:"env"`
	RestartCooldown time.Duration `yaml:"restart_cooldown"`
}

type LogConfig struct {
	Format string `yaml:"format"` // console | json
	Level  string `yaml:"level"`
}

// Default returns the configuration used for every field the file omits.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:           "127.0.0.1:8080",
			TrustedProxies: []string{"127.0.0.1"},
			DevOrigins:     []string{"http://localhost:5173", "http://localhost:3000"},
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			ChannelPrefix: "logstream",
		},
		Buffer: BufferConfig{Capacity: 100},
		Stream: StreamConfig{
			QueueDepth:        1024,
			HeartbeatInterval: 15 * time.Second,
			MaxStreams:        256,
		},
		Auth: AuthConfig{SessionStore: "cookie"},
		Defaults: DefaultsConfig{
			Kind:   "all",
			Format: "json",
		},
		Log: LogConfig{Format: "console", Level: "debug"},
	}
}

// Load reads the YAML file at path over Default() and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML over Default(). Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.HTTP.Addr == "" {
		add("http.addr is required")
	} else if err := hostutil.ValidateAddr(c.HTTP.Addr); err != nil {
		add("http.addr: %v", err)
	}
	if c.Redis.Enabled || c.Programs.Publish || c.Auth.SessionStore == "redis" {
		if c.Redis.Addr == "" {
			add("redis.addr is required")
		} else if err := hostutil.ValidateAddr(c.Redis.Addr); err != nil {
			add("redis.addr: %v", err)
		}
	}
	if c.Buffer.Capacity <= 0 {
		add("buffer.capacity must be > 0, got %d", c.Buffer.Capacity)
	}
	if c.Stream.QueueDepth <= 0 {
		add("stream.queue_depth must be > 0, got %d", c.Stream.QueueDepth)
	}
	if c.Stream.HeartbeatInterval <= 0 {
		add("stream.heartbeat_interval must be > 0")
	}
	if c.Stream.MaxStreams < 0 {
		add("stream.max_streams must be >= 0")
	}
	switch c.Auth.SessionStore {
	case "redis", "cookie":
	default:
		add("auth.session_store must be redis or cookie, got %q", c.Auth.SessionStore)
	}
	if c.Auth.Username != "" && c.Auth.Password == "" {
		add("auth.password is required with auth.username")
	}
	if c.Auth.Username != "" && len(c.Auth.SessionSecret) < 16 {
		add("auth.session_secret must be at least 16 bytes with auth.username")
	}
	if _, err := c.Defaults.Filter(); err != nil {
		add("defaults.kind: %v", err)
	}
	if c.Defaults.Format != "json" && c.Defaults.Format != "text" {
		add("defaults.format must be json or text, got %q", c.Defaults.Format)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		add("log.format must be console or json, got %q", c.Log.Format)
	}

	seen := make(map[string]struct{}, len(c.Programs.Run))
	for i, p := range c.Programs.Run {
		if p.Name == "" {
			add("programs.run[%d].name is required", i)
			continue
		}
		if _, dup := seen[p.Name]; dup {
			add("programs.run[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = struct{}{}
		if len(p.Argv) == 0 {
			add("programs.run[%d] (%s): argv is required", i, p.Name)
		}
		if p.RestartCooldown < 0 {
			add("programs.run[%d] (%s): restart_cooldown must be >= 0", i, p.Name)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Filter returns the default filter of new connections.
func (d DefaultsConfig) Filter() (logentry.FilterOptions, error) {
	kind, err := logentry.ParseKindFilter(d.Kind)
	if err != nil {
		return logentry.FilterOptions{}, err
	}
	return logentry.FilterOptions{Kind: kind}, nil
}

// FormatOptions returns the default format of new connections.
func (d DefaultsConfig) FormatOptions() logentry.FormatOptions {
	return logentry.FormatOptions{
		AsJSON:           d.Format != "text",
		StripANSI:        d.StripANSI,
		IncludeTimestamp: d.Timestamp,
		IncludeKind:      d.ShowKind,
	}
}
