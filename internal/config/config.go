package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Profile   ProfileConfig   `yaml:"profile"`
	Timing    TimingConfig    `yaml:"timing"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stderr", "stdout" or a file path
}

// ProfileConfig selects the terminal user flow.
type ProfileConfig struct {
	ActorType     string `yaml:"actor_type"` // "attendant" or "salesperson"
	ActorID       string `yaml:"actor_id"`
	TopicPrefix   string `yaml:"topic_prefix"`
	MatchStrategy string `yaml:"match_strategy"` // "exact" or "exact+partial4"
}

// TimingConfig holds the protocol deadlines.
type TimingConfig struct {
	ConnectWatchdog   time.Duration `yaml:"connect_watchdog"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	RetryStep         time.Duration `yaml:"retry_step"`
	MaxRetries        int           `yaml:"max_retries"`
	ScanSafety        time.Duration `yaml:"scan_safety"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
}

// BridgeConfig selects and configures the host bridge.
type BridgeConfig struct {
	Mode           string   `yaml:"mode"`   // "websocket", "native" or "sim"
	Listen         string   `yaml:"listen"` // websocket listen address
	Path           string   `yaml:"path"`   // websocket endpoint path
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// TelemetryConfig maps the telemetry characteristics to GATT UUIDs for the
// native bridge.
type TelemetryConfig struct {
	ServiceUUID     string            `yaml:"service_uuid"`
	Characteristics map[string]string `yaml:"characteristics"` // rcap, fccp, pckv, rsoc -> UUID
	// Encodings overrides the value layout per characteristic name:
	// auto, u8, u16le, i16le, u32le, f32le, varint or ascii.
	Encodings      map[string]string `yaml:"encodings,omitempty"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`
	// CodeInput is where native mode reads scanned codes from: "stdin" or
	// a file path such as a serial scanner device.
	CodeInput string `yaml:"code_input"`
}

// PubSubConfig selects the messaging backend for the native bridge.
type PubSubConfig struct {
	Backend  string        `yaml:"backend"` // "memory" or "redis"
	RedisURL string        `yaml:"redis_url"`
	Breaker  BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the publish circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "swaplink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Profile: ProfileConfig{
			ActorType:     "attendant",
			TopicPrefix:   "swap/attendant",
			MatchStrategy: "exact",
		},
		Timing: TimingConfig{
			ConnectWatchdog:   90 * time.Second,
			ReadTimeout:       20 * time.Second,
			RetryStep:         time.Second,
			MaxRetries:        3,
			ScanSafety:        60 * time.Second,
			CompletionTimeout: 30 * time.Second,
		},
		Bridge: BridgeConfig{
			Mode:   "websocket",
			Listen: "127.0.0.1:8765",
			Path:   "/bridge",
		},
		Telemetry: TelemetryConfig{
			Characteristics: map[string]string{},
			ConnectTimeout:  30 * time.Second,
			CodeInput:       "stdin",
		},
		PubSub: PubSubConfig{
			Backend: "memory",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in log.output is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Log.Output = expandTilde(cfg.Log.Output)
	cfg.Telemetry.CodeInput = expandTilde(cfg.Telemetry.CodeInput)
	if cfg.Telemetry.Characteristics == nil {
		cfg.Telemetry.Characteristics = map[string]string{}
	}

	return cfg, nil
}

// LoadOrDefault loads path if it exists and returns the defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be \"text\" or \"json\", got %q", c.Log.Format)
	}

	switch c.Profile.ActorType {
	case "attendant", "salesperson":
	default:
		return fmt.Errorf("profile.actor_type must be \"attendant\" or \"salesperson\", got %q", c.Profile.ActorType)
	}

	switch c.Profile.MatchStrategy {
	case "", "exact", "exact+partial4":
	default:
		return fmt.Errorf("profile.match_strategy must be \"exact\" or \"exact+partial4\", got %q", c.Profile.MatchStrategy)
	}

	if err := c.Timing.validate(); err != nil {
		return err
	}

	switch c.Bridge.Mode {
	case "websocket":
		if c.Bridge.Listen == "" {
			return fmt.Errorf("bridge.listen must not be empty in websocket mode")
		}
		if !strings.HasPrefix(c.Bridge.Path, "/") {
			return fmt.Errorf("bridge.path must start with \"/\", got %q", c.Bridge.Path)
		}
	case "native":
		if c.Telemetry.ServiceUUID == "" {
			return fmt.Errorf("telemetry.service_uuid is required in native mode")
		}
		for _, name := range []string{"rcap", "pckv"} {
			if c.Telemetry.Characteristics[name] == "" {
				return fmt.Errorf("telemetry.characteristics.%s is required in native mode", name)
			}
		}
		if c.Telemetry.ConnectTimeout <= 0 {
			return fmt.Errorf("telemetry.connect_timeout must be > 0, got %s", c.Telemetry.ConnectTimeout)
		}
		if c.Telemetry.CodeInput == "" {
			return fmt.Errorf("telemetry.code_input must not be empty in native mode")
		}
	case "sim":
	default:
		return fmt.Errorf("bridge.mode must be websocket, native, or sim, got %q", c.Bridge.Mode)
	}

	switch c.PubSub.Backend {
	case "memory":
	case "redis":
		if c.PubSub.RedisURL == "" {
			return fmt.Errorf("pubsub.redis_url is required when pubsub.backend is \"redis\"")
		}
	default:
		return fmt.Errorf("pubsub.backend must be \"memory\" or \"redis\", got %q", c.PubSub.Backend)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "", "noop", "stdout":
		default:
			return fmt.Errorf("tracing.exporter must be \"stdout\" or \"noop\", got %q", c.Tracing.Exporter)
		}
	}

	return nil
}

func (t TimingConfig) validate() error {
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"connect_watchdog", t.ConnectWatchdog},
		{"read_timeout", t.ReadTimeout},
		{"retry_step", t.RetryStep},
		{"scan_safety", t.ScanSafety},
		{"completion_timeout", t.CompletionTimeout},
	} {
		if d.v <= 0 {
			return fmt.Errorf("timing.%s must be > 0, got %s", d.name, d.v)
		}
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("timing.max_retries must be >= 0, got %d", t.MaxRetries)
	}
	return nil
}

// ParseLogLevel converts a config level string to a slog.Level.
// Unknown values map to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# swaplink configuration
# Durations use Go syntax (e.g. 90s, 1m30s).
# bridge.mode: websocket (host app connects to listen+path), native (local BLE radio), sim (scripted)
`

// WriteDefault writes the default config to DefaultConfigPath. If a file
// already exists it is left untouched and WriteDefault returns ("", nil).
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
