package traysync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvLogLevel overrides the log level of the configuration.
const EnvLogLevel = "TRAYSYNC_LOG_LEVEL"

// Config configures [Client].
type Config struct {
	// CallTimeout bounds every remote call.
	CallTimeout time.Duration

	// EventBuffer is the number of events retained per subscriber.
	EventBuffer int

	// HostID is used as a unique suffix of the host name.
	HostID string

	// ClaimWatcher enables serving as the watcher when no other process
	// does.
	ClaimWatcher bool

	// LegacyScan enables discovery of items that own a
	// org.kde.StatusNotifierItem-* name without being registered.
	LegacyScan bool

	// EagerMenus enables fetching menus as soon as items advertise them.
	// Otherwise menus are fetched on the first [Client.EnsureExpanded].
	EagerMenus bool

	LogLevel string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CallTimeout:  5 * time.Second,
		EventBuffer:  DefaultEventBuffer,
		HostID:       fmt.Sprint(os.Getpid()),
		ClaimWatcher: true,
		LegacyScan:   true,
		EagerMenus:   true,
		LogLevel:     "info",
	}
}

// Validate reports whether the configuration can be used.
func (c Config) Validate() error {
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive, got %v", c.CallTimeout)
	}

	if c.EventBuffer <= 0 {
		return fmt.Errorf("event_buffer must be positive, got %d", c.EventBuffer)
	}

	if strings.TrimSpace(c.HostID) == "" {
		return fmt.Errorf("host_id must not be empty")
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

type fileConfig struct {
	CallTimeout  string `toml:"call_timeout" yaml:"call_timeout"`
	EventBuffer  int    `toml:"event_buffer" yaml:"event_buffer"`
	HostID       string `toml:"host_id" yaml:"host_id"`
	ClaimWatcher bool   `toml:"claim_watcher" yaml:"claim_watcher"`
	LegacyScan   bool   `toml:"legacy_scan" yaml:"legacy_scan"`
	EagerMenus   bool   `toml:"eager_menus" yaml:"eager_menus"`
	LogLevel     string `toml:"log_level" yaml:"log_level"`
}

// LoadConfig reads the configuration file at path. Keys that are not present
// in the file keep their defaults.
//
// Files with the .yaml or .yml extension are read as YAML, everything else
// as TOML.
func LoadConfig(path string) (Config, error) {
	var (
		raw     fileConfig
		defined func(key string) bool
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}

		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}

		var keys map[string]any
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}

		defined = func(key string) bool {
			_, ok := keys[key]
			return ok
		}

	default:
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}

		defined = func(key string) bool {
			return meta.IsDefined(key)
		}
	}

	cfg, err := raw.apply(DefaultConfig(), defined)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	return cfg, nil
}

func (raw fileConfig) apply(cfg Config, defined func(key string) bool) (Config, error) {
	if defined("call_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CallTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse call_timeout: %w", err)
		}
		cfg.CallTimeout = d
	}

	if defined("event_buffer") {
		cfg.EventBuffer = raw.EventBuffer
	}

	if defined("host_id") {
		if id := strings.TrimSpace(raw.HostID); id != "" {
			cfg.HostID = id
		}
	}

	if defined("claim_watcher") {
		cfg.ClaimWatcher = raw.ClaimWatcher
	}

	if defined("legacy_scan") {
		cfg.LegacyScan = raw.LegacyScan
	}

	if defined("eager_menus") {
		cfg.EagerMenus = raw.EagerMenus
	}

	if defined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	return cfg, nil
}

// ParseLevel parses a log level name. An empty name is the info level.
func ParseLevel(raw string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off", "none":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

// Level returns the level to log at: the value of [EnvLogLevel] if it is
// set and valid, the configured level otherwise.
func (c Config) Level() zerolog.Level {
	if env := os.Getenv(EnvLogLevel); env != "" {
		if lvl, err := ParseLevel(env); err == nil {
			return lvl
		}
	}

	lvl, err := ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}

	return lvl
}
