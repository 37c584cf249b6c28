// Package config provides YAML configuration loading and validation for the
// fswatch daemon.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/fswatch/inotify"
)

// Config is the top-level configuration structure for the fswatch daemon.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// APIAddr is the listen address of the REST API, metrics and live event
	// stream (e.g. "127.0.0.1:9000"). Defaults to "127.0.0.1:9000".
	APIAddr string `yaml:"api_addr"`

	// JournalPath is the SQLite database every event is recorded in.
	// Defaults to "fswatch.db"; ":memory:" keeps the journal in memory.
	JournalPath string `yaml:"journal_path"`

	// AuditPath, when set, enables the hash-chained log of watch table
	// changes.
	AuditPath string `yaml:"audit_path"`

	// BufferSize is the inotify read buffer in bytes. Zero selects the
	// minimum that fits one maximal record.
	BufferSize int `yaml:"buffer_size"`

	// Archive configures the optional PostgreSQL event archive.
	Archive ArchiveConfig `yaml:"archive"`

	// Auth configures bearer-token authentication of the /api routes.
	Auth AuthConfig `yaml:"auth"`

	// Watches is the list of paths to watch at startup.
	Watches []WatchConfig `yaml:"watches"`
}

// ArchiveConfig configures the PostgreSQL archive sink. The sink is disabled
// when DSN is empty.
type ArchiveConfig struct {
	DSN           string        `yaml:"dsn"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Enabled reports whether an archive DSN is configured.
func (a ArchiveConfig) Enabled() bool { return a.DSN != "" }

// AuthConfig configures RS256 JWT validation. Authentication is disabled
// when PublicKeyPath is empty.
type AuthConfig struct {
	PublicKeyPath string `yaml:"public_key_path"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
}

// WatchConfig describes one path to watch.
type WatchConfig struct {
	// Name is a human-readable identifier for this watch (e.g.
	// "etc-passwd"). Required and unique.
	Name string `yaml:"name"`

	// Path is the file or directory to watch. Required.
	Path string `yaml:"path"`

	// Events lists event kind names ("modify", "create", "delete", ...).
	// Defaults to modify, create, delete and deleted when omitted.
	Events []string `yaml:"events"`

	OnlyDir    bool `yaml:"only_dir"`
	DontFollow bool `yaml:"dont_follow"`
	Oneshot    bool `yaml:"oneshot"`
}

// Mask returns the inotify interest mask for w, including option bits.
func (w WatchConfig) Mask() (inotify.EventKind, error) {
	mask, err := inotify.ParseEventKinds(w.Events)
	if err != nil {
		return 0, err
	}
	if w.OnlyDir {
		mask |= inotify.OnlyDir
	}
	if w.DontFollow {
		mask |= inotify.DontFollow
	}
	if w.Oneshot {
		mask |= inotify.Oneshot
	}
	return mask, nil
}

// DefaultEvents is applied to watches that list no events.
var DefaultEvents = []string{"modify", "create", "delete", "deleted"}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes, applies defaults, and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("cannot parse: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = "127.0.0.1:9000"
	}
	if cfg.JournalPath == "" {
		cfg.JournalPath = "fswatch.db"
	}
	if cfg.Archive.BatchSize == 0 {
		cfg.Archive.BatchSize = 100
	}
	if cfg.Archive.FlushInterval == 0 {
		cfg.Archive.FlushInterval = time.Second
	}
	for i := range cfg.Watches {
		if len(cfg.Watches[i].Events) == 0 {
			cfg.Watches[i].Events = append([]string(nil), DefaultEvents...)
		}
	}
}

// validate returns every problem at once, joined.
func validate(cfg *Config) error {
	var errs []error

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("buffer_size %d must not be negative", cfg.BufferSize))
	}
	if cfg.BufferSize > 0 && cfg.BufferSize < inotify.RecordBufferSize {
		errs = append(errs, fmt.Errorf("buffer_size %d is below the minimum of %d", cfg.BufferSize, inotify.RecordBufferSize))
	}
	if cfg.Archive.BatchSize < 0 {
		errs = append(errs, errors.New("archive.batch_size must not be negative"))
	}
	if (cfg.Auth.Issuer != "" || cfg.Auth.Audience != "") && cfg.Auth.PublicKeyPath == "" {
		errs = append(errs, errors.New("auth.public_key_path is required when issuer or audience is set"))
	}

	seen := make(map[string]bool, len(cfg.Watches))
	for i, w := range cfg.Watches {
		prefix := fmt.Sprintf("watches[%d]", i)
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", prefix))
		} else if seen[w.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", prefix, w.Name))
		}
		seen[w.Name] = true
		if w.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
		}
		if strings.IndexByte(w.Path, 0) >= 0 {
			errs = append(errs, fmt.Errorf("%s: path contains a NUL byte", prefix))
		}
		if _, err := w.Mask(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}

	return errors.Join(errs...)
}
