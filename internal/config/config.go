// Package config provides configuration loading and defaults for presenced.
//
// Configuration is loaded from a TOML file in the user's data directory and
// overlaid on [DefaultConfig]. The package covers the subject identity, the
// presence timings, the heartbeat cadence, the store backend, the host IPC
// address, and logging.
package config

//go:generate go run ../../cmd/genconfig

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"tools.zach/dev/presenced/internal/atomicfile"
	"tools.zach/dev/presenced/internal/idle"
	"tools.zach/dev/presenced/internal/paths"
	"tools.zach/dev/presenced/internal/presence"
)

// CurrentVersion is the config schema version written by this build.
const CurrentVersion = 1

// SubjectEnv overrides subject.id when set.
const SubjectEnv = "PRESENCED_SUBJECT"

// WriteLatencyAllowance is the slack added on top of the slowest heartbeat
// interval when raising a stale threshold that is too small.
const WriteLatencyAllowance = 60 * time.Second

// Store backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ///////////////////////////////////////////////
// Configuration Types
// ///////////////////////////////////////////////

// Config represents the top-level application configuration.
type Config struct {
	// Version is the config schema version.
	Version int `toml:"version"`
	// Subject identifies whose presence this daemon publishes.
	Subject SubjectConfig `toml:"subject"`
	// Presence holds idle detection and staleness timings.
	Presence PresenceConfig `toml:"presence"`
	// Heartbeat holds the write cadence.
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	// Shutdown holds cleanup settings.
	Shutdown ShutdownConfig `toml:"shutdown"`
	// Store selects and configures the shared presence store.
	Store StoreConfig `toml:"store"`
	// IPC holds the host channel settings.
	IPC IPCConfig `toml:"ipc"`
	// Roster holds settings for presencectl watch.
	Roster RosterConfig `toml:"roster"`
	// Log holds logging settings.
	Log LogConfig `toml:"log"`
}

// SubjectConfig holds the identity of the local user.
type SubjectConfig struct {
	// ID is the subject id. Empty means the OS user name.
	ID string `toml:"id"`
}

// PresenceConfig holds idle detection and staleness timings.
type PresenceConfig struct {
	// IdleTimeoutMS is the inactivity period before auto-idle.
	IdleTimeoutMS int `toml:"idle_timeout_ms"`
	// StaleThresholdMS is how old lastSeen may be before a record reads offline.
	StaleThresholdMS int `toml:"stale_threshold_ms"`
	// MinimizedIdleDelayMS is the grace period after minimizing.
	MinimizedIdleDelayMS int `toml:"minimized_idle_delay_ms"`
	// BatchDelayMS is the window over which status changes coalesce.
	BatchDelayMS int `toml:"batch_delay_ms"`
}

// HeartbeatConfig holds the heartbeat cadence.
type HeartbeatConfig struct {
	HighFrequencyIntervalMS int `toml:"high_frequency_interval_ms"`
	LowFrequencyIntervalMS  int `toml:"low_frequency_interval_ms"`
	WriteTimeoutMS          int `toml:"write_timeout_ms"`
}

// ShutdownConfig holds cleanup settings.
type ShutdownConfig struct {
	// TimeoutMS bounds how long cleanup tasks may run before completion is
	// reported anyway.
	TimeoutMS int `toml:"timeout_ms"`
}

// StoreConfig selects the store backend.
type StoreConfig struct {
	// Backend is memory, nats, file, or sqlite.
	Backend string       `toml:"backend"`
	NATS    NATSConfig   `toml:"nats"`
	File    FileConfig   `toml:"file"`
	SQLite  SQLiteConfig `toml:"sqlite"`
}

// NATSConfig configures the JetStream key-value backend.
type NATSConfig struct {
	URL      string `toml:"url"`
	User     string `toml:"user,omitempty"`
	Password string `toml:"password,omitempty"`
	Bucket   string `toml:"bucket"`
}

// FileConfig configures the directory backend.
type FileConfig struct {
	// Dir holds one JSON file per subject. Relative paths resolve against
	// the data directory.
	Dir string `toml:"dir"`
}

// SQLiteConfig configures the database backend.
type SQLiteConfig struct {
	// Path is the database file. Relative paths resolve against the data
	// directory.
	Path string `toml:"path"`
}

// IPCConfig holds the host channel settings.
type IPCConfig struct {
	// Socket overrides the platform default socket or pipe address.
	Socket string `toml:"socket,omitempty"`
}

// RosterConfig holds settings for presencectl watch.
type RosterConfig struct {
	// SweepMS is how often the roster re-evaluates staleness without new writes.
	SweepMS int `toml:"sweep_ms"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `toml:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation.
	MaxSizeMB int `toml:"max_size_mb"`
}

// ///////////////////////////////////////////////
// Defaults
// ///////////////////////////////////////////////

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Presence: PresenceConfig{
			IdleTimeoutMS:        300_000,
			StaleThresholdMS:     360_000,
			MinimizedIdleDelayMS: 30_000,
			BatchDelayMS:         3_000,
		},
		Heartbeat: HeartbeatConfig{
			HighFrequencyIntervalMS: 120_000,
			LowFrequencyIntervalMS:  300_000,
			WriteTimeoutMS:          10_000,
		},
		Shutdown: ShutdownConfig{
			TimeoutMS: 4_000,
		},
		Store: StoreConfig{
			Backend: BackendFile,
			NATS: NATSConfig{
				URL:    "nats://127.0.0.1:4222",
				Bucket: "PRESENCE",
			},
			File:   FileConfig{Dir: paths.RecordsDir},
			SQLite: SQLiteConfig{Path: paths.SQLiteFile},
		},
		Roster: RosterConfig{
			SweepMS: 15_000,
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeMB: 10,
		},
	}
}

// ExampleConfig returns a Config suitable for generating config.default.toml.
func ExampleConfig() *Config {
	return DefaultConfig()
}

// ///////////////////////////////////////////////
// Durations
// ///////////////////////////////////////////////

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (p PresenceConfig) IdleTimeout() time.Duration { return ms(p.IdleTimeoutMS) }
func (p PresenceConfig) StaleThreshold() time.Duration { return ms(p.StaleThresholdMS) }
func (p PresenceConfig) MinimizedIdleDelay() time.Duration { return ms(p.MinimizedIdleDelayMS) }
func (p PresenceConfig) BatchDelay() time.Duration { return ms(p.BatchDelayMS) }

func (h HeartbeatConfig) HighFrequencyInterval() time.Duration { return ms(h.HighFrequencyIntervalMS) }
func (h HeartbeatConfig) LowFrequencyInterval() time.Duration { return ms(h.LowFrequencyIntervalMS) }
func (h HeartbeatConfig) WriteTimeout() time.Duration { return ms(h.WriteTimeoutMS) }

func (s ShutdownConfig) Timeout() time.Duration { return ms(s.TimeoutMS) }
func (r RosterConfig) Sweep() time.Duration { return ms(r.SweepMS) }

// ///////////////////////////////////////////////
// PeekVersion
// ///////////////////////////////////////////////

// PeekVersion reads just the version field from raw TOML bytes.
// Returns 1 if the version field is missing or zero.
func PeekVersion(data []byte) int {
	var v struct {
		Version int `toml:"version"`
	}
	if err := toml.Unmarshal(data, &v); err != nil {
		return 1
	}
	if v.Version == 0 {
		return 1
	}
	return v.Version
}

// ///////////////////////////////////////////////
// Loading and Saving
// ///////////////////////////////////////////////

// Load reads dataDir/config.toml, overlays it on [DefaultConfig], applies the
// subject override from the environment, and validates the result. A missing
// file yields the defaults.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, paths.ConfigFile)
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if v := PeekVersion(data); v > CurrentVersion {
			return nil, fmt.Errorf("config version %d is newer than supported version %d", v, CurrentVersion)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg.Version = CurrentVersion
	}

	if id := strings.TrimSpace(os.Getenv(SubjectEnv)); id != "" {
		cfg.Subject.ID = id
	}
	if cfg.Subject.ID == "" {
		cfg.Subject.ID = defaultSubjectID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Save writes the config to disk as TOML using atomic file write.
func (c *Config) Save(path string) error {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicfile.Write(path, buf.Bytes(), 0o644)
}

// subjectSanitizer replaces characters not allowed in a subject id.
var subjectSanitizer = regexp.MustCompile(`[^A-Za-z0-9_=-]+`)

// defaultSubjectID derives a subject id from the OS user name. Windows names
// carry a DOMAIN\ prefix which is dropped.
func defaultSubjectID() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "local"
	}
	name := u.Username
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Trim(subjectSanitizer.ReplaceAllString(name, "-"), "-")
	if name == "" {
		return "local"
	}
	return name
}

// ///////////////////////////////////////////////
// Validation
// ///////////////////////////////////////////////

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// bucketRe matches names JetStream accepts for key-value buckets.
var bucketRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks that all configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if err := presence.ValidateSubjectID(c.Subject.ID); err != nil {
		return fmt.Errorf("invalid subject.id: %w", err)
	}

	positive := []struct {
		name string
		v    int
	}{
		{"presence.stale_threshold_ms", c.Presence.StaleThresholdMS},
		{"presence.minimized_idle_delay_ms", c.Presence.MinimizedIdleDelayMS},
		{"presence.batch_delay_ms", c.Presence.BatchDelayMS},
		{"heartbeat.high_frequency_interval_ms", c.Heartbeat.HighFrequencyIntervalMS},
		{"heartbeat.low_frequency_interval_ms", c.Heartbeat.LowFrequencyIntervalMS},
		{"heartbeat.write_timeout_ms", c.Heartbeat.WriteTimeoutMS},
		{"shutdown.timeout_ms", c.Shutdown.TimeoutMS},
		{"roster.sweep_ms", c.Roster.SweepMS},
		{"log.max_size_mb", c.Log.MaxSizeMB},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be > 0, got %d", p.name, p.v)
		}
	}

	switch c.Store.Backend {
	case BackendMemory, BackendFile:
	case BackendNATS:
		if c.Store.NATS.URL == "" {
			return fmt.Errorf("store.nats.url is required for the nats backend")
		}
		if !bucketRe.MatchString(c.Store.NATS.Bucket) {
			return fmt.Errorf("invalid store.nats.bucket %q: must match %s", c.Store.NATS.Bucket, bucketRe)
		}
	case BackendSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("invalid store.backend %q: must be memory, nats, file, or sqlite", c.Store.Backend)
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q: must be trace, debug, info, warn, or error", c.Log.Level)
	}
	return nil
}

// Normalize adjusts values that are unusable but recoverable. An idle timeout
// below [idle.MinIdleTimeout] is raised to it. A stale threshold that does
// not exceed the slowest heartbeat interval would make healthy clients read
// offline between writes, so it is raised to that interval plus
// [WriteLatencyAllowance].
func (c *Config) Normalize() {
	if minMS := int(idle.MinIdleTimeout / time.Millisecond); c.Presence.IdleTimeoutMS < minMS {
		slog.Warn("idle timeout below minimum, clamping",
			"idle_timeout_ms", c.Presence.IdleTimeoutMS,
			"min_ms", minMS,
		)
		c.Presence.IdleTimeoutMS = minMS
	}

	slowest := max(c.Heartbeat.HighFrequencyIntervalMS, c.Heartbeat.LowFrequencyIntervalMS)
	if c.Presence.StaleThresholdMS <= slowest {
		raised := slowest + int(WriteLatencyAllowance/time.Millisecond)
		slog.Warn("stale threshold does not exceed the heartbeat interval, raising it",
			"stale_threshold_ms", c.Presence.StaleThresholdMS,
			"heartbeat_interval_ms", slowest,
			"raised_to_ms", raised,
		)
		c.Presence.StaleThresholdMS = raised
	}
}
