// Package am holds autopost's configuration: what the queue is allowed to do,
// when posts may go out, and where they are sent.
package am

import "time"

// Config represents the full autopost configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Content  ContentConfig  `mapstructure:"content"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Poster   PosterConfig   `mapstructure:"poster"`
	Server   ServerConfig   `mapstructure:"server"`
	Paths    PathsConfig    `mapstructure:"paths"`
}

// DatabaseConfig configures the SQLite queue database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ContentConfig bounds what Enqueue accepts
type ContentConfig struct {
	MaxLength int `mapstructure:"max_length"` // in runes
}

// ScheduleConfig configures slot allocation
type ScheduleConfig struct {
	Timezone    string        `mapstructure:"timezone"`     // IANA name, e.g. America/New_York
	Windows     []string      `mapstructure:"windows"`      // "HH:MM" anchors in Timezone
	MinGap      time.Duration `mapstructure:"min_gap"`      // minimum distance between occupied slots
	HorizonDays int           `mapstructure:"horizon_days"` // how far ahead Next may search
	LeadTime    time.Duration `mapstructure:"lead_time"`    // earliest slot is now + LeadTime
}

// Horizon returns HorizonDays as a duration
func (s ScheduleConfig) Horizon() time.Duration {
	return time.Duration(s.HorizonDays) * 24 * time.Hour
}

// DedupConfig configures duplicate-content suppression
type DedupConfig struct {
	Lookback           time.Duration `mapstructure:"lookback"`
	NFKC               bool          `mapstructure:"nfkc"`
	CaseFold           bool          `mapstructure:"case_fold"`
	StripPunctuation   bool          `mapstructure:"strip_punctuation"`
	StripSymbols       bool          `mapstructure:"strip_symbols"`
	CollapseWhitespace bool          `mapstructure:"collapse_whitespace"`
}

// DispatchConfig configures the poll cycle, retries and the daemon cadence
type DispatchConfig struct {
	Cron          string        `mapstructure:"cron"`           // robfig/cron spec, e.g. "@every 1m"
	BatchSize     int           `mapstructure:"batch_size"`     // claim limit per cycle
	Workers       int           `mapstructure:"workers"`        // concurrent Poster calls per cycle
	PosterTimeout time.Duration `mapstructure:"poster_timeout"` // bound on a single Poster call
	StaleAfter    time.Duration `mapstructure:"stale_after"`    // dispatching longer than this is reclaimable
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"`
	BackoffJitter float64       `mapstructure:"backoff_jitter"`  // fraction of the exponential delay, 0..1
	RatePerMinute int           `mapstructure:"rate_per_minute"` // 0 = unlimited
}

// Poster modes
const (
	PosterModeDryRun  = "dry_run"
	PosterModeBluesky = "bluesky"
)

// PosterConfig selects and configures the publishing client
type PosterConfig struct {
	Mode        string `mapstructure:"mode"`
	PDSHost     string `mapstructure:"pds_host"`
	Identifier  string `mapstructure:"identifier"`
	AppPassword string `mapstructure:"app_password"`
	// AllowPrivateHost lets pds_host resolve to loopback or private addresses,
	// for self-hosted PDS instances on the local network
	AllowPrivateHost bool `mapstructure:"allow_private_host"`
}

// ServerConfig configures the read-only HTTP surface
type ServerConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the server
}

// PathsConfig points at files used by import/export
type PathsConfig struct {
	LegacyQueue string `mapstructure:"legacy_queue"` // JSON queue imported once into an empty database
	Snapshot    string `mapstructure:"snapshot"`     // written after each daemon cycle when set
}

// File system constants
const (
	DefaultConfigName     = "autopost.toml"
	DefaultDirPermissions = 0755
	ConfigFilePermissions = 0600 // may hold the poster app password
)
