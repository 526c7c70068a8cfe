package am

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/teranos/autopost/errors"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		t.Fatalf("LoadWithViper() failed: %v", err)
	}
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	if cfg.Database.Path != "autopost.db" {
		t.Errorf("expected default database path 'autopost.db', got %q", cfg.Database.Path)
	}
	if cfg.Content.MaxLength != 280 {
		t.Errorf("expected default max_length 280, got %d", cfg.Content.MaxLength)
	}
	if cfg.Schedule.Timezone != "America/New_York" {
		t.Errorf("expected default timezone America/New_York, got %q", cfg.Schedule.Timezone)
	}
	if cfg.Schedule.LeadTime != 15*time.Minute {
		t.Errorf("expected lead_time 15m decoded from string, got %s", cfg.Schedule.LeadTime)
	}
	if cfg.Schedule.Horizon() != 30*24*time.Hour {
		t.Errorf("expected 30 day horizon, got %s", cfg.Schedule.Horizon())
	}
	if len(cfg.Schedule.Windows) != 4 {
		t.Errorf("expected 4 default windows, got %v", cfg.Schedule.Windows)
	}
	if cfg.Dedup.Lookback != 168*time.Hour {
		t.Errorf("expected one week lookback, got %s", cfg.Dedup.Lookback)
	}
	if cfg.Poster.Mode != PosterModeDryRun {
		t.Errorf("expected dry_run poster by default, got %q", cfg.Poster.Mode)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero max length", func(c *Config) { c.Content.MaxLength = 0 }, "content.max_length"},
		{"unknown timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }, "schedule.timezone"},
		{"empty timezone", func(c *Config) { c.Schedule.Timezone = "" }, "schedule.timezone"},
		{"no windows", func(c *Config) { c.Schedule.Windows = nil }, "schedule.windows cannot be empty"},
		{"malformed window", func(c *Config) { c.Schedule.Windows = []string{"6am"} }, "must be HH:MM"},
		{"out of range window", func(c *Config) { c.Schedule.Windows = []string{"25:00"} }, "must be HH:MM"},
		{"duplicate window", func(c *Config) { c.Schedule.Windows = []string{"06:00", "06:00"} }, "twice"},
		{"zero gap is valid", func(c *Config) { c.Schedule.MinGap = 0 }, ""},
		{"negative gap", func(c *Config) { c.Schedule.MinGap = -time.Minute }, "schedule.min_gap"},
		{"zero horizon", func(c *Config) { c.Schedule.HorizonDays = 0 }, "schedule.horizon_days"},
		{"bad cron", func(c *Config) { c.Dispatch.Cron = "every minute" }, "dispatch.cron"},
		{"five field cron", func(c *Config) { c.Dispatch.Cron = "*/5 * * * *" }, ""},
		{"zero workers", func(c *Config) { c.Dispatch.Workers = 0 }, "dispatch.workers"},
		{"stale shorter than timeout", func(c *Config) { c.Dispatch.StaleAfter = c.Dispatch.PosterTimeout }, "dispatch.stale_after"},
		{"cap below base", func(c *Config) { c.Dispatch.BackoffCap = time.Second }, "dispatch.backoff_cap"},
		{"jitter above one", func(c *Config) { c.Dispatch.BackoffJitter = 1.5 }, "dispatch.backoff_jitter"},
		{"zero rate is unlimited", func(c *Config) { c.Dispatch.RatePerMinute = 0 }, ""},
		{"unknown poster", func(c *Config) { c.Poster.Mode = "mastodon" }, "poster.mode"},
		{"bluesky without credentials", func(c *Config) { c.Poster.Mode = PosterModeBluesky }, "poster.identifier"},
		{"bluesky with credentials", func(c *Config) {
			c.Poster.Mode = PosterModeBluesky
			c.Poster.Identifier = "me.bsky.social"
			c.Poster.AppPassword = "xxxx-xxxx"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
			if !errors.IsInvalidInput(err) {
				t.Errorf("Validate() error should be marked invalid input: %v", err)
			}
		})
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadFromFile_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigName)
	writeFile(t, path, `
[schedule]
timezone = "UTC"
windows = ["09:00", "17:00"]
min_gap = "2h"

[dispatch]
max_attempts = 3
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() failed: %v", err)
	}
	if cfg.Schedule.Timezone != "UTC" {
		t.Errorf("expected UTC, got %q", cfg.Schedule.Timezone)
	}
	if got := strings.Join(cfg.Schedule.Windows, ","); got != "09:00,17:00" {
		t.Errorf("expected file windows, got %s", got)
	}
	if cfg.Schedule.MinGap != 2*time.Hour {
		t.Errorf("expected 2h gap, got %s", cfg.Schedule.MinGap)
	}
	if cfg.Dispatch.MaxAttempts != 3 {
		t.Errorf("expected max_attempts 3, got %d", cfg.Dispatch.MaxAttempts)
	}
	// Untouched keys keep their defaults
	if cfg.Content.MaxLength != 280 {
		t.Errorf("expected default max_length, got %d", cfg.Content.MaxLength)
	}
}

func TestLoad_ExplicitFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.toml")
	writeFile(t, path, "[database]\npath = \"from-file.db\"\n")

	t.Setenv("AUTOPOST_CONTENT_MAX_LENGTH", "500")
	t.Setenv("BLUESKY_APP_PASSWORD", "secret-from-env")

	SetConfigFile(path)
	t.Cleanup(func() { SetConfigFile("") })

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Database.Path != "from-file.db" {
		t.Errorf("expected path from file, got %q", cfg.Database.Path)
	}
	if cfg.Content.MaxLength != 500 {
		t.Errorf("expected env override 500, got %d", cfg.Content.MaxLength)
	}
	if cfg.Poster.AppPassword != "secret-from-env" {
		t.Errorf("expected app password bound from BLUESKY_APP_PASSWORD")
	}
	if ConfigPath() != path {
		t.Errorf("ConfigPath() = %q, want %q", ConfigPath(), path)
	}

	settings, err := Settings()
	if err != nil {
		t.Fatalf("Settings() failed: %v", err)
	}
	poster := settings["poster"].(map[string]interface{})
	if poster["app_password"] != "********" {
		t.Errorf("expected app_password redacted, got %v", poster["app_password"])
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	SetConfigFile(filepath.Join(t.TempDir(), "absent.toml"))
	t.Cleanup(func() { SetConfigFile("") })

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a missing --config file")
	}
}

func TestUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigName)
	writeFile(t, path, `
[schedule]
timezone = "UTC"
min_gap_hours = 4

[dispatch]
workers = 2

[telemetry]
enabled = true
`)

	unknown, err := UnknownKeys(path)
	if err != nil {
		t.Fatalf("UnknownKeys() failed: %v", err)
	}
	want := []string{"schedule.min_gap_hours", "telemetry", "telemetry.enabled"}
	if strings.Join(unknown, ",") != strings.Join(want, ",") {
		t.Errorf("UnknownKeys() = %v, want %v", unknown, want)
	}
}

func TestInitConfig_BackupRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultConfigName)

	if err := InitConfig(path, false); err != nil {
		t.Fatalf("InitConfig() failed: %v", err)
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}

	if err := InitConfig(path, false); err == nil {
		t.Error("expected InitConfig to refuse to overwrite without force")
	}

	for i := 0; i < 4; i++ {
		if err := InitConfig(path, true); err != nil {
			t.Fatalf("forced InitConfig #%d failed: %v", i, err)
		}
	}
	for _, suffix := range []string{".back1", ".back2", ".back3"} {
		if _, err := os.Stat(path + suffix); err != nil {
			t.Errorf("expected backup %s: %v", suffix, err)
		}
	}
	if _, err := os.Stat(path + ".back4"); !os.IsNotExist(err) {
		t.Error("only three backups should be kept")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != ConfigFilePermissions {
		t.Errorf("config written with %v, want %v", info.Mode().Perm(), os.FileMode(ConfigFilePermissions))
	}
}

func TestConfigWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigName)
	writeFile(t, path, "[schedule]\ntimezone = \"UTC\"\n")

	initial, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}

	w, err := NewConfigWatcher(path)
	if err != nil {
		t.Fatalf("NewConfigWatcher() failed: %v", err)
	}
	w.debouncePeriod = 20 * time.Millisecond
	defer w.Stop()

	type change struct{ prev, next string }
	changes := make(chan change, 4)
	w.OnReload(func(prev, next *Config) error {
		changes <- change{prev.Schedule.Timezone, next.Schedule.Timezone}
		return nil
	})
	w.Start(initial)

	writeFile(t, path, "[schedule]\ntimezone = \"Europe/Amsterdam\"\n")

	select {
	case c := <-changes:
		if c.prev != "UTC" || c.next != "Europe/Amsterdam" {
			t.Errorf("unexpected reload %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestConfigWatcher_InvalidFileKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultConfigName)
	writeFile(t, path, "[schedule]\ntimezone = \"UTC\"\n")

	w, err := NewConfigWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	writeFile(t, path, "[schedule]\ntimezone = \"Nowhere/Land\"\n")
	if _, err := w.reload(defaultConfig(t)); err == nil {
		t.Error("expected reload of an invalid file to fail")
	}
}

func TestIsBackupFile(t *testing.T) {
	if !isBackupFile("/etc/autopost/autopost.toml.back2") {
		t.Error("expected .back2 to be a backup")
	}
	if isBackupFile("/etc/autopost/autopost.toml") {
		t.Error("config itself is not a backup")
	}
}
