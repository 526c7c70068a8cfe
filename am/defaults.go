package am

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options.
// Durations are given as strings so `config show` prints what a user would write.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "autopost.db")

	v.SetDefault("content.max_length", 280)

	v.SetDefault("schedule.timezone", "America/New_York")
	v.SetDefault("schedule.windows", []string{"06:00", "10:00", "14:00", "18:00"})
	v.SetDefault("schedule.min_gap", "4h")
	v.SetDefault("schedule.horizon_days", 30)
	v.SetDefault("schedule.lead_time", "15m")

	v.SetDefault("dedup.lookback", "168h") // one week
	v.SetDefault("dedup.nfkc", true)
	v.SetDefault("dedup.case_fold", true)
	v.SetDefault("dedup.strip_punctuation", true)
	v.SetDefault("dedup.strip_symbols", false) // emoji carry meaning
	v.SetDefault("dedup.collapse_whitespace", true)

	v.SetDefault("dispatch.cron", "@every 1m")
	v.SetDefault("dispatch.batch_size", 10)
	v.SetDefault("dispatch.workers", 1)
	v.SetDefault("dispatch.poster_timeout", "30s")
	v.SetDefault("dispatch.stale_after", "10m")
	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.backoff_base", "1m")
	v.SetDefault("dispatch.backoff_cap", "6h")
	v.SetDefault("dispatch.backoff_jitter", 0.5)
	v.SetDefault("dispatch.rate_per_minute", 0)

	v.SetDefault("poster.mode", PosterModeDryRun)
	v.SetDefault("poster.pds_host", "https://bsky.social")
	v.SetDefault("poster.identifier", "")
	v.SetDefault("poster.app_password", "")
	v.SetDefault("poster.allow_private_host", false)

	v.SetDefault("server.addr", "")

	v.SetDefault("paths.legacy_queue", "")
	v.SetDefault("paths.snapshot", "")
}

// BindSensitiveEnvVars binds secrets to environment variables so they never need
// to be written into a config file.
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("poster.app_password", "AUTOPOST_POSTER_APP_PASSWORD", "BLUESKY_APP_PASSWORD")
	_ = v.BindEnv("poster.identifier", "AUTOPOST_POSTER_IDENTIFIER", "BLUESKY_HANDLE")
}
