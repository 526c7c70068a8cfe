package am

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/autopost/errors"
)

// Validate checks that the configuration is usable.
// Zero means zero: a value of 0 is only accepted where it has a meaning.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.Mark(errors.New("database.path cannot be empty"), errors.ErrInvalidInput)
	}

	if c.Content.MaxLength <= 0 {
		return invalidf("content.max_length must be > 0, got %d", c.Content.MaxLength)
	}

	if err := c.Schedule.validate(); err != nil {
		return err
	}

	if c.Dedup.Lookback < 0 {
		return invalidf("dedup.lookback must be >= 0, got %s", c.Dedup.Lookback)
	}

	if err := c.Dispatch.validate(); err != nil {
		return err
	}

	switch c.Poster.Mode {
	case PosterModeDryRun:
	case PosterModeBluesky:
		if c.Poster.PDSHost == "" {
			return invalidf("poster.pds_host cannot be empty in %s mode", PosterModeBluesky)
		}
		if c.Poster.Identifier == "" || c.Poster.AppPassword == "" {
			return errors.WithHint(
				invalidf("poster.identifier and poster.app_password are required in %s mode", PosterModeBluesky),
				"set BLUESKY_HANDLE and BLUESKY_APP_PASSWORD in the environment")
		}
	default:
		return invalidf("poster.mode must be %q or %q, got %q", PosterModeDryRun, PosterModeBluesky, c.Poster.Mode)
	}

	return nil
}

func (s ScheduleConfig) validate() error {
	if _, err := time.LoadLocation(s.Timezone); err != nil || s.Timezone == "" {
		return errors.WithHint(
			invalidf("schedule.timezone %q is not a known IANA zone", s.Timezone),
			"use a name such as America/New_York or UTC")
	}
	if len(s.Windows) == 0 {
		return invalidf("schedule.windows cannot be empty")
	}
	seen := make(map[string]bool, len(s.Windows))
	for _, w := range s.Windows {
		if _, err := time.Parse("15:04", w); err != nil {
			return invalidf("schedule.windows entry %q must be HH:MM", w)
		}
		if seen[w] {
			return invalidf("schedule.windows lists %q twice", w)
		}
		seen[w] = true
	}
	if s.MinGap < 0 {
		return invalidf("schedule.min_gap must be >= 0, got %s", s.MinGap)
	}
	if s.HorizonDays <= 0 {
		return invalidf("schedule.horizon_days must be > 0, got %d", s.HorizonDays)
	}
	if s.LeadTime < 0 {
		return invalidf("schedule.lead_time must be >= 0, got %s", s.LeadTime)
	}
	return nil
}

func (d DispatchConfig) validate() error {
	if _, err := cron.ParseStandard(d.Cron); err != nil {
		return errors.WithHint(
			errors.Mark(errors.Wrapf(err, "dispatch.cron %q is invalid", d.Cron), errors.ErrInvalidInput),
			`use a five-field cron expression or a descriptor such as "@every 1m"`)
	}
	if d.BatchSize <= 0 {
		return invalidf("dispatch.batch_size must be > 0, got %d", d.BatchSize)
	}
	if d.Workers <= 0 {
		return invalidf("dispatch.workers must be > 0, got %d", d.Workers)
	}
	if d.PosterTimeout <= 0 {
		return invalidf("dispatch.poster_timeout must be > 0, got %s", d.PosterTimeout)
	}
	if d.StaleAfter <= d.PosterTimeout {
		return errors.WithHint(
			invalidf("dispatch.stale_after (%s) must exceed dispatch.poster_timeout (%s)", d.StaleAfter, d.PosterTimeout),
			"otherwise a slow but live post could be reclaimed and sent twice")
	}
	if d.MaxAttempts <= 0 {
		return invalidf("dispatch.max_attempts must be > 0, got %d", d.MaxAttempts)
	}
	if d.BackoffBase <= 0 {
		return invalidf("dispatch.backoff_base must be > 0, got %s", d.BackoffBase)
	}
	if d.BackoffCap < d.BackoffBase {
		return invalidf("dispatch.backoff_cap (%s) must be >= dispatch.backoff_base (%s)", d.BackoffCap, d.BackoffBase)
	}
	if d.BackoffJitter < 0 || d.BackoffJitter > 1 {
		return invalidf("dispatch.backoff_jitter must be within [0, 1], got %g", d.BackoffJitter)
	}
	if d.RatePerMinute < 0 {
		return invalidf("dispatch.rate_per_minute must be >= 0, got %d", d.RatePerMinute)
	}
	return nil
}

func invalidf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), errors.ErrInvalidInput)
}
