package commands

import (
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/autopost/am"
	"github.com/teranos/autopost/db"
	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/logger"
	"github.com/teranos/autopost/pulse/dedup"
	"github.com/teranos/autopost/pulse/dispatch"
	"github.com/teranos/autopost/pulse/queue"
	"github.com/teranos/autopost/pulse/schedule"
	"github.com/teranos/autopost/pulse/slot"
)

// app is the wired queue every command works through
type app struct {
	cfg        *am.Config
	db         *sql.DB
	store      *queue.Store
	alloc      *slot.Allocator
	normalizer *dedup.Normalizer
	guard      *dedup.Guard
	planner    *schedule.Planner
	log        *zap.SugaredLogger
}

// openApp loads and validates configuration, opens and migrates the
// database, and registers the slot and dedup checks on the store.
func openApp() (*app, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	slotCfg, err := slotConfig(cfg)
	if err != nil {
		return nil, err
	}

	database, err := db.OpenWithMigrations(cfg.Database.Path, logger.ComponentLogger("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path)
	}

	normalizer := dedup.NewNormalizer(dedup.Rule{
		NFKC:               cfg.Dedup.NFKC,
		CaseFold:           cfg.Dedup.CaseFold,
		StripPunctuation:   cfg.Dedup.StripPunctuation,
		StripSymbols:       cfg.Dedup.StripSymbols,
		CollapseWhitespace: cfg.Dedup.CollapseWhitespace,
	})
	backoff := dispatch.NewBackoff(cfg.Dispatch.BackoffBase, cfg.Dispatch.BackoffCap, cfg.Dispatch.BackoffJitter)

	store := queue.NewStore(database, queue.Config{
		MaxLength:   cfg.Content.MaxLength,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		StaleAfter:  cfg.Dispatch.StaleAfter,
	},
		queue.WithFingerprint(normalizer.Fingerprint),
		queue.WithBackoff(backoff.Delay),
		queue.WithLogger(logger.ComponentLogger("queue")))

	alloc := slot.New(slotCfg, logger.ComponentLogger("slot"))
	guard := dedup.NewGuard(normalizer, cfg.Dedup.Lookback, logger.ComponentLogger("dedup"))
	store.Use(alloc, guard)

	return &app{
		cfg:        cfg,
		db:         database,
		store:      store,
		alloc:      alloc,
		normalizer: normalizer,
		guard:      guard,
		planner:    schedule.NewPlanner(store, alloc, logger.ComponentLogger("planner")),
		log:        logger.Logger,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warnw("Failed to close database", logger.FieldError, err)
	}
}

func slotConfig(cfg *am.Config) (slot.Config, error) {
	s := cfg.Schedule
	c, err := slot.NewConfig(s.Timezone, s.Windows, s.MinGap, s.Horizon(), s.LeadTime)
	if err != nil {
		return slot.Config{}, err
	}
	c.Lookback = cfg.Dedup.Lookback
	return c, nil
}
