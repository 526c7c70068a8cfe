// Package slot assigns posting times. A slot is a calendar instant whose local
// wall-clock time equals one of the configured window anchors; occupancy is
// always read from the queue, never cached.
package slot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/logger"
	"github.com/teranos/autopost/pulse/queue"
)

// Anchor is a time of day at which posts may go out
type Anchor struct {
	Hour   int
	Minute int
}

// ParseAnchor parses "HH:MM"
func ParseAnchor(s string) (Anchor, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Anchor{}, errors.Mark(errors.Newf("window %q must be HH:MM", s), errors.ErrInvalidInput)
	}
	return Anchor{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (a Anchor) String() string {
	return fmt.Sprintf("%02d:%02d", a.Hour, a.Minute)
}

func (a Anchor) minutes() int {
	return a.Hour*60 + a.Minute
}

// Config describes where slots may be placed
type Config struct {
	Location *time.Location
	Anchors  []Anchor // sorted, unique
	MinGap   time.Duration
	Horizon  time.Duration
	LeadTime time.Duration
	Lookback time.Duration // Reflow keeps same-hash jobs this far apart; zero disables
}

// NewConfig parses windows in the named zone
func NewConfig(timezone string, windows []string, minGap, horizon, leadTime time.Duration) (Config, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Config{}, errors.Mark(errors.Wrapf(err, "unknown timezone %q", timezone), errors.ErrInvalidInput)
	}
	if len(windows) == 0 {
		return Config{}, errors.Mark(errors.New("at least one posting window is required"), errors.ErrInvalidInput)
	}

	seen := make(map[Anchor]bool, len(windows))
	anchors := make([]Anchor, 0, len(windows))
	for _, w := range windows {
		a, err := ParseAnchor(w)
		if err != nil {
			return Config{}, err
		}
		if !seen[a] {
			seen[a] = true
			anchors = append(anchors, a)
		}
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i].minutes() < anchors[j].minutes() })

	return Config{
		Location: loc,
		Anchors:  anchors,
		MinGap:   minGap,
		Horizon:  horizon,
		LeadTime: leadTime,
	}, nil
}

// Windows returns the anchors as "HH:MM" strings
func (c Config) Windows() []string {
	out := make([]string, len(c.Anchors))
	for i, a := range c.Anchors {
		out[i] = a.String()
	}
	return out
}

// Allocator finds and validates slots
type Allocator struct {
	mu     sync.RWMutex
	cfg    Config
	logger *zap.SugaredLogger
}

// New creates an Allocator
func New(cfg Config, log *zap.SugaredLogger) *Allocator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Allocator{cfg: cfg, logger: log}
}

// Config returns the allocator's configuration
func (a *Allocator) Config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// SetConfig swaps in new windows, gap or zone. Jobs already scheduled keep
// their slots until Reflow moves them.
func (a *Allocator) SetConfig(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// Earliest is the first instant a new post may be scheduled for, given now
func (a *Allocator) Earliest(now time.Time) time.Time {
	return now.Add(a.Config().LeadTime)
}

// Next returns the first free slot at or after earliest and no later than
// earliest + horizon. A slot is free when no slot-holding job other than
// excludeID sits on it or within MinGap of it.
func (a *Allocator) Next(ctx context.Context, store *queue.Store, earliest time.Time, excludeID string) (time.Time, error) {
	cfg := a.Config()
	end := earliest.Add(cfg.Horizon)
	occupied, err := store.SlotsBetween(ctx, earliest.Add(-cfg.MinGap), end.Add(cfg.MinGap), excludeID)
	if err != nil {
		return time.Time{}, err
	}

	at, ok := cfg.firstFree(earliest, end, occupied, nil)
	if !ok {
		return time.Time{}, errors.WithStack(&queue.NoSlotAvailableError{Earliest: earliest, Horizon: cfg.Horizon})
	}
	return at, nil
}

// CheckSchedule rejects at unless it is an anchor instant that is free.
// It only reads.
func (a *Allocator) CheckSchedule(ctx context.Context, store *queue.Store, job *queue.Job, at time.Time) error {
	cfg := a.Config()
	if !cfg.IsAnchor(at) {
		local := at.In(cfg.Location)
		return errors.WithHintf(
			errors.WithStack(&queue.SlotConflictError{
				At:     at,
				Reason: fmt.Sprintf("%s is not a posting window in %s", local.Format("15:04:05"), cfg.Location),
			}),
			"posting windows are %s", strings.Join(cfg.Windows(), ", "))
	}

	occupied, err := store.SlotsBetween(ctx, at.Add(-cfg.MinGap), at.Add(cfg.MinGap), job.ID)
	if err != nil {
		return err
	}
	if conflict, ok := conflictWith(occupied, at, cfg.MinGap); ok {
		reason := fmt.Sprintf("within %s of another post", cfg.MinGap)
		if conflict.Equal(at) {
			reason = "slot already taken"
		}
		return errors.WithStack(&queue.SlotConflictError{At: at, Reason: reason, Conflict: &conflict})
	}
	return nil
}

// IsAnchor reports whether at falls exactly on a window anchor in the configured zone
func (a *Allocator) IsAnchor(at time.Time) bool {
	return a.Config().IsAnchor(at)
}

// IsAnchor reports whether at falls exactly on one of c's anchors
func (c Config) IsAnchor(at time.Time) bool {
	local := at.In(c.Location)
	if local.Second() != 0 || local.Nanosecond() != 0 {
		return false
	}
	for _, anchor := range c.Anchors {
		if local.Hour() == anchor.Hour && local.Minute() == anchor.Minute {
			return true
		}
	}
	return false
}

// firstFree walks anchors day by day from earliest and returns the first
// candidate in [earliest, end] that does not conflict with occupied (sorted)
// and that skip, when given, does not reject.
func (c Config) firstFree(earliest, end time.Time, occupied []time.Time, skip func(time.Time) bool) (time.Time, bool) {
	var found time.Time
	ok := false
	c.eachCandidate(earliest, end, func(candidate time.Time) bool {
		if _, taken := conflictWith(occupied, candidate, c.MinGap); taken {
			return true
		}
		if skip != nil && skip(candidate) {
			return true
		}
		found, ok = candidate, true
		return false
	})
	return found, ok
}

// eachCandidate calls fn for every existing anchor instant in [earliest, end],
// in order, until fn returns false. Anchors that fall in a DST gap do not exist
// on that day and are skipped.
func (c Config) eachCandidate(earliest, end time.Time, fn func(time.Time) bool) {
	loc := c.Location
	start := earliest.In(loc)
	y, m, d := start.Date()

	for day := 0; ; day++ {
		midnight := time.Date(y, m, d+day, 0, 0, 0, 0, loc)
		if midnight.After(end) {
			return
		}
		for _, anchor := range c.Anchors {
			candidate := time.Date(y, m, d+day, anchor.Hour, anchor.Minute, 0, 0, loc)
			if candidate.Hour() != anchor.Hour || candidate.Minute() != anchor.Minute {
				continue
			}
			if candidate.Before(earliest) {
				continue
			}
			if candidate.After(end) {
				return
			}
			if !fn(candidate.UTC()) {
				return
			}
		}
	}
}

// conflictWith returns the occupied slot closest to candidate when it is
// exactly candidate or less than gap away.
func conflictWith(occupied []time.Time, candidate time.Time, gap time.Duration) (time.Time, bool) {
	i := sort.Search(len(occupied), func(i int) bool { return !occupied[i].Before(candidate) })
	if i < len(occupied) {
		if next := occupied[i]; next.Equal(candidate) || next.Sub(candidate) < gap {
			return next, true
		}
	}
	if i > 0 {
		if prev := occupied[i-1]; candidate.Sub(prev) < gap {
			return prev, true
		}
	}
	return time.Time{}, false
}

// insertSorted adds t to a sorted slice
func insertSorted(slots []time.Time, t time.Time) []time.Time {
	i := sort.Search(len(slots), func(i int) bool { return !slots[i].Before(t) })
	slots = append(slots, time.Time{})
	copy(slots[i+1:], slots[i:])
	slots[i] = t
	return slots
}

// removeOne drops a single occurrence of t from a sorted slice
func removeOne(slots []time.Time, t time.Time) []time.Time {
	i := sort.Search(len(slots), func(i int) bool { return !slots[i].Before(t) })
	if i < len(slots) && slots[i].Equal(t) {
		return append(slots[:i], slots[i+1:]...)
	}
	return slots
}

// Move records one reassignment made by Reflow
type Move struct {
	JobID string
	From  time.Time
	To    time.Time
}

// Reflow recomputes the slot of every scheduled job at or after from, in
// creation order, as if each were being scheduled for the first time with
// earliest = from. Posted and in-flight jobs, and scheduled jobs before from,
// stay where they are and count as occupancy. When Lookback is set a job also
// skips candidates less than Lookback from a slot-holding job or sent post
// with the same content hash, including jobs already placed by this run.
// Only changed assignments are written, so running it again with the same
// inputs writes nothing. Any job that no longer fits fails the whole reflow
// and nothing is changed.
func (a *Allocator) Reflow(ctx context.Context, store *queue.Store, from time.Time) ([]Move, error) {
	var moves []Move
	cfg := a.Config()

	err := store.InTx(ctx, func(tx *queue.Store) error {
		jobs, err := tx.ScheduledFrom(ctx, from)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}

		end := from.Add(cfg.Horizon)
		occupied, err := tx.SlotsBetween(ctx, from.Add(-cfg.MinGap), end.Add(cfg.MinGap), "")
		if err != nil {
			return err
		}
		for _, job := range jobs {
			occupied = removeOne(occupied, *job.ScheduledAt)
		}

		taken, err := cfg.sameContent(ctx, tx, jobs, from, end)
		if err != nil {
			return err
		}

		for _, job := range jobs {
			if err := ctx.Err(); err != nil {
				return err
			}
			hash := job.ContentHash
			at, ok := cfg.firstFree(from, end, occupied, func(candidate time.Time) bool {
				return cfg.tooClose(taken[hash], candidate)
			})
			if !ok {
				return errors.Wrapf(
					errors.WithStack(&queue.NoSlotAvailableError{Earliest: from, Horizon: cfg.Horizon}),
					"reflow cannot place job %s", job.ID)
			}
			occupied = insertSorted(occupied, at)
			if cfg.Lookback > 0 && hash != "" {
				taken[hash] = append(taken[hash], at)
			}

			if job.ScheduledAt.Equal(at) {
				continue
			}
			prev := *job.ScheduledAt
			if err := tx.MoveSlot(ctx, job, at); err != nil {
				return err
			}
			moves = append(moves, Move{JobID: job.ID, From: prev, To: at})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.Infow("Reflow complete",
		logger.FieldCount, len(moves),
		logger.FieldTimezone, cfg.Location.String(),
		"from", from)
	return moves, nil
}

// sameContent collects, per content hash of the jobs being reflowed, the
// instants already claimed by that text: slot-holding jobs outside the reflow
// and sent history within Lookback of [from, end].
func (c Config) sameContent(ctx context.Context, tx *queue.Store, jobs []*queue.Job, from, end time.Time) (map[string][]time.Time, error) {
	taken := make(map[string][]time.Time)
	if c.Lookback <= 0 {
		return taken, nil
	}

	moving := make(map[string]bool, len(jobs))
	for _, job := range jobs {
		moving[job.ID] = true
	}

	lo, hi := from.Add(-c.Lookback), end.Add(c.Lookback)
	for _, job := range jobs {
		hash := job.ContentHash
		if hash == "" {
			continue
		}
		if _, done := taken[hash]; done {
			continue
		}
		taken[hash] = []time.Time{}

		held, err := tx.FindByHash(ctx, hash, lo, hi, "")
		if err != nil {
			return nil, err
		}
		for _, other := range held {
			if !moving[other.ID] && other.ScheduledAt != nil {
				taken[hash] = append(taken[hash], *other.ScheduledAt)
			}
		}

		sent, err := tx.FindSentByHash(ctx, hash, lo, hi)
		if err != nil {
			return nil, err
		}
		for _, p := range sent {
			taken[hash] = append(taken[hash], p.PostedAt)
		}
	}
	return taken, nil
}

// tooClose reports whether candidate is less than Lookback from any of at
func (c Config) tooClose(at []time.Time, candidate time.Time) bool {
	for _, t := range at {
		d := candidate.Sub(t)
		if d < 0 {
			d = -d
		}
		if d < c.Lookback {
			return true
		}
	}
	return false
}
