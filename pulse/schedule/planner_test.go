package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/autopost/errors"
	autotest "github.com/teranos/autopost/internal/testing"
	"github.com/teranos/autopost/pulse/dedup"
	"github.com/teranos/autopost/pulse/queue"
	"github.com/teranos/autopost/pulse/slot"
)

type fixture struct {
	store   *queue.Store
	planner *Planner
	loc     *time.Location
}

// newFixture wires store, allocator and dedup guard the way the binary does
func newFixture(t *testing.T, windows []string, gap time.Duration, now time.Time) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()

	cfg, err := slot.NewConfig("America/New_York", windows, gap, 30*24*time.Hour, 15*time.Minute)
	require.NoError(t, err)
	alloc := slot.New(cfg, log)

	normalizer := dedup.NewNormalizer(dedup.DefaultRule())
	guard := dedup.NewGuard(normalizer, 7*24*time.Hour, log)

	store := queue.NewStore(autotest.CreateTestDB(t), queue.Config{},
		queue.WithFingerprint(normalizer.Fingerprint),
		queue.WithClock(func() time.Time { return now }),
		queue.WithLogger(log))
	store.Use(alloc, guard)

	return &fixture{store: store, planner: NewPlanner(store, alloc, log), loc: cfg.Location}
}

func (f *fixture) enqueue(t *testing.T, text string) *queue.Job {
	t.Helper()
	job, err := f.store.Enqueue(context.Background(), queue.NewJob{Text: text})
	require.NoError(t, err)
	return job
}

func TestScheduleNext_HelloWorldScenario(t *testing.T) {
	ctx := context.Background()
	loc, _ := time.LoadLocation("America/New_York")
	now := time.Date(2026, 3, 2, 5, 0, 0, 0, loc)
	f := newFixture(t, []string{"06:00", "10:00"}, 4*time.Hour, now)

	first, err := f.planner.ScheduleNext(ctx, f.enqueue(t, "Hello world").ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusScheduled, first.Status)
	assert.True(t, first.ScheduledAt.Equal(time.Date(2026, 3, 2, 6, 0, 0, 0, loc)),
		"got %s", first.ScheduledAt.In(loc))

	second := f.enqueue(t, "hello world!")
	_, err = f.planner.ScheduleNext(ctx, second.ID, time.Time{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, queue.ErrDuplicateContent))

	stored, err := f.store.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusDraft, stored.Status)
}

func TestScheduleNext_NotBefore(t *testing.T) {
	ctx := context.Background()
	loc, _ := time.LoadLocation("America/New_York")
	now := time.Date(2026, 3, 2, 5, 0, 0, 0, loc)
	f := newFixture(t, []string{"06:00", "10:00"}, 0, now)

	job, err := f.planner.ScheduleNext(ctx, f.enqueue(t, "later").ID, time.Date(2026, 3, 5, 7, 0, 0, 0, loc))
	require.NoError(t, err)
	assert.True(t, job.ScheduledAt.Equal(time.Date(2026, 3, 5, 10, 0, 0, 0, loc)))
}

func TestPlanDrafts(t *testing.T) {
	ctx := context.Background()
	loc, _ := time.LoadLocation("America/New_York")
	now := time.Date(2026, 3, 2, 5, 0, 0, 0, loc)
	f := newFixture(t, []string{"06:00", "14:00"}, 4*time.Hour, now)

	a := f.enqueue(t, "Morning update")
	dup := f.enqueue(t, "morning UPDATE.")
	b := f.enqueue(t, "Afternoon update")
	c := f.enqueue(t, "Tomorrow")

	result, err := f.planner.PlanDrafts(ctx)
	require.NoError(t, err)

	require.Len(t, result.Scheduled, 3)
	assert.Equal(t, a.ID, result.Scheduled[0].ID)
	assert.Equal(t, b.ID, result.Scheduled[1].ID)
	assert.Equal(t, c.ID, result.Scheduled[2].ID)
	assert.True(t, result.Scheduled[0].ScheduledAt.Equal(time.Date(2026, 3, 2, 6, 0, 0, 0, loc)))
	assert.True(t, result.Scheduled[1].ScheduledAt.Equal(time.Date(2026, 3, 2, 14, 0, 0, 0, loc)))
	assert.True(t, result.Scheduled[2].ScheduledAt.Equal(time.Date(2026, 3, 3, 6, 0, 0, 0, loc)))

	require.Contains(t, result.Duplicates, dup.ID)
	assert.True(t, errors.Is(result.Duplicates[dup.ID], queue.ErrDuplicateContent))

	again, err := f.planner.PlanDrafts(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Scheduled)
	assert.Len(t, again.Duplicates, 1)
}
