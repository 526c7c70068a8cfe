package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	autotest "github.com/teranos/autopost/internal/testing"
)

// fakeClock is a settable clock shared by a store and its test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, cfg Config, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock(t0)
	opts = append([]Option{
		WithClock(clock.Now),
		WithLogger(zaptest.NewLogger(t).Sugar()),
		WithFingerprint(func(s string) string { return "h:" + s }),
	}, opts...)
	return NewStore(autotest.CreateTestDB(t), cfg, opts...), clock
}

// scheduledJob enqueues text and schedules it at at
func scheduledJob(t *testing.T, s *Store, text string, at time.Time) *Job {
	t.Helper()
	ctx := context.Background()
	job, err := s.Enqueue(ctx, NewJob{Text: text})
	require.NoError(t, err)
	job, err = s.Schedule(ctx, job.ID, at)
	require.NoError(t, err)
	return job
}

// dispatchingJob returns a job that has just been claimed
func dispatchingJob(t *testing.T, s *Store, clock *fakeClock, text string) *Job {
	t.Helper()
	job := scheduledJob(t, s, text, clock.Now())
	claimed, err := s.ClaimDue(context.Background(), clock.Now(), 10)
	require.NoError(t, err)
	for _, c := range claimed {
		if c.ID == job.ID {
			return c
		}
	}
	t.Fatalf("job %s was not claimed", job.ID)
	return nil
}
