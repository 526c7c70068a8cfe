package queue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/autopost/errors"
)

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Config{MaxLength: 10})

	t.Run("creates a draft with hash", func(t *testing.T) {
		job, err := s.Enqueue(ctx, NewJob{Text: "  hello  ", Topic: "greeting", Notes: "first"})
		require.NoError(t, err)

		assert.Equal(t, StatusDraft, job.Status)
		assert.Equal(t, "hello", job.ContentText)
		assert.Equal(t, "h:hello", job.ContentHash)
		assert.Nil(t, job.ScheduledAt)
		assert.Equal(t, t0, job.CreatedAt)

		stored, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job, stored)
	})

	t.Run("length counts runes not bytes", func(t *testing.T) {
		_, err := s.Enqueue(ctx, NewJob{Text: strings.Repeat("é", 10)})
		assert.NoError(t, err)

		_, err = s.Enqueue(ctx, NewJob{Text: strings.Repeat("é", 11)})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidation))
		assert.True(t, errors.IsInvalidInput(err))
		assert.Contains(t, errors.FlattenHints(err), "11 characters, limit is 10")
	})

	t.Run("rejects empty and whitespace", func(t *testing.T) {
		for _, text := range []string{"", "   ", "\n\t"} {
			_, err := s.Enqueue(ctx, NewJob{Text: text})
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "text %q", text)
			assert.Equal(t, "content_text", verr.Field)
		}
	})
}

func TestGetNotFound(t *testing.T) {
	s, _ := newTestStore(t, Config{})
	_, err := s.Get(context.Background(), "missing")
	assert.True(t, errors.IsNotFound(err))
}

type recordingCheck struct {
	calls []time.Time
	err   error
}

func (c *recordingCheck) CheckSchedule(_ context.Context, store *Store, job *Job, at time.Time) error {
	if store.tx == nil {
		panic("check must run inside the schedule transaction")
	}
	c.calls = append(c.calls, at)
	return c.err
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC)

	t.Run("draft becomes scheduled after checks pass", func(t *testing.T) {
		check := &recordingCheck{}
		s, _ := newTestStore(t, Config{}, WithChecks(check))

		job, err := s.Enqueue(ctx, NewJob{Text: "post"})
		require.NoError(t, err)

		scheduled, err := s.Schedule(ctx, job.ID, at)
		require.NoError(t, err)
		assert.Equal(t, StatusScheduled, scheduled.Status)
		assert.Equal(t, at, *scheduled.ScheduledAt)
		assert.Equal(t, job.Version+1, scheduled.Version)
		assert.Equal(t, []time.Time{at}, check.calls)

		stored, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, scheduled, stored)
	})

	t.Run("failed check leaves the draft untouched", func(t *testing.T) {
		check := &recordingCheck{err: &SlotConflictError{At: at, Reason: "taken"}}
		s, _ := newTestStore(t, Config{}, WithChecks(check))

		job, err := s.Enqueue(ctx, NewJob{Text: "post"})
		require.NoError(t, err)

		_, err = s.Schedule(ctx, job.ID, at)
		assert.True(t, errors.Is(err, ErrSlotConflict))

		stored, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDraft, stored.Status)
		assert.Equal(t, job.Version, stored.Version)
	})

	t.Run("only drafts can be scheduled", func(t *testing.T) {
		s, _ := newTestStore(t, Config{})
		job := scheduledJob(t, s, "post", at)

		_, err := s.Schedule(ctx, job.ID, at.Add(time.Hour))
		var serr *StateError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, StatusScheduled, serr.Status)
		assert.True(t, errors.Is(err, ErrStateConflict))
	})

	t.Run("checks added with Use run too", func(t *testing.T) {
		s, _ := newTestStore(t, Config{})
		check := &recordingCheck{}
		s.Use(check)
		scheduledJob(t, s, "post", at)
		assert.Len(t, check.calls, 1)
	})
}

func TestListAndCount(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, Config{})

	day := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	late := scheduledJob(t, s, "late", day.Add(18*time.Hour))
	clock.Advance(time.Second)
	early := scheduledJob(t, s, "early", day.Add(6*time.Hour))
	clock.Advance(time.Second)
	nextDay := scheduledJob(t, s, "tomorrow", day.Add(30*time.Hour))
	clock.Advance(time.Second)
	draft, err := s.Enqueue(ctx, NewJob{Text: "draft"})
	require.NoError(t, err)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []string{early.ID, late.ID, nextDay.ID, draft.ID}, ids(all))

	onDay, err := s.List(ctx, Filter{Status: StatusScheduled, From: day, To: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID, late.ID}, ids(onDay))

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID}, ids(limited))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[StatusScheduled])
	assert.Equal(t, 1, counts[StatusDraft])
	assert.Equal(t, 0, counts[StatusReview])
	assert.Len(t, counts, len(AllStatuses))
}

func TestSlotQueries(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Config{})

	a := scheduledJob(t, s, "same", t0.Add(time.Hour))
	b := scheduledJob(t, s, "same", t0.Add(5*time.Hour))
	scheduledJob(t, s, "other", t0.Add(3*time.Hour))

	slots, err := s.SlotsBetween(ctx, t0, t0.Add(4*time.Hour), a.ID)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{t0.Add(3 * time.Hour)}, slots)

	dups, err := s.FindByHash(ctx, "h:same", t0, t0.Add(5*time.Hour), "")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids(dups), "the upper bound is exclusive")

	dups, err = s.FindByHash(ctx, "h:same", t0, t0.Add(6*time.Hour), b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids(dups))
}

func TestReviewSink(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, Config{MaxAttempts: 1})

	job := dispatchingJob(t, s, clock, "doomed")
	failed, err := s.RecordFailure(ctx, job.ID, "account suspended", false)
	require.NoError(t, err)
	require.Equal(t, StatusReview, failed.Status)

	inReview, err := s.List(ctx, Filter{Status: StatusReview})
	require.NoError(t, err)
	require.Len(t, inReview, 1)
	assert.Equal(t, "account suspended", inReview[0].LastError)
	assert.Equal(t, 1, inReview[0].AttemptCount)

	t.Run("requeue resets attempts", func(t *testing.T) {
		requeued, err := s.Requeue(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusDraft, requeued.Status)
		assert.Zero(t, requeued.AttemptCount)
		assert.Nil(t, requeued.ScheduledAt)
		assert.Empty(t, requeued.LastError)

		_, err = s.Requeue(ctx, job.ID)
		assert.True(t, errors.Is(err, ErrStateConflict), "a draft cannot be requeued")
	})

	t.Run("discard deletes drafts and review", func(t *testing.T) {
		require.NoError(t, s.Discard(ctx, job.ID))
		_, err := s.Get(ctx, job.ID)
		assert.True(t, errors.IsNotFound(err))

		other := scheduledJob(t, s, "keep me", t0.Add(48*time.Hour))
		err = s.Discard(ctx, other.ID)
		assert.True(t, errors.Is(err, ErrStateConflict))

		assert.True(t, errors.IsNotFound(s.Discard(ctx, "missing")))
	})
}

func TestInTxRollsBackAndNests(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Config{})

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx *Store) error {
		_, err := tx.Enqueue(ctx, NewJob{Text: "rolled back"})
		require.NoError(t, err)
		return tx.InTx(ctx, func(inner *Store) error {
			assert.Same(t, tx, inner)
			return boom
		})
	})
	assert.True(t, errors.Is(err, boom))

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts[StatusDraft])
}

func ids(jobs []*Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
