package dispatch

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/autopost/errors"
	autotest "github.com/teranos/autopost/internal/testing"
	"github.com/teranos/autopost/logger"
	"github.com/teranos/autopost/pulse/queue"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store *queue.Store
	clock *clock
}

func newFixture(t *testing.T, opts ...queue.Option) *fixture {
	t.Helper()
	c := &clock{now: t0}
	opts = append([]queue.Option{
		queue.WithClock(c.Now),
		queue.WithLogger(zaptest.NewLogger(t).Sugar()),
	}, opts...)
	store := queue.NewStore(autotest.CreateTestDB(t), queue.Config{MaxAttempts: 5}, opts...)
	return &fixture{store: store, clock: c}
}

// due enqueues text and schedules it a minute before the fixture's now
func (f *fixture) due(t *testing.T, text string) *queue.Job {
	t.Helper()
	ctx := context.Background()
	job, err := f.store.Enqueue(ctx, queue.NewJob{Text: text})
	require.NoError(t, err)
	job, err = f.store.Schedule(ctx, job.ID, f.clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	return job
}

func (f *fixture) worker(t *testing.T, p Poster, cfg Config, opts ...WorkerOption) *Worker {
	return NewWorker(f.store, p, cfg, zaptest.NewLogger(t).Sugar(), opts...)
}

func TestClassify(t *testing.T) {
	timeoutErr := &netTimeout{}
	tests := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"explicit fatal", &PostError{Code: CodeAuth, Retryable: false, Err: errors.New("bad password")}, CodeAuth, false},
		{"explicit wrapped", errors.Wrap(&PostError{Code: CodeServer, Retryable: true}, "post"), CodeServer, true},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "post"), CodeTimeout, true},
		{"canceled", context.Canceled, CodeCanceled, true},
		{"net timeout", timeoutErr, CodeTimeout, true},
		{"unknown", errors.New("something odd"), CodeUnknown, true},
		{"429", StatusError(http.StatusTooManyRequests, nil), CodeRateLimited, true},
		{"503", StatusError(http.StatusServiceUnavailable, nil), CodeServer, true},
		{"401", StatusError(http.StatusUnauthorized, nil), CodeAuth, false},
		{"403", StatusError(http.StatusForbidden, nil), CodeForbidden, false},
		{"400", StatusError(http.StatusBadRequest, nil), CodeRejected, false},
		{"404", StatusError(http.StatusNotFound, nil), CodeClient, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.err)
			assert.Equal(t, tt.code, c.Code)
			assert.Equal(t, tt.retryable, c.Retryable)
			assert.NotEmpty(t, c.Message)
		})
	}
}

type netTimeout struct{}

func (netTimeout) Error() string   { return "i/o timeout" }
func (netTimeout) Timeout() bool   { return true }
func (netTimeout) Temporary() bool { return true }

func TestBackoffDelay(t *testing.T) {
	t.Run("no jitter doubles then caps", func(t *testing.T) {
		b := NewBackoff(time.Minute, 10*time.Minute, 0)
		assert.Equal(t, time.Minute, b.Delay(0))
		assert.Equal(t, 2*time.Minute, b.Delay(1))
		assert.Equal(t, 8*time.Minute, b.Delay(3))
		assert.Equal(t, 10*time.Minute, b.Delay(4))
		assert.Equal(t, 10*time.Minute, b.Delay(60))
	})

	t.Run("full jitter never shrinks", func(t *testing.T) {
		// Worst case: maximum jitter now, none on the next attempt
		hi := NewBackoff(time.Minute, 6*time.Hour, 1)
		hi.rand = func() float64 { return 0.999 }
		lo := NewBackoff(time.Minute, 6*time.Hour, 1)
		lo.rand = func() float64 { return 0 }
		for n := 0; n < 12; n++ {
			assert.LessOrEqual(t, hi.Delay(n), lo.Delay(n+1), "n=%d", n)
			assert.LessOrEqual(t, hi.Delay(n), 6*time.Hour)
		}
	})
}

func TestPollOnce_Success(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.due(t, "hello")
	f.due(t, "world")

	var calls atomic.Int32
	poster := PosterFunc(func(ctx context.Context, text string) (string, error) {
		calls.Add(1)
		return "at://post/" + text, nil
	})
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	w := f.worker(t, poster, Config{BatchSize: 10, Workers: 2}, WithMetrics(metrics))

	result, err := w.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Claimed)
	assert.Equal(t, 2, result.Posted)
	assert.NotEmpty(t, result.CycleID)

	stored, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPosted, stored.Status)
	assert.Equal(t, "at://post/hello", stored.ExternalPostID)
	assert.Equal(t, 1, stored.AttemptCount)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.dispatched.WithLabelValues(OutcomePosted)))

	t.Run("posted jobs are never claimed again", func(t *testing.T) {
		result, err := w.PollOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, result.Claimed)
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestPollOnce_LogsCarryCallerContext(t *testing.T) {
	f := newFixture(t)
	job := f.due(t, "tagged")

	core, logs := observer.New(zapcore.DebugLevel)
	w := NewWorker(f.store, PosterFunc(func(ctx context.Context, text string) (string, error) {
		return "at://post/tagged", nil
	}), Config{}, zap.New(core).Sugar())

	result, err := w.PollOnce(logger.WithComponent(context.Background(), "daemon"))
	require.NoError(t, err)
	require.Equal(t, 1, result.Posted)

	posted := logs.FilterMessage("Posted").All()
	require.Len(t, posted, 1)
	fields := posted[0].ContextMap()
	assert.Equal(t, "daemon", fields[logger.FieldComponent])
	assert.Equal(t, job.ID, fields[logger.FieldJobID])
	assert.Equal(t, result.CycleID, fields[logger.FieldCycleID])
}

func TestPollOnce_RetriesThenReview(t *testing.T) {
	ctx := context.Background()
	backoff := NewBackoff(time.Minute, 6*time.Hour, 0.5)
	backoff.rand = func() float64 { return 0.5 }
	f := newFixture(t, queue.WithBackoff(backoff.Delay))
	job := f.due(t, "flaky")

	poster := PosterFunc(func(ctx context.Context, text string) (string, error) {
		return "", StatusError(http.StatusServiceUnavailable, errors.New("upstream down"))
	})
	w := f.worker(t, poster, Config{})

	var delays []time.Duration
	for attempt := 1; attempt <= 5; attempt++ {
		result, err := w.PollOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, result.Claimed, "attempt %d", attempt)

		stored, err := f.store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, stored.AttemptCount)
		assert.Contains(t, stored.LastError, CodeServer)

		if attempt < 5 {
			require.Equal(t, queue.StatusFailedRetryable, stored.Status)
			require.NotNil(t, stored.NextRetryAt)
			delays = append(delays, stored.NextRetryAt.Sub(f.clock.Now()))

			// Not due yet
			result, err := w.PollOnce(ctx)
			require.NoError(t, err)
			assert.Zero(t, result.Claimed)

			f.clock.Set(*stored.NextRetryAt)
		} else {
			assert.Equal(t, queue.StatusReview, stored.Status)
			assert.Equal(t, 1, result.Review)
		}
	}

	require.Len(t, delays, 4)
	assert.Equal(t, 75*time.Second, delays[0], "base plus a quarter of it")
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}
}

func TestPollOnce_FatalErrorsGoToReview(t *testing.T) {
	tests := []struct {
		name   string
		poster PosterFunc
		code   string
	}{
		{"auth", func(ctx context.Context, text string) (string, error) {
			return "", StatusError(http.StatusUnauthorized, errors.New("bad token"))
		}, CodeAuth},
		{"panic", func(ctx context.Context, text string) (string, error) {
			panic("boom")
		}, CodePanic},
		{"empty id", func(ctx context.Context, text string) (string, error) {
			return "  ", nil
		}, CodeRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			job := f.due(t, "doomed")
			other := f.due(t, "fine")

			poster := PosterFunc(func(ctx context.Context, text string) (string, error) {
				if text == "fine" {
					return "ok-1", nil
				}
				return tt.poster(ctx, text)
			})

			result, err := f.worker(t, poster, Config{Workers: 2}).PollOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, result.Review)
			assert.Equal(t, 1, result.Posted)

			stored, err := f.store.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, queue.StatusReview, stored.Status)
			assert.Equal(t, 1, stored.AttemptCount)
			assert.Contains(t, stored.LastError, tt.code)

			fine, err := f.store.Get(ctx, other.ID)
			require.NoError(t, err)
			assert.Equal(t, queue.StatusPosted, fine.Status)
		})
	}
}

func TestPollOnce_TimeoutIsRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.due(t, "slow")

	poster := PosterFunc(func(ctx context.Context, text string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	result, err := f.worker(t, poster, Config{PosterTimeout: 20 * time.Millisecond}).PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retrying)

	stored, err := f.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailedRetryable, stored.Status)
	assert.Contains(t, stored.LastError, CodeTimeout)
}

func TestPollOnce_BoundedConcurrency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, text := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		f.due(t, text)
	}

	var inFlight, peak atomic.Int32
	poster := PosterFunc(func(ctx context.Context, text string) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return "id-" + text, nil
	})

	result, err := f.worker(t, poster, Config{BatchSize: 5, Workers: 3}).PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Claimed, "batch size bounds the claim")
	assert.Equal(t, 5, result.Posted)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPollOnce_ClaimFailureAbortsCycle(t *testing.T) {
	db := autotest.CreateTestDB(t)
	store := queue.NewStore(db, queue.Config{})
	require.NoError(t, db.Close())

	w := NewWorker(store, PosterFunc(func(ctx context.Context, text string) (string, error) {
		t.Fatal("poster must not be called")
		return "", nil
	}), Config{}, zaptest.NewLogger(t).Sugar())

	_, err := w.PollOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to claim due jobs")
}

func TestDaemon(t *testing.T) {
	t.Run("invalid cron", func(t *testing.T) {
		f := newFixture(t)
		w := f.worker(t, PosterFunc(func(ctx context.Context, text string) (string, error) { return "x", nil }), Config{})
		_, err := NewDaemon(context.Background(), w, "every minute please", nil, nil)
		require.Error(t, err)
		assert.True(t, errors.IsInvalidInput(err))
	})

	t.Run("start runs a cycle and stop waits", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		job := f.due(t, "from the daemon")

		posted := make(chan struct{}, 1)
		w := f.worker(t, PosterFunc(func(ctx context.Context, text string) (string, error) {
			posted <- struct{}{}
			return "daemon-1", nil
		}), Config{})

		reg := prometheus.NewRegistry()
		metrics := NewMetrics(reg)
		d, err := NewDaemon(ctx, w, "@every 1h", metrics, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)

		hooked := make(chan CycleResult, 1)
		d.OnCycle(func(ctx context.Context, r CycleResult) { hooked <- r })

		d.Start()
		select {
		case <-posted:
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not dispatch")
		}
		select {
		case r := <-hooked:
			assert.Equal(t, 1, r.Posted)
		case <-time.After(5 * time.Second):
			t.Fatal("cycle hook not called")
		}
		d.Stop()

		assert.Equal(t, int64(1), d.Cycles())
		last, err := d.LastCycle()
		require.NoError(t, err)
		assert.Equal(t, 1, last.Posted)

		stored, err := f.store.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, queue.StatusPosted, stored.Status)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.jobs.WithLabelValues(string(queue.StatusPosted))))
	})
	t.Run("first cycle shares the overlap guard", func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		f.due(t, "slow post")

		var calls atomic.Int32
		entered := make(chan struct{})
		release := make(chan struct{})
		w := f.worker(t, PosterFunc(func(ctx context.Context, text string) (string, error) {
			calls.Add(1)
			close(entered)
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "slow-1", nil
		}), Config{})

		d, err := NewDaemon(ctx, w, "@every 1h", nil, zaptest.NewLogger(t).Sugar())
		require.NoError(t, err)

		d.Start()
		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatal("first cycle did not start")
		}

		// a tick arriving while the first cycle runs is skipped, not run alongside it
		d.job.Run()
		assert.Equal(t, int64(0), d.Cycles())

		close(release)
		d.Stop()
		assert.Equal(t, int64(1), d.Cycles())
		assert.Equal(t, int32(1), calls.Load())
	})
}
