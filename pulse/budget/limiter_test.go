package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/teranos/autopost/errors"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Given: 6 posts per minute
// When: calling twice in the same instant
// Then: the second call is refused until 10s have passed
func TestLimiter_SpacesCalls(t *testing.T) {
	clock := newMockClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	limiter := NewLimiterWithClock(6, clock.Now)

	if err := limiter.Allow(); err != nil {
		t.Fatalf("first call should be allowed: %v", err)
	}

	err := limiter.Allow()
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	clock.Advance(9 * time.Second)
	if err := limiter.Allow(); err == nil {
		t.Error("call after 9s should still be limited")
	}

	clock.Advance(time.Second)
	if err := limiter.Allow(); err != nil {
		t.Errorf("call after 10s should be allowed: %v", err)
	}
}

func TestLimiter_RemainingNeverExceedsOne(t *testing.T) {
	clock := newMockClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	limiter := NewLimiterWithClock(60, clock.Now)

	clock.Advance(10 * time.Minute)
	if got := limiter.Remaining(); got != 1 {
		t.Errorf("burst is one call, got %d remaining", got)
	}
	if err := limiter.Allow(); err != nil {
		t.Fatal(err)
	}
	if got := limiter.Remaining(); got != 0 {
		t.Errorf("expected 0 remaining after a call, got %d", got)
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	var limiter *Limiter = NewLimiter(0)
	if limiter != nil {
		t.Fatal("zero rate should mean no limiter")
	}
	for i := 0; i < 100; i++ {
		if err := limiter.Allow(); err != nil {
			t.Fatalf("nil limiter refused call %d: %v", i, err)
		}
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Errorf("nil limiter Wait: %v", err)
	}
	if limiter.PerMinute() != 0 || limiter.Remaining() != -1 {
		t.Error("nil limiter should report unlimited")
	}
}

func TestLimiter_WaitRespectsDeadline(t *testing.T) {
	clock := newMockClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	limiter := NewLimiterWithClock(1, clock.Now)

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("first wait should return immediately: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := limiter.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Wait should fail fast when the delay exceeds the deadline")
	}

	// The cancelled reservation is returned, so a minute later one call fits
	clock.Advance(time.Minute)
	if err := limiter.Allow(); err != nil {
		t.Errorf("expected a token after a minute: %v", err)
	}
}

func TestLimiter_WaitBlocksForDelay(t *testing.T) {
	limiter := NewLimiter(1200) // one every 50ms
	ctx := context.Background()

	if err := limiter.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("second call should have waited about 50ms, waited %s", elapsed)
	}
}
