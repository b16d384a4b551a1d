package reliability

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := NewBreaker(BreakerConfig{MaxFailures: 3, ResetTimeout: time.Second, Now: clock.now})

	for i := 0; i < 2; i++ {
		if !b.Allow() {
			t.Fatalf("Allow() = false before threshold (i=%d)", i)
		}
		if opened := b.Failure(); opened {
			t.Fatalf("Failure() opened early at i=%d", i)
		}
	}
	if !b.Failure() {
		t.Fatalf("third Failure() did not open the breaker")
	}
	if b.State() != BreakerOpen || b.Allow() {
		t.Fatalf("state = %v allow=%v, want open/false", b.State(), b.Allow())
	}
	if got, want := b.RetryAt(), clock.t.Add(time.Second); !got.Equal(want) {
		t.Fatalf("RetryAt() = %v, want %v", got, want)
	}
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := NewBreaker(BreakerConfig{MaxFailures: 2})
	b.Failure()
	b.Success()
	if b.Failure() {
		t.Fatalf("Failure() after Success() opened the breaker")
	}
}

func TestBreakerHalfOpenTrialAndBackoff(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := NewBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, MaxResetTimeout: 3 * time.Second, Now: clock.now})

	b.Failure()
	clock.advance(time.Second)
	if !b.Allow() {
		t.Fatalf("Allow() after reset timeout = false, want trial call")
	}
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", b.State())
	}
	if b.Allow() {
		t.Fatalf("second Allow() in half-open admitted another trial call")
	}

	// Failed trial doubles the open period.
	b.Failure()
	clock.advance(time.Second)
	if b.Allow() {
		t.Fatalf("Allow() 1s after re-open = true, want false (period 2s)")
	}
	clock.advance(time.Second)
	if !b.Allow() {
		t.Fatalf("Allow() 2s after re-open = false, want trial call")
	}

	// Period is capped.
	b.Failure()
	b.Allow()
	b.Failure()
	clock.advance(3 * time.Second)
	if !b.Allow() {
		t.Fatalf("Allow() after capped period = false")
	}

	b.Success()
	if b.State() != BreakerClosed || !b.Allow() {
		t.Fatalf("after Success() state = %v, want closed", b.State())
	}
}
