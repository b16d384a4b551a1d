package reliability

import "time"

// BreakerState is the operating mode of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a Breaker. Zero fields take defaults.
type BreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the breaker. Default 5.
	MaxFailures int
	// ResetTimeout is the first open period. Default 2s.
	ResetTimeout time.Duration
	// MaxResetTimeout caps the open period as it doubles on every re-open. Default 30s.
	MaxResetTimeout time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Breaker is a three-state circuit breaker whose open period grows with
// ExponentialBackoff each time a half-open trial fails. One trial call is
// admitted per half-open period. It is owned by a single goroutine and is
// not safe for concurrent use.
type Breaker struct {
	maxFailures int
	base        time.Duration
	cap         time.Duration
	now         func() time.Time

	state    BreakerState
	failures int
	reopens  int
	openedAt time.Time
	probing  bool
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 2 * time.Second
	}
	if cfg.MaxResetTimeout < cfg.ResetTimeout {
		cfg.MaxResetTimeout = max(30*time.Second, cfg.ResetTimeout)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		maxFailures: cfg.MaxFailures,
		base:        cfg.ResetTimeout,
		cap:         cfg.MaxResetTimeout,
		now:         cfg.Now,
	}
}

// Allow reports whether a call may go through, moving an expired open
// breaker to half-open and admitting it as the trial call.
func (b *Breaker) Allow() bool {
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.openPeriod() {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Success closes the breaker and clears all counters.
func (b *Breaker) Success() {
	b.state = BreakerClosed
	b.failures = 0
	b.reopens = 0
	b.probing = false
}

// Release returns an admitted call without an outcome, letting the next
// call test a half-open breaker.
func (b *Breaker) Release() {
	b.probing = false
}

// Failure records a failed call. It returns true when the call caused the
// breaker to open.
func (b *Breaker) Failure() bool {
	if b.state == BreakerHalfOpen {
		b.reopens++
		b.trip()
		return true
	}
	b.failures++
	if b.state == BreakerClosed && b.failures >= b.maxFailures {
		b.trip()
		return true
	}
	return false
}

func (b *Breaker) State() BreakerState { return b.state }

// RetryAt is when an open breaker will admit its next trial call.
func (b *Breaker) RetryAt() time.Time {
	if b.state != BreakerOpen {
		return time.Time{}
	}
	return b.openedAt.Add(b.openPeriod())
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.probing = false
}

func (b *Breaker) openPeriod() time.Duration {
	return ExponentialBackoff(b.reopens, b.base, b.cap)
}
