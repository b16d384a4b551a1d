package pipeline

import (
	"time"

	"github.com/ent0n29/lipstream/internal/reliability"
)

// Selector tracks a session's tier ceiling. The ceiling only moves down; a
// breaker in front of neural rendering pauses it after repeated transient
// failures and lets a later trial call restore it.
type Selector struct {
	ceiling   Tier
	hasFrames bool
	breaker   *reliability.Breaker
}

// NewSelector picks the starting ceiling: NEURAL when the session can render
// neurally, VOLUME_VISEME when frames exist, else STATIC_CYCLE.
func NewSelector(neural, hasFrames bool, breaker reliability.BreakerConfig) *Selector {
	s := &Selector{hasFrames: hasFrames, breaker: reliability.NewBreaker(breaker)}
	switch {
	case neural:
		s.ceiling = TierNeural
	case hasFrames:
		s.ceiling = TierVolumeViseme
	default:
		s.ceiling = TierStaticCycle
	}
	return s
}

func (s *Selector) Ceiling() Tier { return s.ceiling }

// TryNeural reports whether this chunk should attempt neural rendering.
func (s *Selector) TryNeural() bool {
	return s.ceiling == TierNeural && s.breaker.Allow()
}

// Fallback is the tier used when neural rendering is skipped or paused.
func (s *Selector) Fallback() Tier {
	if s.hasFrames {
		return TierVolumeViseme
	}
	return TierStaticCycle
}

// Disable caps the session below the neural tiers for good. It reports
// whether the ceiling changed.
func (s *Selector) Disable() bool {
	if s.ceiling > TierCachedLatent {
		return false
	}
	s.ceiling = s.Fallback()
	return true
}

// Failed records a transient neural failure and reports whether the breaker
// just opened.
func (s *Selector) Failed() bool { return s.breaker.Failure() }

func (s *Selector) Succeeded() { s.breaker.Success() }

// Skipped returns a neural attempt that produced no verdict, such as an
// empty embedding.
func (s *Selector) Skipped() { s.breaker.Release() }

// Paused reports whether neural rendering is on hold and until when.
func (s *Selector) Paused() (bool, time.Time) {
	if s.ceiling != TierNeural || s.breaker.State() != reliability.BreakerOpen {
		return false, time.Time{}
	}
	return true, s.breaker.RetryAt()
}
