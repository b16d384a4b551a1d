// Package events publishes session lifecycle, tier and speaking-state
// changes for downstream consumers.
package events

import (
	"context"
	"sync"
	"time"
)

type Kind string

const (
	KindSessionStarted Kind = "session_started"
	KindSessionEnded   Kind = "session_ended"
	KindTierChanged    Kind = "tier_changed"
	KindSpeaking       Kind = "speaking"
)

type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id"`
	Avatar    string    `json:"avatar,omitempty"`
	Seq       uint64    `json:"seq"`
	Tier      string    `json:"tier,omitempty"`
	From      string    `json:"from,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Speaking  bool      `json:"speaking,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
	Frames    uint64    `json:"frames,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher delivers events. Publish must not block the frame loop for long;
// failures are reported but never stop a session.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Close() {}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfKind filters Events by kind.
func (r *Recorder) OfKind(kind Kind) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
