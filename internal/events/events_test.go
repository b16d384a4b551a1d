package events

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRecorderOfKind(t *testing.T) {
	var r Recorder
	ctx := context.Background()
	_ = r.Publish(ctx, Event{Kind: KindSessionStarted, SessionID: "s1"})
	_ = r.Publish(ctx, Event{Kind: KindSpeaking, SessionID: "s1", Speaking: true})
	_ = r.Publish(ctx, Event{Kind: KindSpeaking, SessionID: "s1"})

	if got := len(r.Events()); got != 3 {
		t.Fatalf("len(Events()) = %d, want 3", got)
	}
	speaking := r.OfKind(KindSpeaking)
	if len(speaking) != 2 || !speaking[0].Speaking || speaking[1].Speaking {
		t.Fatalf("OfKind(speaking) = %+v", speaking)
	}
}

func TestSubject(t *testing.T) {
	tests := []struct {
		ev   Event
		want string
	}{
		{Event{Kind: KindTierChanged, SessionID: "abc"}, "lipstream.tier_changed.abc"},
		{Event{Kind: KindSessionEnded}, "lipstream.session_ended.none"},
	}
	for _, tt := range tests {
		if got := Subject("lipstream", tt.ev); got != tt.want {
			t.Fatalf("Subject(%+v) = %q, want %q", tt.ev, got, tt.want)
		}
	}
}

func TestConnectNATSErrors(t *testing.T) {
	if _, err := ConnectNATS(NATSOptions{}, zerolog.Nop()); err == nil {
		t.Fatalf("ConnectNATS(empty url) error = nil")
	}
	_, err := ConnectNATS(NATSOptions{URL: "nats://127.0.0.1:1", ConnectTimeout: 200 * time.Millisecond}, zerolog.Nop())
	if err == nil {
		t.Fatalf("ConnectNATS(unreachable) error = nil")
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), Event{Kind: KindSessionStarted}); err != nil {
		t.Fatalf("Nop.Publish() error = %v", err)
	}
	p.Close()
}
