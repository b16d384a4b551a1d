package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/lipstream/internal/audio"
)

func TestParseClientMessageAudio(t *testing.T) {
	raw := []byte(`{"type":"audio","audio":"AQID","timestamp":1.25,"format":"PCM","sampleRate":16000,"channels":2}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	am, ok := msg.(AudioMessage)
	if !ok {
		t.Fatalf("message type = %T, want AudioMessage", msg)
	}
	chunk, err := am.Chunk(time.Unix(10, 0))
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if chunk.Format != audio.FormatPCM || chunk.SampleRate != 16000 || chunk.Channels != 2 {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
	if string(chunk.Payload) != "\x01\x02\x03" {
		t.Fatalf("Payload = %v, want [1 2 3]", chunk.Payload)
	}
	if ts := am.TimestampOr(time.Unix(10, 0)); ts != 1.25 {
		t.Fatalf("TimestampOr() = %v, want 1.25", ts)
	}
}

func TestAudioMessageDefaults(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"audio","audio":""}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	am := msg.(AudioMessage)
	received := time.Unix(1700000000, 500_000_000)
	if ts := am.TimestampOr(received); ts != 1700000000.5 {
		t.Fatalf("TimestampOr() = %v, want receipt time", ts)
	}
	chunk, err := am.Chunk(received)
	if err != nil {
		t.Fatalf("Chunk() error = %v", err)
	}
	if len(chunk.Payload) != 0 || chunk.Format != "" {
		t.Fatalf("unexpected chunk: %+v", chunk)
	}
}

func TestAudioMessageBadBase64IsDecodeFailure(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"audio","audio":"!!not base64!!"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	if _, err := msg.(AudioMessage).Chunk(time.Now()); !errors.Is(err, audio.ErrDecodeFailure) {
		t.Fatalf("Chunk() error = %v, want ErrDecodeFailure", err)
	}
}

func TestMalformedAudioFieldsStillYieldAudioMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"string sample rate", `{"type":"audio","audio":"AAAA","sampleRate":"24000"}`},
		{"string timestamp", `{"type":"audio","audio":"AAAA","timestamp":"1.5"}`},
		{"negative channels", `{"type":"audio","audio":"AAAA","channels":-1}`},
		{"negative rate", `{"type":"audio","audio":"AA==","sampleRate":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseClientMessage([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseClientMessage() error = %v", err)
			}
			am, ok := msg.(AudioMessage)
			if !ok {
				t.Fatalf("message type = %T, want AudioMessage", msg)
			}
			if am.Type != TypeAudio || !errors.Is(am.Invalid, ErrInvalidMessage) {
				t.Fatalf("AudioMessage = %+v, want Invalid set", am)
			}
			_, err = am.Chunk(time.Now())
			if !errors.Is(err, audio.ErrDecodeFailure) || !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("Chunk() error = %v, want ErrDecodeFailure wrapping ErrInvalidMessage", err)
			}
		})
	}
}

func TestParseClientMessageConfig(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"config","reset":true,"jpegQuality":88,"voice":"x"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	cfg, ok := msg.(ConfigMessage)
	if !ok {
		t.Fatalf("message type = %T, want ConfigMessage", msg)
	}
	if !cfg.Reset() {
		t.Fatalf("Reset() = false, want true")
	}
	if q, ok := cfg.JPEGQuality(); !ok || q != 88 {
		t.Fatalf("JPEGQuality() = %d, %v, want 88, true", q, ok)
	}
	if len(cfg.Keys()) != 3 {
		t.Fatalf("Keys() = %v, want 3 keys without type", cfg.Keys())
	}

	msg, _ = ParseClientMessage([]byte(`{"type":"config","reset":"yes"}`))
	if msg.(ConfigMessage).Reset() {
		t.Fatalf("non-bool reset treated as true")
	}
}

func TestParseClientMessageRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"unknown type", `{"type":"wat"}`, ErrUnsupportedType},
		{"not json", `{`, ErrInvalidMessage},
		{"envelope type not a string", `{"type":7}`, ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseClientMessage([]byte(tt.raw)); !errors.Is(err, tt.want) {
				t.Fatalf("ParseClientMessage() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFrameMessageWireShape(t *testing.T) {
	raw, err := json.Marshal(NewFrameMessage(2.5, []byte{0xff, 0xd8}, "VOLUME_VISEME", 7))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got["type"] != "frame" || got["timestamp"] != 2.5 || got["tier"] != "VOLUME_VISEME" || got["seq"] != float64(7) {
		t.Fatalf("frame message = %s", raw)
	}
	if got["frame"] != base64.StdEncoding.EncodeToString([]byte{0xff, 0xd8}) {
		t.Fatalf("frame payload = %v", got["frame"])
	}
}

func BenchmarkParseClientMessageAudio(b *testing.B) {
	raw := []byte(`{"type":"audio","audio":"AQIDBAUGBwgJCgsMDQ4P","timestamp":12.5,"format":"pcm","sampleRate":24000}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := ParseClientMessage(raw)
		if err != nil {
			b.Fatalf("ParseClientMessage() error = %v", err)
		}
		if _, ok := msg.(AudioMessage); !ok {
			b.Fatalf("message type = %T, want AudioMessage", msg)
		}
	}
}

func TestTypeOf(t *testing.T) {
	tests := []struct {
		msg  any
		want MessageType
	}{
		{AudioMessage{}, TypeAudio},
		{ConfigMessage{}, TypeConfig},
		{NewFrameMessage(0, nil, "STATIC_CYCLE", 0), TypeFrame},
		{ErrorEvent{Type: TypeError}, TypeError},
	}
	for _, tt := range tests {
		if got, ok := TypeOf(tt.msg); !ok || got != tt.want {
			t.Fatalf("TypeOf(%T) = %q, %v, want %q", tt.msg, got, ok, tt.want)
		}
	}
	if _, ok := TypeOf(42); ok {
		t.Fatalf("TypeOf(int) ok = true")
	}
}
