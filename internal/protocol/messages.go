package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/lipstream/internal/audio"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAudio        MessageType = "audio"
	TypeConfig       MessageType = "config"
	TypeFrame        MessageType = "frame"
	TypeSessionReady MessageType = "session_ready"
	TypeError        MessageType = "error"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid message")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// Inbound is a parsed client message stamped with its receipt time.
type Inbound struct {
	Message    any
	ReceivedAt time.Time
}

// TypeOf reports the wire type of a parsed or outbound message.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case AudioMessage:
		return TypeAudio, true
	case ConfigMessage:
		return TypeConfig, true
	case FrameMessage:
		return m.Type, true
	case SessionReady:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

// AudioMessage carries one audio chunk. Omitted fields take the chunk
// defaults: opus format, 24 kHz, mono, 16-bit.
type AudioMessage struct {
	Type       MessageType `json:"type"`
	Audio      *string     `json:"audio"`
	Timestamp  *float64    `json:"timestamp,omitempty"`
	Format     string      `json:"format,omitempty"`
	SampleRate int         `json:"sampleRate,omitempty"`
	Channels   int         `json:"channels,omitempty"`
	BitDepth   int         `json:"bitDepth,omitempty"`

	// Invalid is set when the message is an audio message whose fields
	// could not be read. It still earns a frame.
	Invalid error `json:"-"`
}

// TimestampOr returns the declared timestamp, or received as float seconds
// when the client sent none.
func (m AudioMessage) TimestampOr(received time.Time) float64 {
	if m.Timestamp != nil {
		return *m.Timestamp
	}
	return float64(received.UnixNano()) / float64(time.Second)
}

// Chunk decodes the base64 payload into an audio.Chunk. The format tag is
// passed through unchecked so the normalizer reports unsupported formats
// the same way as undecodable payloads.
func (m AudioMessage) Chunk(received time.Time) (audio.Chunk, error) {
	c := audio.Chunk{
		Format:     audio.Format(strings.ToLower(strings.TrimSpace(m.Format))),
		SampleRate: m.SampleRate,
		Channels:   m.Channels,
		BitDepth:   m.BitDepth,
		ArrivedAt:  received,
	}
	if m.Invalid != nil {
		return c, fmt.Errorf("%w: %w", audio.ErrDecodeFailure, m.Invalid)
	}
	if m.Audio == nil || *m.Audio == "" {
		return c, nil
	}
	payload, err := base64.StdEncoding.DecodeString(*m.Audio)
	if err != nil {
		return c, fmt.Errorf("%w: audio payload: %v", audio.ErrDecodeFailure, err)
	}
	c.Payload = payload
	return c, nil
}

// ConfigMessage carries free-form session settings. Keys other than the
// ones with accessors are logged and ignored.
type ConfigMessage struct {
	Settings map[string]json.RawMessage
}

// Reset reports whether the message asks to clear buffered frames.
func (m ConfigMessage) Reset() bool {
	var v bool
	raw, ok := m.Settings["reset"]
	return ok && json.Unmarshal(raw, &v) == nil && v
}

// JPEGQuality returns the requested frame quality, if present.
func (m ConfigMessage) JPEGQuality() (int, bool) {
	raw, ok := m.Settings["jpegQuality"]
	if !ok {
		return 0, false
	}
	var q int
	if err := json.Unmarshal(raw, &q); err != nil {
		return 0, false
	}
	return q, true
}

// Keys lists the setting names, for logging.
func (m ConfigMessage) Keys() []string {
	keys := make([]string, 0, len(m.Settings))
	for k := range m.Settings {
		keys = append(keys, k)
	}
	return keys
}

type FrameMessage struct {
	Type      MessageType `json:"type"`
	Timestamp float64     `json:"timestamp"`
	Frame     string      `json:"frame"`
	Tier      string      `json:"tier"`
	Seq       uint64      `json:"seq"`
}

// NewFrameMessage wraps an encoded JPEG frame.
func NewFrameMessage(ts float64, jpeg []byte, tier string, seq uint64) FrameMessage {
	return FrameMessage{
		Type:      TypeFrame,
		Timestamp: ts,
		Frame:     base64.StdEncoding.EncodeToString(jpeg),
		Tier:      tier,
		Seq:       seq,
	}
}

type SessionReady struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Avatar    string      `json:"avatar,omitempty"`
	Frames    int         `json:"frames"`
	Tier      string      `json:"tier"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes one client message. Once the envelope says
// "audio" the result is always an AudioMessage; field errors travel in
// AudioMessage.Invalid so the sender still gets a frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrInvalidMessage, err)
	}

	switch env.Type {
	case TypeAudio:
		var msg AudioMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			msg.Invalid = fmt.Errorf("%w: audio: %v", ErrInvalidMessage, err)
		} else if msg.SampleRate < 0 || msg.Channels < 0 || msg.BitDepth < 0 {
			msg.Invalid = fmt.Errorf("%w: audio: negative sampleRate, channels or bitDepth", ErrInvalidMessage)
		}
		msg.Type = TypeAudio
		return msg, nil
	case TypeConfig:
		var settings map[string]json.RawMessage
		if err := json.Unmarshal(raw, &settings); err != nil {
			return nil, fmt.Errorf("%w: config: %v", ErrInvalidMessage, err)
		}
		delete(settings, "type")
		return ConfigMessage{Settings: settings}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}
