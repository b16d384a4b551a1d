package audio

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CanonicalSampleRate is the rate every Waveform is normalized to.
const CanonicalSampleRate = 24000

var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrDecodeFailure     = errors.New("audio decode failure")
)

// Format is the declared encoding of an inbound chunk.
type Format string

const (
	FormatPCM  Format = "pcm"
	FormatOgg  Format = "ogg"
	FormatOpus Format = "opus"
	FormatWAV  Format = "wav"
	FormatWebM Format = "webm"
)

// DefaultFormat is assumed when a client omits the format field.
const DefaultFormat = FormatOpus

// ParseFormat maps a wire tag to a Format. An empty tag yields DefaultFormat.
func ParseFormat(raw string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case "":
		return DefaultFormat, nil
	case FormatPCM, FormatOgg, FormatOpus, FormatWAV, FormatWebM:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, raw)
	}
}

// Chunk is one inbound audio payload with its declared encoding.
type Chunk struct {
	Payload    []byte
	Format     Format
	SampleRate int
	Channels   int
	BitDepth   int
	ArrivedAt  time.Time
}

// Waveform is mono float audio in [-1, 1] at SampleRate.
type Waveform struct {
	Samples    []float32
	SampleRate int
}

func (w Waveform) Len() int { return len(w.Samples) }

// Duration reports the playback length of the waveform.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

// PCM is interleaved signed 16-bit audio as produced by a Decoder.
type PCM struct {
	Samples    []int16
	SampleRate int
	Channels   int
}
