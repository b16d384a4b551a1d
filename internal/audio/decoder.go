package audio

import (
	"bytes"
	"context"
)

// Container is the encapsulation detected from a payload's leading bytes.
type Container int

const (
	ContainerUnknown Container = iota
	ContainerOgg
	ContainerWAV
	ContainerWebM
)

func (c Container) String() string {
	switch c {
	case ContainerOgg:
		return "ogg"
	case ContainerWAV:
		return "wav"
	case ContainerWebM:
		return "webm"
	default:
		return "unknown"
	}
}

var ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// Sniff inspects the first bytes of b for a known container signature.
func Sniff(b []byte) Container {
	switch {
	case len(b) >= 4 && string(b[:4]) == "OggS":
		return ContainerOgg
	case len(b) >= 12 && string(b[:4]) == "RIFF" && string(b[8:12]) == "WAVE":
		return ContainerWAV
	case len(b) >= 4 && bytes.Equal(b[:4], ebmlMagic):
		return ContainerWebM
	default:
		return ContainerUnknown
	}
}

// Decoder turns a compressed or containerized payload into PCM. Implementations
// report malformed input and decoder process failures as ErrDecodeFailure.
type Decoder interface {
	Decode(ctx context.Context, payload []byte, format Format, container Container) (PCM, error)
}
