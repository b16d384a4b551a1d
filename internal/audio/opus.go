package audio

import (
	"bytes"
	"context"
	"fmt"

	"layeh.com/gopus"
)

// maxOpusFrameSamples is the largest Opus frame (120 ms) at the canonical rate.
const maxOpusFrameSamples = CanonicalSampleRate * 120 / 1000

// OpusDecoder decodes self-contained Ogg Opus payloads in-process. Every chunk
// gets a fresh decoder because chunks are independent Ogg streams.
type OpusDecoder struct{}

func NewOpusDecoder() *OpusDecoder { return &OpusDecoder{} }

func (d *OpusDecoder) Decode(_ context.Context, payload []byte, _ Format, container Container) (PCM, error) {
	if container != ContainerOgg {
		return PCM{}, fmt.Errorf("%w: opus decoder needs an ogg container, got %s", ErrDecodeFailure, container)
	}
	packets, err := readOggPackets(payload)
	if err != nil {
		return PCM{}, err
	}

	dec, err := gopus.NewDecoder(CanonicalSampleRate, 1)
	if err != nil {
		return PCM{}, fmt.Errorf("%w: create opus decoder: %v", ErrDecodeFailure, err)
	}

	var samples []int16
	for _, p := range packets {
		if bytes.HasPrefix(p, []byte("OpusHead")) || bytes.HasPrefix(p, []byte("OpusTags")) {
			continue
		}
		if len(p) == 0 {
			continue
		}
		pcm, err := dec.Decode(p, maxOpusFrameSamples, false)
		if err != nil {
			return PCM{}, fmt.Errorf("%w: opus decode: %v", ErrDecodeFailure, err)
		}
		samples = append(samples, pcm...)
	}
	return PCM{Samples: samples, SampleRate: CanonicalSampleRate, Channels: 1}, nil
}

// readOggPackets reassembles the packets carried by a sequence of Ogg pages.
// A packet continued past the final page is dropped.
func readOggPackets(b []byte) ([][]byte, error) {
	const headerLen = 27
	var (
		packets [][]byte
		partial []byte
	)
	for len(b) > 0 {
		if len(b) < headerLen || string(b[:4]) != "OggS" {
			return nil, fmt.Errorf("%w: malformed ogg page", ErrDecodeFailure)
		}
		segments := int(b[26])
		if len(b) < headerLen+segments {
			return nil, fmt.Errorf("%w: truncated ogg segment table", ErrDecodeFailure)
		}
		table := b[headerLen : headerLen+segments]
		bodyLen := 0
		for _, lace := range table {
			bodyLen += int(lace)
		}
		body := b[headerLen+segments:]
		if len(body) < bodyLen {
			return nil, fmt.Errorf("%w: truncated ogg page body", ErrDecodeFailure)
		}

		off := 0
		for _, lace := range table {
			partial = append(partial, body[off:off+int(lace)]...)
			off += int(lace)
			if lace < 255 {
				packets = append(packets, partial)
				partial = nil
			}
		}
		b = body[bodyLen:]
	}
	return packets, nil
}
