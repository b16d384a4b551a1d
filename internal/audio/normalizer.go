package audio

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Decoders groups the container decoders a Normalizer may use. Nil entries
// are skipped; External is the catch-all for anything not handled in-process.
type Decoders struct {
	External Decoder
	Opus     Decoder
	WAV      Decoder
}

// Normalizer converts inbound chunks of any supported encoding into mono
// float waveforms at CanonicalSampleRate.
type Normalizer struct {
	decoders Decoders
	logger   zerolog.Logger
}

func NewNormalizer(logger zerolog.Logger, decoders Decoders) *Normalizer {
	if decoders.WAV == nil {
		decoders.WAV = WAVDecoder{}
	}
	return &Normalizer{
		decoders: decoders,
		logger:   logger.With().Str("component", "audio-normalizer").Logger(),
	}
}

// HasExternalDecoder reports whether compressed formats without an in-process
// decoder can be handled.
func (n *Normalizer) HasExternalDecoder() bool { return n.decoders.External != nil }

// Normalize decodes c and resamples to CanonicalSampleRate. An empty payload
// yields an empty waveform rather than an error.
func (n *Normalizer) Normalize(ctx context.Context, c Chunk) (Waveform, error) {
	format := c.Format
	if format == "" {
		format = DefaultFormat
	}
	if _, err := ParseFormat(string(format)); err != nil {
		return Waveform{}, err
	}
	if len(c.Payload) == 0 {
		return Waveform{Samples: []float32{}, SampleRate: CanonicalSampleRate}, nil
	}

	var pcm PCM
	switch format {
	case FormatPCM:
		// Raw PCM is always read as 16-bit; a different declared depth is
		// only noted.
		if c.BitDepth != 0 && c.BitDepth != 16 {
			n.logger.Debug().Int("bit_depth", c.BitDepth).Msg("pcm declared non-16-bit depth; reading as int16")
		}
		channels := c.Channels
		if channels <= 0 {
			channels = 1
		}
		rate := c.SampleRate
		if rate <= 0 {
			rate = CanonicalSampleRate
		}
		pcm = PCM{Samples: DecodePCM16LE(c.Payload, channels), SampleRate: rate, Channels: channels}
	default:
		var err error
		pcm, err = n.decodeContainer(ctx, c.Payload, format)
		if err != nil {
			return Waveform{}, err
		}
	}
	return toWaveform(pcm), nil
}

func (n *Normalizer) decodeContainer(ctx context.Context, payload []byte, format Format) (PCM, error) {
	container := Sniff(payload)
	switch {
	case container == ContainerWAV:
		return n.decoders.WAV.Decode(ctx, payload, format, container)
	case container == ContainerOgg && n.decoders.Opus != nil:
		pcm, err := n.decoders.Opus.Decode(ctx, payload, format, container)
		if err == nil {
			return pcm, nil
		}
		if n.decoders.External == nil {
			return PCM{}, err
		}
		n.logger.Debug().Err(err).Msg("in-process opus decode failed; retrying with external decoder")
	}
	if n.decoders.External == nil {
		return PCM{}, fmt.Errorf("%w: no decoder available for %s (%s container)", ErrDecodeFailure, format, container)
	}
	pcm, err := n.decoders.External.Decode(ctx, payload, format, container)
	if err != nil && !errors.Is(err, ErrDecodeFailure) && ctx.Err() == nil {
		err = fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	return pcm, err
}

func toWaveform(p PCM) Waveform {
	channels := p.Channels
	if channels <= 0 {
		channels = 1
	}
	rate := p.SampleRate
	if rate <= 0 {
		rate = CanonicalSampleRate
	}
	mono := ToMonoFloat(p.Samples, channels)
	return Waveform{Samples: Resample(mono, rate, CanonicalSampleRate), SampleRate: CanonicalSampleRate}
}
