package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVDecoder reads RIFF/WAVE payloads in-process.
type WAVDecoder struct{}

func (WAVDecoder) Decode(_ context.Context, payload []byte, _ Format, _ Container) (PCM, error) {
	return DecodeWAV(payload)
}

// DecodeWAV parses an integer PCM WAV payload and scales samples to 16 bits.
func DecodeWAV(payload []byte) (PCM, error) {
	d := wav.NewDecoder(bytes.NewReader(payload))
	if !d.IsValidFile() {
		return PCM{}, fmt.Errorf("%w: invalid wav container", ErrDecodeFailure)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return PCM{}, fmt.Errorf("%w: read wav samples: %v", ErrDecodeFailure, err)
	}
	if buf == nil || buf.Format == nil {
		return PCM{}, fmt.Errorf("%w: wav has no format chunk", ErrDecodeFailure)
	}
	samples, err := intBufferTo16(buf, int(d.BitDepth))
	if err != nil {
		return PCM{}, err
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	return PCM{Samples: samples, SampleRate: buf.Format.SampleRate, Channels: channels}, nil
}

func intBufferTo16(buf *gaudio.IntBuffer, bitDepth int) ([]int16, error) {
	out := make([]int16, len(buf.Data))
	switch {
	case bitDepth == 8:
		// 8-bit WAV is unsigned.
		for i, v := range buf.Data {
			out[i] = int16((v - 128) << 8)
		}
	case bitDepth == 16:
		for i, v := range buf.Data {
			out[i] = int16(v)
		}
	case bitDepth == 24 || bitDepth == 32:
		shift := uint(bitDepth - 16)
		for i, v := range buf.Data {
			out[i] = int16(v >> shift)
		}
	default:
		return nil, fmt.Errorf("%w: wav bit depth %d", ErrUnsupportedFormat, bitDepth)
	}
	return out, nil
}

type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// WriteWAV writes 16-bit PCM samples as a canonical 44-byte-header WAV stream.
func WriteWAV(out io.Writer, samples []int16, sampleRate, channels int) error {
	if sampleRate <= 0 {
		sampleRate = CanonicalSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	dataSize := uint32(len(samples) * 2)
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * 2),
		BlockAlign:    uint16(channels * 2),
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}
	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := out.Write(EncodePCM16LE(samples))
	return err
}

// EncodeWAV is WriteWAV into a fresh byte slice.
func EncodeWAV(samples []int16, sampleRate, channels int) []byte {
	var buf bytes.Buffer
	_ = WriteWAV(&buf, samples, sampleRate, channels)
	return buf.Bytes()
}
