package model

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync/atomic"

	"github.com/ent0n29/lipstream/internal/audio"
)

const (
	mockHopSamples  = audio.CanonicalSampleRate / 50 // 20 ms feature hop
	mockFullSamples = audio.CanonicalSampleRate / 5  // below 200 ms features are partial
	mockFaceSize    = 96
)

// Mock is a deterministic in-process backend for development and tests. Its
// fault knobs let tests drive each degradation path.
type Mock struct {
	// NoFace makes Detect report no face on every frame.
	NoFace bool
	// Unavailable makes every feature or synthesis call fail with ErrModelUnavailable.
	Unavailable bool
	// FailSynthesis makes Synthesize fail with ErrTransientSynthesis.
	FailSynthesis bool
	// FailEncodeFrame makes Encode fail for frames whose top-left pixel red value equals it (when >= 0).
	FailEncodeFrame int

	extractCalls    atomic.Int64
	encodeCalls     atomic.Int64
	synthesizeCalls atomic.Int64
}

func NewMock() *Mock { return &Mock{FailEncodeFrame: -1} }

func (m *Mock) Models() Models { return fromBackend(BackendMock, m, nil) }

func (m *Mock) ExtractCalls() int64    { return m.extractCalls.Load() }
func (m *Mock) EncodeCalls() int64     { return m.encodeCalls.Load() }
func (m *Mock) SynthesizeCalls() int64 { return m.synthesizeCalls.Load() }

// Extract emits one [rms, peak] vector per 20 ms hop.
func (m *Mock) Extract(_ context.Context, w audio.Waveform) (Embedding, error) {
	m.extractCalls.Add(1)
	if m.Unavailable {
		return Embedding{}, fmt.Errorf("extract: %w: mock", ErrModelUnavailable)
	}
	if w.Len() == 0 {
		return Embedding{}, nil
	}
	var vectors [][]float32
	for start := 0; start < w.Len(); start += mockHopSamples {
		end := min(start+mockHopSamples, w.Len())
		hop := w.Samples[start:end]
		var peak float32
		for _, s := range hop {
			peak = max(peak, float32(math.Abs(float64(s))))
		}
		vectors = append(vectors, []float32{float32(audio.RMS(hop)), peak})
	}
	return Embedding{Vectors: vectors, Partial: w.Len() < mockFullSamples}, nil
}

// Detect places the face in the centered square covering 60% of the frame.
func (m *Mock) Detect(_ context.Context, frame *image.RGBA) (Detection, bool, error) {
	if m.NoFace || frame == nil {
		return Detection{}, false, nil
	}
	b := frame.Bounds()
	side := min(b.Dx(), b.Dy()) * 3 / 5
	if side == 0 {
		return Detection{}, false, nil
	}
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	box := image.Rect(x0, y0, x0+side, y0+side)
	return Detection{
		Box: box,
		Landmarks: []image.Point{
			{box.Min.X + side/3, box.Min.Y + side/3},
			{box.Min.X + 2*side/3, box.Min.Y + side/3},
			{box.Min.X + side/2, box.Min.Y + 3*side/4},
		},
		Score: 1,
	}, true, nil
}

// Encode returns the mean RGB of the face box, scaled to [0, 1].
func (m *Mock) Encode(_ context.Context, frame *image.RGBA, det Detection) ([]float32, error) {
	m.encodeCalls.Add(1)
	if m.Unavailable {
		return nil, fmt.Errorf("encode: %w: mock", ErrModelUnavailable)
	}
	box := det.Box.Intersect(frame.Bounds())
	if box.Empty() {
		return nil, fmt.Errorf("encode: %w: empty face box", ErrTransientSynthesis)
	}
	if m.FailEncodeFrame >= 0 && int(frame.RGBAAt(frame.Bounds().Min.X, frame.Bounds().Min.Y).R) == m.FailEncodeFrame {
		return nil, fmt.Errorf("encode: %w: mock failure", ErrTransientSynthesis)
	}
	var r, g, bl, n float64
	for y := box.Min.Y; y < box.Max.Y; y++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			c := frame.RGBAAt(x, y)
			r += float64(c.R)
			g += float64(c.G)
			bl += float64(c.B)
			n++
		}
	}
	return []float32{float32(r / n / 255), float32(g / n / 255), float32(bl / n / 255)}, nil
}

// Synthesize paints the latent color with a dark mouth whose height follows
// the embedding's mean energy.
func (m *Mock) Synthesize(_ context.Context, latent []float32, emb Embedding) (image.Image, error) {
	m.synthesizeCalls.Add(1)
	if m.Unavailable {
		return nil, fmt.Errorf("synthesize: %w: mock", ErrModelUnavailable)
	}
	if m.FailSynthesis {
		return nil, fmt.Errorf("synthesize: %w: mock", ErrTransientSynthesis)
	}
	if len(latent) < 3 {
		return nil, fmt.Errorf("synthesize: %w: latent has %d dims", ErrTransientSynthesis, len(latent))
	}
	var energy float64
	for _, v := range emb.Vectors {
		if len(v) > 0 {
			energy += float64(v[0])
		}
	}
	if len(emb.Vectors) > 0 {
		energy /= float64(len(emb.Vectors))
	}
	open := int(math.Min(1, energy*5) * mockFaceSize / 3)

	face := image.NewRGBA(image.Rect(0, 0, mockFaceSize, mockFaceSize))
	skin := color.RGBA{R: unit8(latent[0]), G: unit8(latent[1]), B: unit8(latent[2]), A: 255}
	mouth := image.Rect(mockFaceSize/3, 2*mockFaceSize/3-open/2, 2*mockFaceSize/3, 2*mockFaceSize/3+open/2+1)
	for y := 0; y < mockFaceSize; y++ {
		for x := 0; x < mockFaceSize; x++ {
			if image.Pt(x, y).In(mouth) {
				face.SetRGBA(x, y, color.RGBA{R: 40, G: 10, B: 10, A: 255})
			} else {
				face.SetRGBA(x, y, skin)
			}
		}
	}
	return face, nil
}

func unit8(v float32) uint8 {
	return uint8(math.Round(math.Min(1, math.Max(0, float64(v))) * 255))
}
