// Package model defines the neural collaborators the lip-sync pipeline calls
// and the backends that host them.
package model

import (
	"context"
	"errors"
	"image"
	"io"

	"github.com/ent0n29/lipstream/internal/audio"
)

var (
	// ErrModelUnavailable means the backend cannot serve this kind of call at all.
	ErrModelUnavailable = errors.New("model unavailable")
	// ErrTransientSynthesis is a per-call failure that may succeed on a later chunk.
	ErrTransientSynthesis = errors.New("transient synthesis failure")
)

// Embedding is the audio feature sequence for one chunk. Partial marks
// features computed from less audio than the extractor's full context.
type Embedding struct {
	Vectors [][]float32
	Partial bool
}

func (e Embedding) Empty() bool { return len(e.Vectors) == 0 }

// Detection is raw face detector output in frame pixel coordinates.
type Detection struct {
	Box       image.Rectangle
	Landmarks []image.Point
	Score     float64
}

type FeatureExtractor interface {
	Extract(ctx context.Context, w audio.Waveform) (Embedding, error)
}

// FaceDetector reports found == false when no face is present.
type FaceDetector interface {
	Detect(ctx context.Context, frame *image.RGBA) (det Detection, found bool, err error)
}

type LatentEncoder interface {
	Encode(ctx context.Context, frame *image.RGBA, det Detection) ([]float32, error)
}

// FrameSynthesizer renders the mouth region for one latent and embedding. The
// returned image is the face crop only; callers composite it into the frame.
type FrameSynthesizer interface {
	Synthesize(ctx context.Context, latent []float32, emb Embedding) (image.Image, error)
}

// Models is the immutable set of collaborators shared by all sessions. Any
// member may be nil when the backend does not provide it.
type Models struct {
	Backend     string
	Features    FeatureExtractor
	Detector    FaceDetector
	Encoder     LatentEncoder
	Synthesizer FrameSynthesizer

	closer io.Closer
}

// NeuralAvailable reports whether every collaborator for neural rendering is present.
func (m Models) NeuralAvailable() bool {
	return m.Features != nil && m.Detector != nil && m.Encoder != nil && m.Synthesizer != nil
}

// CanPrepare reports whether avatar latents can be computed.
func (m Models) CanPrepare() bool {
	return m.Detector != nil && m.Encoder != nil
}

func (m Models) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

// None is the empty model set. Sessions built on it never leave the
// non-neural tiers.
func None() Models { return Models{Backend: BackendNone} }

// backend is implemented by every concrete host of all four collaborators.
type backend interface {
	FeatureExtractor
	FaceDetector
	LatentEncoder
	FrameSynthesizer
}

func fromBackend(name string, b backend, closer io.Closer) Models {
	return Models{
		Backend:     name,
		Features:    b,
		Detector:    b,
		Encoder:     b,
		Synthesizer: b,
		closer:      closer,
	}
}
