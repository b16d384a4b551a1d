package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"math"

	"github.com/nfnt/resize"

	"github.com/ent0n29/lipstream/internal/avatar"
	"github.com/ent0n29/lipstream/internal/model"
)

// maxVisemeBuckets is the size of the volume bucket table for avatars with
// at least that many frames.
const maxVisemeBuckets = 11

type visemeBucket struct {
	value float64
	frame int
}

// visemeTable maps evenly spaced volume levels to evenly spaced frames.
type visemeTable []visemeBucket

func newVisemeTable(frames int) visemeTable {
	if frames <= 0 {
		return nil
	}
	n := min(maxVisemeBuckets, frames)
	if n == 1 {
		return visemeTable{{value: 0, frame: 0}}
	}
	t := make(visemeTable, n)
	for b := range t {
		t[b] = visemeBucket{
			value: float64(b) / float64(n-1),
			frame: b * (frames - 1) / (n - 1),
		}
	}
	return t
}

// frameFor returns the frame of the bucket nearest to volume. Ties go to the
// lower bucket.
func (t visemeTable) frameFor(volume float64) int {
	best, bestDist := 0, math.Inf(1)
	for i, b := range t {
		if d := math.Abs(b.value - volume); d < bestDist {
			best, bestDist = i, d
		}
	}
	return t[best].frame
}

// Synthesizer renders frames for one prepared avatar. It holds no per-session
// state and only reads the avatar, so sessions sharing an avatar may each
// own one.
type Synthesizer struct {
	frames      []*image.RGBA
	materials   avatar.Materials
	latents     *avatar.LatentStore
	visemes     visemeTable
	placeholder *image.RGBA
	synth       model.FrameSynthesizer
}

func NewSynthesizer(p *avatar.Prepared, synth model.FrameSynthesizer) *Synthesizer {
	s := &Synthesizer{synth: synth}
	if p != nil {
		s.frames = p.Images()
		s.materials = p.Materials
		s.latents = p.Latents
	}
	s.visemes = newVisemeTable(len(s.frames))
	if len(s.frames) == 0 {
		s.placeholder = avatar.Placeholder(avatar.FrameSize)
	}
	return s
}

// HasFrames reports whether the avatar has any frames loaded.
func (s *Synthesizer) HasFrames() bool { return len(s.frames) > 0 }

// NeuralReady reports whether neural rendering has everything it needs from
// the avatar side.
func (s *Synthesizer) NeuralReady() bool {
	return s.synth != nil && s.latents.Len() > 0 && s.materials.HasFace() && len(s.frames) > 0
}

// Neural renders the n-th frame from the round-robin latent and emb. The
// model's face crop is resized into the face box and blended over a copy of
// the latent's source frame through the mouth mask.
func (s *Synthesizer) Neural(ctx context.Context, n uint64, emb model.Embedding) (*image.RGBA, error) {
	if emb.Empty() {
		return nil, fmt.Errorf("neural: %w: empty embedding", ErrTransientSynthesis)
	}
	if !s.NeuralReady() {
		return nil, fmt.Errorf("neural: %w: avatar not prepared", ErrModelUnavailable)
	}
	latent, _ := s.latents.Select(n)
	if latent.FrameIndex < 0 || latent.FrameIndex >= len(s.frames) || len(latent.Data) == 0 {
		return nil, fmt.Errorf("neural: %w: bad latent for frame %d", ErrTransientSynthesis, latent.FrameIndex)
	}
	crop, err := s.synth.Synthesize(ctx, latent.Data, emb)
	if err != nil {
		return nil, err
	}
	if crop == nil || crop.Bounds().Empty() {
		return nil, fmt.Errorf("neural: %w: empty face crop", ErrTransientSynthesis)
	}
	return s.composite(s.frames[latent.FrameIndex], crop), nil
}

func (s *Synthesizer) composite(base *image.RGBA, crop image.Image) *image.RGBA {
	box := s.materials.FaceBox
	if cb := crop.Bounds(); cb.Dx() != box.Dx() || cb.Dy() != box.Dy() {
		crop = resize.Resize(uint(box.Dx()), uint(box.Dy()), crop, resize.Bilinear)
	}
	out := avatar.Clone(base)
	draw.DrawMask(out, box, crop, crop.Bounds().Min, s.materials.Mask, image.Point{}, draw.Over)
	return out
}

// Viseme returns a copy of the frame mapped to the smoothed volume.
func (s *Synthesizer) Viseme(smoothed float64) *image.RGBA {
	if len(s.frames) == 0 {
		return avatar.Clone(s.placeholder)
	}
	return avatar.Clone(s.frames[s.visemes.frameFor(smoothed)])
}

// VisemeFrameIndex exposes the viseme mapping for a volume.
func (s *Synthesizer) VisemeFrameIndex(smoothed float64) int {
	if len(s.frames) == 0 {
		return -1
	}
	return s.visemes.frameFor(smoothed)
}

// Static returns a copy of frame n modulo the frame count.
func (s *Synthesizer) Static(n uint64) *image.RGBA {
	if len(s.frames) == 0 {
		return avatar.Clone(s.placeholder)
	}
	return avatar.Clone(s.frames[n%uint64(len(s.frames))])
}
