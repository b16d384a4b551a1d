// Package avatar loads avatar frames, prepares their visual latents and
// shares prepared avatars between sessions.
package avatar

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
)

const (
	// FrameSize is the default square edge of every avatar frame.
	FrameSize = 256
	// MaxFrames bounds how many frames are loaded per avatar.
	MaxFrames = 150
)

// ErrAvatarLoad means the avatar source could not produce any frames.
var ErrAvatarLoad = errors.New("avatar load failed")

// Frame is one still of the avatar. Frames of an avatar share dimensions.
type Frame struct {
	Index int
	Image *image.RGBA
}

// Latent is the encoded appearance of one frame. Frames with the same
// perceptual hash share one Data slice, which must not be modified.
type Latent struct {
	FrameIndex int
	Data       []float32
}

// Materials is everything the compositor needs from face detection. Its zero
// value means no face was found.
type Materials struct {
	Reference int
	FaceBox   image.Rectangle
	Landmarks []image.Point
	Mask      *image.Alpha
}

func (m Materials) HasFace() bool { return m.Mask != nil && !m.FaceBox.Empty() }

// Prepared is an immutable, fully prepared avatar. Sessions share it read-only.
type Prepared struct {
	Name      string
	Frames    []Frame
	Materials Materials
	Latents   *LatentStore
}

// Images returns the frame images in index order.
func (p *Prepared) Images() []*image.RGBA {
	out := make([]*image.RGBA, len(p.Frames))
	for i, f := range p.Frames {
		out[i] = f.Image
	}
	return out
}

// Placeholder is the mid-gray frame served when an avatar has no frames.
func Placeholder(size int) *image.RGBA {
	if size <= 0 {
		size = FrameSize
	}
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 128, G: 128, B: 128, A: 255}), image.Point{}, draw.Src)
	return img
}

// Clone copies img into a new RGBA with the same bounds.
func Clone(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	return out
}
