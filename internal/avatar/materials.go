package avatar

import (
	"image"
	"math"

	"github.com/ent0n29/lipstream/internal/model"
)

// maskFeather is the fraction of the mouth ellipse radius that fades out.
const maskFeather = 0.25

// MaterialsFromDetection converts detector output into compositing
// materials for a frame of the given bounds. This is the only place that
// interprets model.Detection.
func MaterialsFromDetection(reference int, det model.Detection, bounds image.Rectangle) Materials {
	box := det.Box.Intersect(bounds)
	if box.Empty() {
		return Materials{}
	}
	landmarks := make([]image.Point, 0, len(det.Landmarks))
	for _, p := range det.Landmarks {
		if p.In(bounds) {
			landmarks = append(landmarks, p)
		}
	}
	return Materials{
		Reference: reference,
		FaceBox:   box,
		Landmarks: landmarks,
		Mask:      mouthMask(box),
	}
}

// mouthMask covers the lower half of the face box with a feathered ellipse.
// The mask is in face-box coordinates.
func mouthMask(box image.Rectangle) *image.Alpha {
	w, h := box.Dx(), box.Dy()
	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	cx := float64(w) / 2
	cy := float64(h) * 0.7
	rx := float64(w) * 0.4
	ry := float64(h) * 0.28
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx := (float64(x) + 0.5 - cx) / rx
			dy := (float64(y) + 0.5 - cy) / ry
			d := dx*dx + dy*dy
			var a float64
			switch {
			case d <= (1-maskFeather)*(1-maskFeather):
				a = 1
			case d < 1:
				a = (1 - math.Sqrt(d)) / maskFeather
			}
			mask.Pix[y*mask.Stride+x] = uint8(a*255 + 0.5)
		}
	}
	return mask
}
