package audio

import "math"

// sincHalfWidth is the number of zero crossings on each side of the kernel.
const sincHalfWidth = 16

// Resample converts mono float audio from srcRate to dstRate using a
// Blackman-windowed sinc interpolator. When downsampling the kernel cutoff is
// lowered to the destination Nyquist so the output stays band-limited.
// Output length is floor(len(in) * dstRate / srcRate).
func Resample(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	outLen := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	out := make([]float32, outLen)
	if outLen == 0 {
		return out
	}

	step := float64(srcRate) / float64(dstRate)
	cutoff := math.Min(1, float64(dstRate)/float64(srcRate))
	half := float64(sincHalfWidth) / cutoff
	last := len(in) - 1

	for i := range out {
		center := float64(i) * step
		lo := int(math.Ceil(center - half))
		hi := int(math.Floor(center + half))
		if lo < 0 {
			lo = 0
		}
		if hi > last {
			hi = last
		}
		var sum, weights float64
		for k := lo; k <= hi; k++ {
			x := center - float64(k)
			w := cutoff * sinc(cutoff*x) * blackman(x/half)
			sum += float64(in[k]) * w
			weights += w
		}
		if weights != 0 {
			sum /= weights
		}
		out[i] = float32(clamp(sum, -1, 1))
	}
	return out
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

// blackman evaluates the window at t in [-1, 1]; zero outside.
func blackman(t float64) float64 {
	if t < -1 || t > 1 {
		return 0
	}
	return 0.42 + 0.5*math.Cos(math.Pi*t) + 0.08*math.Cos(2*math.Pi*t)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
