package audio

import "math"

const (
	DefaultVolumeWindow   = 3
	DefaultVolumeGain     = 5.0
	DefaultSpeakingCutoff = 0.05
	maxVolumeWindow       = 16
)

// Level is one volume reading. Edge is set when Speaking differs from the
// previous reading.
type Level struct {
	Raw      float64
	Smoothed float64
	Speaking bool
	Edge     bool
}

// VolumeEstimator tracks a short moving average of chunk loudness. It is
// owned by a single session and is not safe for concurrent use.
type VolumeEstimator struct {
	gain      float64
	threshold float64
	history   []float64
	next      int
	filled    int
	speaking  bool
}

// NewVolumeEstimator builds an estimator over the last window readings. Out
// of range arguments fall back to defaults.
func NewVolumeEstimator(window int, gain, threshold float64) *VolumeEstimator {
	if window < 1 || window > maxVolumeWindow {
		window = DefaultVolumeWindow
	}
	if gain <= 0 {
		gain = DefaultVolumeGain
	}
	if threshold <= 0 || threshold >= 1 {
		threshold = DefaultSpeakingCutoff
	}
	return &VolumeEstimator{
		gain:      gain,
		threshold: threshold,
		history:   make([]float64, window),
	}
}

// Update folds one waveform into the envelope.
func (v *VolumeEstimator) Update(w Waveform) Level {
	raw := math.Min(1, math.Max(0, RMS(w.Samples)*v.gain))

	v.history[v.next] = raw
	v.next = (v.next + 1) % len(v.history)
	if v.filled < len(v.history) {
		v.filled++
	}
	var sum float64
	for i := 0; i < v.filled; i++ {
		sum += v.history[i]
	}
	smoothed := sum / float64(v.filled)

	speaking := smoothed > v.threshold
	edge := speaking != v.speaking
	v.speaking = speaking
	return Level{Raw: raw, Smoothed: smoothed, Speaking: speaking, Edge: edge}
}

// Reset forgets the history.
func (v *VolumeEstimator) Reset() {
	for i := range v.history {
		v.history[i] = 0
	}
	v.next, v.filled = 0, 0
	v.speaking = false
}

// RMS is the root mean square of samples; zero for empty input.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
