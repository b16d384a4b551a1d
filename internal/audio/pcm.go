package audio

// DecodePCM16LE interprets b as little-endian int16 samples. A trailing partial
// frame (fewer than 2*channels bytes) is dropped.
func DecodePCM16LE(b []byte, channels int) []int16 {
	if channels <= 0 {
		channels = 1
	}
	frameBytes := 2 * channels
	usable := len(b) - len(b)%frameBytes
	out := make([]int16, usable/2)
	for i := range out {
		out[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return out
}

// EncodePCM16LE converts int16 samples to little-endian bytes.
func EncodePCM16LE(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// ToMonoFloat averages interleaved channels and scales into [-1, 1).
func ToMonoFloat(samples []int16, channels int) []float32 {
	if channels <= 1 {
		out := make([]float32, len(samples))
		for i, s := range samples {
			out[i] = float32(s) / 32768
		}
		return out
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		out[i] = float32(sum) / float32(channels) / 32768
	}
	return out
}
