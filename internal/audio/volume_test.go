package audio

import (
	"errors"
	"math"
	"testing"
)

func constantWave(v float32, n int) Waveform {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return Waveform{Samples: s, SampleRate: CanonicalSampleRate}
}

func TestVolumeEstimatorSmoothsOverWindow(t *testing.T) {
	v := NewVolumeEstimator(3, 5, 0.05)

	// RMS 0.1 * gain 5 = 0.5
	l := v.Update(constantWave(0.1, 240))
	if math.Abs(l.Raw-0.5) > 1e-6 || math.Abs(l.Smoothed-0.5) > 1e-6 {
		t.Fatalf("first Update() = %+v, want raw=smoothed=0.5", l)
	}
	if !l.Speaking || !l.Edge {
		t.Fatalf("first Update() speaking=%v edge=%v, want true/true", l.Speaking, l.Edge)
	}

	l = v.Update(constantWave(0, 240))
	if math.Abs(l.Smoothed-0.25) > 1e-6 {
		t.Fatalf("second Smoothed = %v, want 0.25", l.Smoothed)
	}
	if l.Edge {
		t.Fatalf("second Update() reported an edge while still speaking")
	}

	v.Update(constantWave(0, 240))
	l = v.Update(constantWave(0, 240))
	if l.Smoothed != 0 {
		t.Fatalf("Smoothed after window of silence = %v, want 0", l.Smoothed)
	}
	if l.Speaking || !l.Edge {
		t.Fatalf("silence speaking=%v edge=%v, want false/true", l.Speaking, l.Edge)
	}
}

func TestVolumeEstimatorClampsRaw(t *testing.T) {
	v := NewVolumeEstimator(1, 5, 0.05)
	if l := v.Update(constantWave(0.9, 100)); l.Raw != 1 {
		t.Fatalf("Raw = %v, want clamp to 1", l.Raw)
	}
	if l := v.Update(Waveform{}); l.Raw != 0 || l.Smoothed != 0 {
		t.Fatalf("empty waveform level = %+v, want zero", l)
	}
}

func TestVolumeEstimatorDefaultsAndReset(t *testing.T) {
	v := NewVolumeEstimator(0, -1, 2)
	if len(v.history) != DefaultVolumeWindow {
		t.Fatalf("window = %d, want %d", len(v.history), DefaultVolumeWindow)
	}
	v.Update(constantWave(0.5, 10))
	v.Reset()
	if l := v.Update(constantWave(0, 10)); l.Smoothed != 0 || l.Edge {
		t.Fatalf("after Reset level = %+v, want zero without edge", l)
	}
}

func TestResampleLengthAndIdentity(t *testing.T) {
	in := make([]float32, 44100)
	if got := len(Resample(in, 44100, 24000)); got != 24000 {
		t.Fatalf("len(Resample(44100->24000)) = %d, want 24000", got)
	}
	if got := len(Resample(in[:16000], 16000, 24000)); got != 24000 {
		t.Fatalf("len(Resample(16000->24000)) = %d, want 24000", got)
	}
	same := Resample([]float32{0.1, 0.2}, 24000, 24000)
	if len(same) != 2 || same[0] != 0.1 || same[1] != 0.2 {
		t.Fatalf("identity Resample() = %v", same)
	}
}

func TestDecodeWAVRoundTripsSamples(t *testing.T) {
	samples := []int16{0, 100, -100, 32767, -32768, 7}
	pcm, err := DecodeWAV(EncodeWAV(samples, 22050, 2))
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if pcm.SampleRate != 22050 || pcm.Channels != 2 {
		t.Fatalf("format = %d Hz x%d, want 22050 x2", pcm.SampleRate, pcm.Channels)
	}
	if len(pcm.Samples) != len(samples) {
		t.Fatalf("len = %d, want %d", len(pcm.Samples), len(samples))
	}
	for i := range samples {
		if pcm.Samples[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, pcm.Samples[i], samples[i])
		}
	}

	if _, err := DecodeWAV([]byte("RIFF....WAVEjunk")); !errors.Is(err, ErrDecodeFailure) {
		t.Fatalf("DecodeWAV(junk) error = %v, want ErrDecodeFailure", err)
	}
}

func TestReadOggPacketsReassemblesLacedPackets(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = byte(i)
	}
	page := []byte("OggS")
	page = append(page, make([]byte, 22)...)
	page = append(page, 3, 255, 45, 4) // 300-byte packet then 4-byte packet
	page = append(page, long...)
	page = append(page, 'a', 'b', 'c', 'd')

	packets, err := readOggPackets(page)
	if err != nil {
		t.Fatalf("readOggPackets() error = %v", err)
	}
	if len(packets) != 2 || len(packets[0]) != 300 || string(packets[1]) != "abcd" {
		t.Fatalf("packets = %d (lens %v), want [300 4]", len(packets), packetLens(packets))
	}

	if _, err := readOggPackets(page[:len(page)-2]); !errors.Is(err, ErrDecodeFailure) {
		t.Fatalf("truncated page error = %v, want ErrDecodeFailure", err)
	}
}

func packetLens(p [][]byte) []int {
	out := make([]int, len(p))
	for i := range p {
		out[i] = len(p[i])
	}
	return out
}
