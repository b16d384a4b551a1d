package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ent0n29/lipstream/internal/audio"
	"github.com/ent0n29/lipstream/internal/protocol"
)

type options struct {
	baseURL  string
	avatar   string
	wavPath  string
	duration time.Duration
	chunkMS  int
	realtime float64
	timeout  time.Duration
	verbose  bool
}

type serverMessage struct {
	Type      string  `json:"type"`
	Seq       uint64  `json:"seq"`
	Timestamp float64 `json:"timestamp"`
	Tier      string  `json:"tier"`
	Frames    int     `json:"frames"`
	Code      string  `json:"code"`
	Detail    string  `json:"detail"`
}

type report struct {
	sent      int
	received  int
	tiers     map[string]int
	latencies []time.Duration
	errors    int
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "framebench: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "framebench: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "lipstream base URL")
	flag.StringVar(&cfg.avatar, "avatar", "", "avatar name (server default when empty)")
	flag.StringVar(&cfg.wavPath, "wav", "", "16-bit WAV file to stream (synthetic speech-like tone when empty)")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "length of the synthetic clip")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	flag.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "how long to wait for trailing frames")
	flag.BoolVar(&cfg.verbose, "verbose", false, "print every frame")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	return cfg, nil
}

func run(cfg options) error {
	clip, err := loadClip(cfg)
	if err != nil {
		return fmt.Errorf("prepare audio: %w", err)
	}
	chunks := splitChunks(clip, cfg.chunkMS)
	if len(chunks) == 0 {
		return fmt.Errorf("clip produced no chunks")
	}

	wsURL, err := wsURLFor(cfg.baseURL, cfg.avatar)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(8 << 20)

	var ready serverMessage
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		return fmt.Errorf("await session_ready: %w", err)
	}
	if ready.Type != string(protocol.TypeSessionReady) {
		return fmt.Errorf("first message %q, want %s", ready.Type, protocol.TypeSessionReady)
	}
	fmt.Printf("framebench: avatar frames=%d tier=%s chunks=%d chunk_ms=%d realtime=%.2f\n", ready.Frames, ready.Tier, len(chunks), cfg.chunkMS, cfg.realtime)

	var (
		mu     sync.Mutex
		sentAt = make(map[float64]time.Time, len(chunks))
		rep    = report{tiers: make(map[string]int)}
		done   = make(chan error, 1)
	)
	go func() {
		for {
			var msg serverMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				done <- err
				return
			}
			now := time.Now()
			mu.Lock()
			switch msg.Type {
			case string(protocol.TypeFrame):
				rep.received++
				rep.tiers[msg.Tier]++
				if at, ok := sentAt[msg.Timestamp]; ok {
					rep.latencies = append(rep.latencies, now.Sub(at))
				}
				if cfg.verbose {
					fmt.Printf("framebench: seq=%d ts=%.3f tier=%s\n", msg.Seq, msg.Timestamp, msg.Tier)
				}
			case string(protocol.TypeError):
				rep.errors++
				fmt.Fprintf(os.Stderr, "framebench: error code=%s detail=%s\n", msg.Code, msg.Detail)
			}
			finished := rep.received >= len(chunks)
			mu.Unlock()
			if finished {
				done <- nil
				return
			}
		}
	}()

	pace := time.Duration(float64(time.Duration(cfg.chunkMS)*time.Millisecond) / cfg.realtime)
	for i, chunk := range chunks {
		ts := float64(i*cfg.chunkMS) / 1000
		payload := base64.StdEncoding.EncodeToString(chunk)
		msg := protocol.AudioMessage{
			Type:       protocol.TypeAudio,
			Audio:      &payload,
			Timestamp:  &ts,
			Format:     string(audio.FormatPCM),
			SampleRate: clip.SampleRate,
		}
		mu.Lock()
		sentAt[ts] = time.Now()
		rep.sent++
		mu.Unlock()
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			return fmt.Errorf("send chunk %d: %w", i, err)
		}
		time.Sleep(pace)
	}

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}
	case <-time.After(cfg.timeout):
		fmt.Fprintln(os.Stderr, "framebench: timed out waiting for trailing frames")
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bench complete")

	mu.Lock()
	defer mu.Unlock()
	printReport(rep)
	if rep.received < rep.sent {
		return errors.New("not every chunk produced a frame")
	}
	return nil
}

func loadClip(cfg options) (audio.PCM, error) {
	if strings.TrimSpace(cfg.wavPath) == "" {
		return syntheticClip(cfg.duration, audio.CanonicalSampleRate), nil
	}
	raw, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		return audio.PCM{}, err
	}
	pcm, err := audio.DecodeWAV(raw)
	if err != nil {
		return audio.PCM{}, err
	}
	if pcm.Channels > 1 {
		mono := audio.ToMonoFloat(pcm.Samples, pcm.Channels)
		samples := make([]int16, len(mono))
		for i, v := range mono {
			samples[i] = int16(math.Max(-1, math.Min(1, float64(v))) * 32767)
		}
		pcm = audio.PCM{Samples: samples, SampleRate: pcm.SampleRate, Channels: 1}
	}
	return pcm, nil
}

// syntheticClip alternates half-second bursts of a modulated tone with
// silence so every tier sees both speaking and silent chunks.
func syntheticClip(d time.Duration, rate int) audio.PCM {
	n := int(d.Seconds() * float64(rate))
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / float64(rate)
		if int(t*2)%2 == 1 {
			continue
		}
		env := 0.5 + 0.5*math.Sin(2*math.Pi*4*t)
		samples[i] = int16(10000 * env * math.Sin(2*math.Pi*180*t))
	}
	return audio.PCM{Samples: samples, SampleRate: rate, Channels: 1}
}

func splitChunks(clip audio.PCM, chunkMS int) [][]byte {
	per := clip.SampleRate * chunkMS / 1000
	if per <= 0 {
		return nil
	}
	var out [][]byte
	for off := 0; off < len(clip.Samples); off += per {
		end := min(off+per, len(clip.Samples))
		out = append(out, audio.EncodePCM16LE(clip.Samples[off:end]))
	}
	return out
}

func wsURLFor(baseURL, avatarName string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	if avatarName != "" {
		q.Set("avatar", avatarName)
	}
	q.Set("client_id", "framebench")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	idx = max(0, min(idx, len(sorted)-1))
	return sorted[idx]
}

func printReport(rep report) {
	lat := append([]time.Duration(nil), rep.latencies...)
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	fmt.Printf("framebench: sent=%d frames=%d errors=%d\n", rep.sent, rep.received, rep.errors)
	fmt.Printf("framebench: latency p50=%s p95=%s p99=%s\n", percentile(lat, 50), percentile(lat, 95), percentile(lat, 99))
	tiers := make([]string, 0, len(rep.tiers))
	for t := range rep.tiers {
		tiers = append(tiers, t)
	}
	sort.Strings(tiers)
	for _, t := range tiers {
		fmt.Printf("framebench: tier %-14s %d\n", t, rep.tiers[t])
	}
}
