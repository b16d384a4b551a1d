package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// StageFrameTotal is the end-to-end stage, receipt to frame send.
const StageFrameTotal = "frame_total"

// stageBudgetMS is the p95 budget per stage for a 40 ms chunk cadence.
var stageBudgetMS = map[string]float64{
	"normalize":     10,
	"features":      25,
	"render":        40,
	"encode":        10,
	StageFrameTotal: 80,
}

// TierLatency is one stage's latency restricted to frames of a single tier.
type TierLatency struct {
	Tier    string  `json:"tier"`
	Samples int     `json:"samples"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
}

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	BudgetP95MS float64 `json:"budget_p95_ms,omitempty"`
	// OverBudget counts samples slower than BudgetP95MS.
	OverBudget int           `json:"over_budget,omitempty"`
	ByTier     []TierLatency `json:"by_tier,omitempty"`
}

// TierShare is how many frames in the window were rendered at a tier.
type TierShare struct {
	Tier   string  `json:"tier"`
	Frames int     `json:"frames"`
	Share  float64 `json:"share"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	TierMix     []TierShare  `json:"tier_mix,omitempty"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

type frameSample struct {
	ms   float64
	tier string
}

// sampleRing keeps the newest samples of one stage.
type sampleRing struct {
	samples []frameSample
	next    int
	full    bool
}

func (r *sampleRing) add(s frameSample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

func (r *sampleRing) window() []frameSample {
	if r.full {
		return r.samples
	}
	return r.samples[:r.next]
}

func (r *sampleRing) last() frameSample {
	i := r.next - 1
	if i < 0 {
		i = len(r.samples) - 1
	}
	return r.samples[i]
}

// stageWindow holds the recent per-chunk stage timings behind
// /v1/perf/latency, tagged with the tier each frame was rendered at.
type stageWindow struct {
	mu         sync.RWMutex
	size       int
	stages     map[string]*sampleRing
	indicators map[string]int
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		stages:     make(map[string]*sampleRing),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage, tier string, ms float64) {
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring, ok := w.stages[stage]
	if !ok {
		ring = &sampleRing{samples: make([]frameSample, w.size)}
		w.stages[stage] = ring
	}
	ring.add(frameSample{ms: ms, tier: tier})
}

func (w *stageWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageStats, 0, len(w.stages)),
	}
	for _, stage := range sortedKeys(w.stages) {
		ring := w.stages[stage]
		samples := ring.window()
		if len(samples) == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, stageStats(stage, samples, ring.last().ms))
		if stage == StageFrameTotal {
			snap.TierMix = tierMix(samples)
		}
	}
	for _, name := range sortedKeys(w.indicators) {
		if n := w.indicators[name]; n > 0 {
			snap.Indicators = append(snap.Indicators, Indicator{Name: name, Count: n})
		}
	}
	return snap
}

func (w *stageWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.stages)
	clear(w.indicators)
}

func stageStats(stage string, samples []frameSample, last float64) StageStats {
	budget := stageBudgetMS[stage]
	all := make([]float64, len(samples))
	byTier := make(map[string][]float64)
	var sum float64
	over := 0
	for i, s := range samples {
		all[i] = s.ms
		sum += s.ms
		if budget > 0 && s.ms > budget {
			over++
		}
		if s.tier != "" {
			byTier[s.tier] = append(byTier[s.tier], s.ms)
		}
	}
	sort.Float64s(all)

	st := StageStats{
		Stage:       stage,
		Samples:     len(all),
		LastMS:      round2(last),
		AvgMS:       round2(sum / float64(len(all))),
		P50MS:       round2(quantile(all, 0.50)),
		P95MS:       round2(quantile(all, 0.95)),
		P99MS:       round2(quantile(all, 0.99)),
		BudgetP95MS: budget,
		OverBudget:  over,
	}
	for _, tier := range sortedKeys(byTier) {
		v := byTier[tier]
		sort.Float64s(v)
		st.ByTier = append(st.ByTier, TierLatency{
			Tier:    tier,
			Samples: len(v),
			P50MS:   round2(quantile(v, 0.50)),
			P95MS:   round2(quantile(v, 0.95)),
		})
	}
	return st
}

func tierMix(samples []frameSample) []TierShare {
	counts := make(map[string]int)
	for _, s := range samples {
		if s.tier != "" {
			counts[s.tier]++
		}
	}
	mix := make([]TierShare, 0, len(counts))
	for _, tier := range sortedKeys(counts) {
		mix = append(mix, TierShare{
			Tier:   tier,
			Frames: counts[tier],
			Share:  round2(float64(counts[tier]) / float64(len(samples))),
		})
	}
	return mix
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
