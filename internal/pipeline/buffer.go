package pipeline

import (
	"container/heap"
	"image"
	"math"
)

const (
	DefaultBufferSize      = 30
	DefaultLookupTolerance = 0.05
)

// BufferedFrame is one rendered frame keyed by its audio timestamp.
type BufferedFrame struct {
	Timestamp float64
	Image     *image.RGBA
}

// FrameBuffer keeps the most recent rendered frames by timestamp value.
// When full, the smallest timestamp is evicted regardless of insertion
// order. It is owned by one session and not safe for concurrent use.
type FrameBuffer struct {
	maxSize int
	order   timestampHeap
	frames  map[float64]*image.RGBA
}

func NewFrameBuffer(maxSize int) *FrameBuffer {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &FrameBuffer{
		maxSize: maxSize,
		frames:  make(map[float64]*image.RGBA, maxSize),
	}
}

// Insert stores img at ts. A repeated timestamp replaces the stored image.
// When the buffer overflows the smallest timestamp goes, which may be ts
// itself. NaN timestamps are ignored.
func (b *FrameBuffer) Insert(ts float64, img *image.RGBA) {
	if math.IsNaN(ts) || img == nil {
		return
	}
	if _, ok := b.frames[ts]; ok {
		b.frames[ts] = img
		return
	}
	heap.Push(&b.order, ts)
	b.frames[ts] = img
	for len(b.order) > b.maxSize {
		oldest := heap.Pop(&b.order).(float64)
		delete(b.frames, oldest)
	}
}

// Lookup returns the frame nearest to ts when it lies within tolerance
// (inclusive). ok is false on a miss.
func (b *FrameBuffer) Lookup(ts, tolerance float64) (img *image.RGBA, ok bool) {
	best := math.Inf(1)
	var bestTS float64
	for stored := range b.frames {
		d := math.Abs(stored - ts)
		if d < best || (d == best && stored < bestTS) {
			best, bestTS = d, stored
		}
	}
	if best > tolerance {
		return nil, false
	}
	return b.frames[bestTS], true
}

// oldest returns the smallest stored timestamp.
func (b *FrameBuffer) oldest() (float64, bool) {
	if len(b.order) == 0 {
		return 0, false
	}
	return b.order[0], true
}

func (b *FrameBuffer) Clear() {
	b.order = b.order[:0]
	clear(b.frames)
}

func (b *FrameBuffer) Len() int { return len(b.order) }

type timestampHeap []float64

func (h timestampHeap) Len() int           { return len(h) }
func (h timestampHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h timestampHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *timestampHeap) Push(x any)        { *h = append(*h, x.(float64)) }
func (h *timestampHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
