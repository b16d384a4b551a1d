package avatar

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ent0n29/lipstream/internal/model"
)

// testFrames builds n noisy frames with distinct perceptual hashes. The
// top-left red value encodes the index.
func testFrames(n, size int) []Frame {
	frames := make([]Frame, n)
	for i := range frames {
		rng := rand.New(rand.NewPCG(uint64(i)+1, 7))
		img := image.NewRGBA(image.Rect(0, 0, size, size))
		for p := 0; p < len(img.Pix); p += 4 {
			v := uint8(rng.IntN(256))
			img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = v, v, v, 255
		}
		img.Pix[0] = uint8(i)
		frames[i] = Frame{Index: i, Image: img}
	}
	return frames
}

func TestPrepareEncodesLeadingFramesInOrder(t *testing.T) {
	frames := testFrames(60, 64)
	mock := model.NewMock()
	mock.FailEncodeFrame = 3

	materials, store, err := Prepare(context.Background(), frames, mock.Models(), PrepareOptions{Concurrency: 8})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if !materials.HasFace() || materials.Reference != 0 {
		t.Fatalf("materials = %+v, want face on frame 0", materials)
	}
	if store.Len() != 49 {
		t.Fatalf("store.Len() = %d, want 49 (50 encoded, 1 skipped)", store.Len())
	}
	if mock.EncodeCalls() != 50 {
		t.Fatalf("EncodeCalls() = %d, want 50", mock.EncodeCalls())
	}
	prev := -1
	for _, l := range store.latents {
		if l.FrameIndex <= prev {
			t.Fatalf("latent %d frame index %d not increasing after %d", i, l.FrameIndex, prev)
		}
		if l.FrameIndex == 3 {
			t.Fatalf("frame 3 should have been skipped")
		}
		prev = l.FrameIndex
	}
}

func TestPrepareReusesLatentsForRepeatedFrames(t *testing.T) {
	// A looped clip: frames 8..15 repeat frames 0..7.
	unique := testFrames(8, 64)
	frames := make([]Frame, 16)
	for i := range frames {
		frames[i] = Frame{Index: i, Image: unique[i%8].Image}
	}
	mock := model.NewMock()

	_, store, err := Prepare(context.Background(), frames, mock.Models(), PrepareOptions{})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if got := mock.EncodeCalls(); got != 8 {
		t.Fatalf("EncodeCalls() = %d, want 8 for 8 distinct frames", got)
	}
	if store.Len() != 16 {
		t.Fatalf("store.Len() = %d, want a latent for every frame", store.Len())
	}
	for i, l := range store.latents {
		if l.FrameIndex != i {
			t.Fatalf("latent %d frame index = %d, want own frame", i, l.FrameIndex)
		}
	}
	if &store.latents[13].Data[0] != &store.latents[5].Data[0] {
		t.Fatalf("frame 13 did not reuse the latent of frame 5")
	}
	if &store.latents[1].Data[0] == &store.latents[2].Data[0] {
		t.Fatalf("distinct frames share a latent")
	}
}

func TestPrepareSkipsCopiesOfFailedFrame(t *testing.T) {
	unique := testFrames(4, 64)
	frames := []Frame{
		{Index: 0, Image: unique[0].Image},
		{Index: 1, Image: unique[1].Image},
		{Index: 2, Image: unique[1].Image},
		{Index: 3, Image: unique[3].Image},
	}
	mock := model.NewMock()
	mock.FailEncodeFrame = 1

	_, store, err := Prepare(context.Background(), frames, mock.Models(), PrepareOptions{})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if mock.EncodeCalls() != 3 || store.Len() != 2 {
		t.Fatalf("EncodeCalls() = %d, Len() = %d; want 3 calls and 2 latents", mock.EncodeCalls(), store.Len())
	}
}

func TestPrepareWithoutFace(t *testing.T) {
	mock := model.NewMock()
	mock.NoFace = true
	materials, store, err := Prepare(context.Background(), testFrames(12, 32), mock.Models(), PrepareOptions{})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if materials.HasFace() || store.Len() != 0 {
		t.Fatalf("Prepare() without face = %+v, %d latents; want empty", materials, store.Len())
	}

	_, store, err = Prepare(context.Background(), testFrames(3, 32), model.None(), PrepareOptions{})
	if err != nil || store.Len() != 0 {
		t.Fatalf("Prepare(no models) = %d latents, %v; want empty", store.Len(), err)
	}
}

func TestPrepareHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocking := model.Models{Detector: model.NewMock(), Encoder: ctxEncoder{}}
	if _, _, err := Prepare(ctx, testFrames(4, 32), blocking, PrepareOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Prepare(canceled) error = %v, want context.Canceled", err)
	}
}

type ctxEncoder struct{}

func (ctxEncoder) Encode(ctx context.Context, _ *image.RGBA, _ model.Detection) ([]float32, error) {
	return nil, ctx.Err()
}

func TestLatentStoreSelectRoundRobin(t *testing.T) {
	s := NewLatentStore([]Latent{{FrameIndex: 4}, {FrameIndex: 9}, {FrameIndex: 12}})
	want := []int{4, 9, 12, 4, 9}
	for n, w := range want {
		l, ok := s.Select(uint64(n))
		if !ok || l.FrameIndex != w {
			t.Fatalf("Select(%d) = %d, want %d", n, l.FrameIndex, w)
		}
	}
	if _, ok := NewLatentStore(nil).Select(3); ok {
		t.Fatalf("Select on empty store returned a latent")
	}
}

func TestMaterialsMaskCoversMouth(t *testing.T) {
	det := model.Detection{Box: image.Rect(-10, 20, 100, 120), Landmarks: []image.Point{{5, 30}, {500, 500}}}
	m := MaterialsFromDetection(2, det, image.Rect(0, 0, 128, 128))
	if m.FaceBox != image.Rect(0, 20, 100, 120) {
		t.Fatalf("FaceBox = %v, want clipped to frame", m.FaceBox)
	}
	if len(m.Landmarks) != 1 {
		t.Fatalf("Landmarks = %v, want out-of-frame point dropped", m.Landmarks)
	}
	if got := m.Mask.AlphaAt(50, 70).A; got != 255 {
		t.Fatalf("mask at mouth center = %d, want 255", got)
	}
	if got := m.Mask.AlphaAt(50, 5).A; got != 0 {
		t.Fatalf("mask at forehead = %d, want 0", got)
	}
	if MaterialsFromDetection(0, model.Detection{Box: image.Rect(200, 200, 300, 300)}, image.Rect(0, 0, 128, 128)).HasFace() {
		t.Fatalf("box outside frame should yield empty materials")
	}
}

func writePNG(t *testing.T, path string, size int, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for p := 0; p < len(img.Pix); p += 4 {
		img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = c.R, c.G, c.B, c.A
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode %s: %v", path, err)
	}
}

func TestLoaderReadsStillDirectory(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "alice")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	writePNG(t, filepath.Join(dir, "002.png"), 40, color.RGBA{G: 200, A: 255})
	writePNG(t, filepath.Join(dir, "001.png"), 40, color.RGBA{R: 200, A: 255})
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := Loader{Root: root, Size: 64}
	path, err := l.Resolve("alice")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	frames, err := l.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if b := frames[0].Image.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Fatalf("frame bounds = %v, want 64x64", b)
	}
	if c := frames[0].Image.RGBAAt(32, 32); c.R < 190 || c.G > 10 {
		t.Fatalf("frame 0 center = %+v, want red (sorted by name)", c)
	}

	for _, bad := range []string{"", "../etc", ".hidden", "missing"} {
		if _, err := l.Resolve(bad); !errors.Is(err, ErrAvatarLoad) {
			t.Fatalf("Resolve(%q) error = %v, want ErrAvatarLoad", bad, err)
		}
	}
	empty := filepath.Join(root, "empty")
	if err := os.Mkdir(empty, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Load(context.Background(), empty); !errors.Is(err, ErrAvatarLoad) {
		t.Fatalf("Load(empty dir) error = %v, want ErrAvatarLoad", err)
	}
}

func TestFramesFromRGB24(t *testing.T) {
	raw := make([]byte, 2*2*3*2+5)
	raw[0], raw[1], raw[2] = 10, 20, 30
	frames := FramesFromRGB24(raw, 2, 2)
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if c := frames[0].Image.RGBAAt(0, 0); c != (color.RGBA{10, 20, 30, 255}) {
		t.Fatalf("pixel = %+v", c)
	}
	if frames[1].Index != 1 {
		t.Fatalf("second frame index = %d", frames[1].Index)
	}
}

func TestCacheSharesPreparedAvatar(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "bob")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i, c := range []color.RGBA{{R: 200, A: 255}, {G: 200, A: 255}, {B: 200, A: 255}} {
		writePNG(t, filepath.Join(dir, string(rune('a'+i))+".png"), 32, c)
	}

	mock := model.NewMock()
	cache, err := NewCache(Loader{Root: root, Size: 32}, mock.Models(), CacheOptions{Size: 2, Watch: true}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	defer cache.Close()

	var (
		wg      sync.WaitGroup
		results = make([]*Prepared, 8)
	)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := cache.Get(context.Background(), "bob")
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			results[i] = p
		}()
	}
	wg.Wait()
	for i, p := range results {
		if p != results[0] {
			t.Fatalf("result %d is a different *Prepared; want one shared preparation", i)
		}
	}
	if len(results[0].Frames) != 3 || results[0].Latents.Len() != 3 {
		t.Fatalf("prepared frames=%d latents=%d, want 3/3", len(results[0].Frames), results[0].Latents.Len())
	}

	if !cache.Invalidate("bob") {
		t.Fatalf("Invalidate() = false, want true")
	}
	again, err := cache.Get(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Get() after invalidate error = %v", err)
	}
	if again == results[0] {
		t.Fatalf("Get() after invalidate returned the evicted avatar")
	}

	if _, err := cache.Get(context.Background(), "nobody"); !errors.Is(err, ErrAvatarLoad) {
		t.Fatalf("Get(missing) error = %v, want ErrAvatarLoad", err)
	}
	blank, err := cache.Get(context.Background(), "")
	if err != nil || len(blank.Frames) != 0 {
		t.Fatalf("Get(\"\") = %+v, %v; want frameless avatar", blank, err)
	}
}

func TestCacheAvatarForPath(t *testing.T) {
	c := &Cache{loader: Loader{Root: "/avatars"}}
	tests := map[string]string{
		"/avatars/alice.mp4":        "alice",
		"/avatars/bob/001.png":      "bob",
		"/avatars/bob/nested/x.png": "",
		"/elsewhere/alice.mp4":      "",
	}
	for in, want := range tests {
		if got := c.avatarForPath(in); got != want {
			t.Fatalf("avatarForPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPlaceholderIsGray(t *testing.T) {
	img := Placeholder(0)
	if img.Bounds().Dx() != FrameSize {
		t.Fatalf("placeholder width = %d, want %d", img.Bounds().Dx(), FrameSize)
	}
	if c := img.RGBAAt(100, 100); c != (color.RGBA{128, 128, 128, 255}) {
		t.Fatalf("placeholder pixel = %+v", c)
	}
}
