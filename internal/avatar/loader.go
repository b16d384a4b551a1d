package avatar

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/nfnt/resize"
)

var (
	videoExts = []string{".mp4", ".mov", ".webm", ".mkv", ".avi", ".gif"}
	stillExts = []string{".png", ".jpg", ".jpeg"}
)

// Loader turns an avatar name into frames. An avatar is either a directory
// of stills or a video file under Root.
type Loader struct {
	Root       string
	FFmpegPath string
	Size       int
	MaxFrames  int
}

func (l Loader) size() int {
	if l.Size <= 0 {
		return FrameSize
	}
	return l.Size
}

func (l Loader) maxFrames() int {
	if l.MaxFrames <= 0 || l.MaxFrames > MaxFrames {
		return MaxFrames
	}
	return l.MaxFrames
}

// Resolve maps an avatar name to its source path on disk.
func (l Loader) Resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: invalid avatar name %q", ErrAvatarLoad, name)
	}
	base := filepath.Join(l.Root, name)
	if info, err := os.Stat(base); err == nil {
		if info.IsDir() || isVideo(base) || isStill(base) {
			return base, nil
		}
	}
	for _, ext := range append(slices.Clone(videoExts), stillExts...) {
		p := base + ext
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: avatar %q not found under %s", ErrAvatarLoad, name, l.Root)
}

// Load reads and resizes the frames of the avatar at path.
func (l Loader) Load(ctx context.Context, path string) ([]Frame, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAvatarLoad, err)
	}
	var frames []Frame
	switch {
	case info.IsDir():
		frames, err = l.loadStills(path)
	case isVideo(path):
		frames, err = l.loadVideo(ctx, path)
	case isStill(path):
		frames, err = l.loadStillFiles([]string{path})
	default:
		err = fmt.Errorf("unsupported avatar source %s", filepath.Ext(path))
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrAvatarLoad, path, err)
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: %s contains no frames", ErrAvatarLoad, path)
	}
	return frames, nil
}

func (l Loader) loadStills(dir string) ([]Frame, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() && isStill(e.Name()) {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(paths)
	if len(paths) > l.maxFrames() {
		paths = paths[:l.maxFrames()]
	}
	return l.loadStillFiles(paths)
}

func (l Loader) loadStillFiles(paths []string) ([]Frame, error) {
	frames := make([]Frame, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, err
		}
		img, _, err := image.Decode(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(p), err)
		}
		frames = append(frames, Frame{Index: len(frames), Image: Fit(img, l.size())})
	}
	return frames, nil
}

func (l Loader) loadVideo(ctx context.Context, path string) ([]Frame, error) {
	ffmpeg := l.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	size := l.size()
	cmd := exec.CommandContext(ctx, ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-vf", fmt.Sprintf("scale=%d:%d", size, size),
		"-frames:v", strconv.Itoa(l.maxFrames()),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("ffmpeg: %s", detail)
	}
	return FramesFromRGB24(stdout.Bytes(), size, size), nil
}

// FramesFromRGB24 splits packed rgb24 video into frames. A trailing partial
// frame is dropped.
func FramesFromRGB24(raw []byte, w, h int) []Frame {
	frameBytes := w * h * 3
	if frameBytes == 0 {
		return nil
	}
	n := len(raw) / frameBytes
	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		src := raw[i*frameBytes : (i+1)*frameBytes]
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for p := 0; p < w*h; p++ {
			img.Pix[p*4] = src[p*3]
			img.Pix[p*4+1] = src[p*3+1]
			img.Pix[p*4+2] = src[p*3+2]
			img.Pix[p*4+3] = 255
		}
		frames = append(frames, Frame{Index: i, Image: img})
	}
	return frames
}

// Fit resizes img to a size x size RGBA.
func Fit(img image.Image, size int) *image.RGBA {
	b := img.Bounds()
	var scaled image.Image = img
	if b.Dx() != size || b.Dy() != size {
		scaled = resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	}
	if rgba, ok := scaled.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	out := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(out, out.Bounds(), scaled, scaled.Bounds().Min, draw.Src)
	return out
}

func isVideo(p string) bool { return slices.Contains(videoExts, strings.ToLower(filepath.Ext(p))) }
func isStill(p string) bool { return slices.Contains(stillExts, strings.ToLower(filepath.Ext(p))) }
