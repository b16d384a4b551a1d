package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpegDecoder shells out to ffmpeg and reads mono PCM16LE at the canonical
// rate from its stdout. The payload is handed over through a temp file because
// several container demuxers need a seekable input.
type FFmpegDecoder struct {
	path   string
	tmpDir string
}

// NewFFmpegDecoder resolves the ffmpeg binary. An empty path means "ffmpeg" on PATH.
func NewFFmpegDecoder(path, tmpDir string) (*FFmpegDecoder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found (%s): %w", path, err)
	}
	return &FFmpegDecoder{path: resolved, tmpDir: tmpDir}, nil
}

func (d *FFmpegDecoder) Path() string { return d.path }

func (d *FFmpegDecoder) Decode(ctx context.Context, payload []byte, format Format, container Container) (PCM, error) {
	in, err := os.CreateTemp(d.tmpDir, "lipstream-*"+inputSuffix(format, container))
	if err != nil {
		return PCM{}, fmt.Errorf("%w: create temp input: %v", ErrDecodeFailure, err)
	}
	inPath := in.Name()
	defer os.Remove(inPath)

	_, writeErr := in.Write(payload)
	closeErr := in.Close()
	if writeErr != nil || closeErr != nil {
		return PCM{}, fmt.Errorf("%w: write temp input: %v", ErrDecodeFailure, errors.Join(writeErr, closeErr))
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	if container == ContainerUnknown && format == FormatOpus {
		// Bare opus frames carry no container magic; tell the demuxer what to expect.
		args = append(args, "-f", "opus")
	}
	args = append(args,
		"-i", inPath,
		"-ar", strconv.Itoa(CanonicalSampleRate),
		"-ac", "1",
		"-acodec", "pcm_s16le",
		"-f", "s16le",
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, d.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return PCM{}, ctxErr
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 4<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(4<<10):])
		}
		if detail == "" {
			detail = err.Error()
		}
		return PCM{}, fmt.Errorf("%w: ffmpeg: %s", ErrDecodeFailure, detail)
	}

	out := stdout.Bytes()
	if len(out)%2 != 0 {
		return PCM{}, fmt.Errorf("%w: ffmpeg produced truncated output (%d bytes)", ErrDecodeFailure, len(out))
	}
	return PCM{
		Samples:    DecodePCM16LE(out, 1),
		SampleRate: CanonicalSampleRate,
		Channels:   1,
	}, nil
}

func inputSuffix(format Format, container Container) string {
	switch container {
	case ContainerOgg:
		return ".ogg"
	case ContainerWAV:
		return ".wav"
	case ContainerWebM:
		return ".webm"
	}
	if format == FormatOpus {
		return ".opus"
	}
	return "." + string(format)
}
