package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/lipstream/internal/audio"
)

// Worker hosts all four collaborators in one long-lived subprocess that reads
// JSON request lines on stdin and answers with one JSON line per request.
// The process is not re-entrant so every call holds mu for its round trip;
// this is the global synthesis lock shared by all sessions.
type Worker struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	dec    *json.Decoder
	stderr *bytes.Buffer
	seq    uint64
	closed bool
}

// StartWorker launches command (argv form) and waits for a ping round trip.
func StartWorker(ctx context.Context, command []string, env []string) (*Worker, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, fmt.Errorf("%w: empty worker command", ErrModelUnavailable)
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start worker: %v", ErrModelUnavailable, err)
	}

	w := &Worker{cmd: cmd, stdin: stdin, dec: json.NewDecoder(stdout), stderr: &stderr}

	// Model weights load lazily in most workers; the ping surfaces import
	// and weight errors before the first session arrives.
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, err := w.call(context.Background(), wireRequest{Op: opPing})
		errc <- err
	}()
	select {
	case err = <-errc:
	case <-pingCtx.Done():
		err = pingCtx.Err()
		_ = cmd.Process.Kill()
	}
	if err != nil {
		_ = w.Close()
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%w: worker failed to start: %s", ErrModelUnavailable, msg)
	}
	return w, nil
}

// Models exposes the worker as a model set that closes the process on Close.
func (w *Worker) Models() Models { return fromBackend(BackendWorker, w, w) }

func (w *Worker) Extract(ctx context.Context, wave audio.Waveform) (Embedding, error) {
	if wave.Len() == 0 {
		return Embedding{}, nil
	}
	resp, err := w.call(ctx, extractRequest(wave))
	if err != nil {
		return Embedding{}, err
	}
	return Embedding{Vectors: resp.Vectors, Partial: resp.Partial}, nil
}

func (w *Worker) Detect(ctx context.Context, frame *image.RGBA) (Detection, bool, error) {
	req, err := detectRequest(frame)
	if err != nil {
		return Detection{}, false, err
	}
	resp, err := w.call(ctx, req)
	if err != nil {
		return Detection{}, false, err
	}
	det, found := resp.detection()
	return det, found, nil
}

func (w *Worker) Encode(ctx context.Context, frame *image.RGBA, det Detection) ([]float32, error) {
	req, err := encodeRequest(frame, det)
	if err != nil {
		return nil, err
	}
	resp, err := w.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Latent) == 0 {
		return nil, fmt.Errorf("encode: %w: empty latent", ErrTransientSynthesis)
	}
	return resp.Latent, nil
}

func (w *Worker) Synthesize(ctx context.Context, latent []float32, emb Embedding) (image.Image, error) {
	resp, err := w.call(ctx, synthesizeRequest(latent, emb))
	if err != nil {
		return nil, err
	}
	return resp.image()
}

func (w *Worker) call(ctx context.Context, req wireRequest) (wireResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return wireResponse{}, fmt.Errorf("%s: %w: worker closed", req.Op, ErrModelUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return wireResponse{}, err
	}

	w.seq++
	req.ID = fmt.Sprintf("req-%d", w.seq)
	b, err := json.Marshal(req)
	if err != nil {
		return wireResponse{}, err
	}
	b = append(b, '\n')
	if _, err := w.stdin.Write(b); err != nil {
		return wireResponse{}, w.deadLocked(req.Op, err)
	}

	// Exactly one response per request; mu keeps the stream in lockstep.
	var resp wireResponse
	if err := w.dec.Decode(&resp); err != nil {
		return wireResponse{}, w.deadLocked(req.Op, err)
	}
	if resp.ID != req.ID {
		return wireResponse{}, w.deadLocked(req.Op, fmt.Errorf("out of sync (got %q, expected %q)", resp.ID, req.ID))
	}
	if !resp.OK {
		return wireResponse{}, resp.failure(req.Op)
	}
	return resp, nil
}

// deadLocked marks the worker unusable after a broken pipe or protocol
// desync. Caller holds mu.
func (w *Worker) deadLocked(op string, cause error) error {
	w.closed = true
	if errors.Is(cause, io.EOF) {
		cause = fmt.Errorf("worker exited: %s", strings.TrimSpace(w.stderr.String()))
	}
	return fmt.Errorf("%s: %w: %v", op, ErrModelUnavailable, cause)
}

func (w *Worker) Close() error {
	w.mu.Lock()
	w.closed = true
	stdin := w.stdin
	cmd := w.cmd
	w.stdin = nil
	w.cmd = nil
	w.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-time.After(1200 * time.Millisecond):
		_ = cmd.Process.Kill()
		<-done
	case <-done:
	}
	return nil
}
