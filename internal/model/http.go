package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/lipstream/internal/audio"
	"github.com/ent0n29/lipstream/internal/reliability"
)

// HTTPBackend calls a remote inference server exposing POST /v1/{op}.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBackend checks GET /v1/health once. A failing check means the
// backend is unavailable for the life of the process.
func NewHTTPBackend(ctx context.Context, baseURL string, client *http.Client) (*HTTPBackend, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: empty model server url", ErrModelUnavailable)
	}
	if client == nil {
		client = &http.Client{}
	}
	b := &HTTPBackend{baseURL: baseURL, client: client}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/health", nil)
	if err != nil {
		return nil, err
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: health check %s: %v", ErrModelUnavailable, baseURL, err)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: health check %s: status %d", ErrModelUnavailable, baseURL, res.StatusCode)
	}
	return b, nil
}

func (b *HTTPBackend) Models() Models { return fromBackend(BackendHTTP, b, nil) }

func (b *HTTPBackend) Extract(ctx context.Context, w audio.Waveform) (Embedding, error) {
	if w.Len() == 0 {
		return Embedding{}, nil
	}
	resp, err := b.post(ctx, extractRequest(w))
	if err != nil {
		return Embedding{}, err
	}
	return Embedding{Vectors: resp.Vectors, Partial: resp.Partial}, nil
}

func (b *HTTPBackend) Detect(ctx context.Context, frame *image.RGBA) (Detection, bool, error) {
	req, err := detectRequest(frame)
	if err != nil {
		return Detection{}, false, err
	}
	resp, err := b.post(ctx, req)
	if err != nil {
		return Detection{}, false, err
	}
	det, found := resp.detection()
	return det, found, nil
}

func (b *HTTPBackend) Encode(ctx context.Context, frame *image.RGBA, det Detection) ([]float32, error) {
	req, err := encodeRequest(frame, det)
	if err != nil {
		return nil, err
	}
	resp, err := b.post(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Latent) == 0 {
		return nil, fmt.Errorf("encode: %w: empty latent", ErrTransientSynthesis)
	}
	return resp.Latent, nil
}

func (b *HTTPBackend) Synthesize(ctx context.Context, latent []float32, emb Embedding) (image.Image, error) {
	resp, err := b.post(ctx, synthesizeRequest(latent, emb))
	if err != nil {
		return nil, err
	}
	return resp.image()
}

func (b *HTTPBackend) post(ctx context.Context, body wireRequest) (wireResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return wireResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/"+body.Op, bytes.NewReader(payload))
	if err != nil {
		return wireResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return wireResponse{}, ctx.Err()
		}
		return wireResponse{}, fmt.Errorf("%s: %w: %v", body.Op, ErrTransientSynthesis, err)
	}
	defer res.Body.Close()

	if err := classifyStatus(body.Op, res.StatusCode); err != nil {
		return wireResponse{}, err
	}
	var resp wireResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return wireResponse{}, fmt.Errorf("%s: %w: decode response: %v", body.Op, ErrTransientSynthesis, err)
	}
	if !resp.OK {
		return wireResponse{}, resp.failure(body.Op)
	}
	return resp, nil
}

// classifyStatus maps server status codes onto the error taxonomy: routes or
// models the server cannot provide are unavailable, retryable statuses
// (503 included) are transient and left to the breaker.
func classifyStatus(op string, code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound || code == http.StatusNotImplemented:
		return fmt.Errorf("%s: %w: status %d", op, ErrModelUnavailable, code)
	case reliability.IsRetryableHTTPStatus(code):
		return fmt.Errorf("%s: %w: status %d", op, ErrTransientSynthesis, code)
	default:
		return fmt.Errorf("%s: %w: unexpected status %d", op, ErrTransientSynthesis, code)
	}
}
