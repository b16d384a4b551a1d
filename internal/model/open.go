package model

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	BackendNone   = "none"
	BackendMock   = "mock"
	BackendWorker = "worker"
	BackendHTTP   = "http"
)

// Options selects and configures a model backend.
type Options struct {
	Backend       string
	WorkerCommand []string
	WorkerEnv     []string
	ServerURL     string
	HTTPClient    *http.Client
}

// Open checks the configured backend once. On failure it returns None()
// alongside the error so callers can log and keep serving non-neural tiers.
func Open(ctx context.Context, opts Options) (Models, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendNone:
		return None(), nil
	case BackendMock:
		return NewMock().Models(), nil
	case BackendWorker:
		w, err := StartWorker(ctx, opts.WorkerCommand, opts.WorkerEnv)
		if err != nil {
			return None(), err
		}
		return w.Models(), nil
	case BackendHTTP:
		b, err := NewHTTPBackend(ctx, opts.ServerURL, opts.HTTPClient)
		if err != nil {
			return None(), err
		}
		return b.Models(), nil
	default:
		return None(), fmt.Errorf("unknown model backend %q", opts.Backend)
	}
}
