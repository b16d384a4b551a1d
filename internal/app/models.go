package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ent0n29/lipstream/internal/audio"
	"github.com/ent0n29/lipstream/internal/config"
	"github.com/ent0n29/lipstream/internal/model"
)

// ModelInfo describes which model backend ended up serving.
type ModelInfo struct {
	Requested string
	Backend   string
	Neural    bool
	Detail    string
}

// resolveModels opens the configured backend. An explicitly requested
// backend that fails is fatal; "auto" degrades to no models and keeps serving
// the volume and static tiers.
func resolveModels(ctx context.Context, cfg config.Config, logger zerolog.Logger) (model.Models, ModelInfo, error) {
	requested := strings.ToLower(strings.TrimSpace(cfg.ModelBackend))
	backend := cfg.ResolvedModelBackend()
	info := ModelInfo{Requested: requested, Backend: backend}

	models, err := model.Open(ctx, model.Options{
		Backend:       backend,
		WorkerCommand: strings.Fields(cfg.ModelWorkerCommand),
		ServerURL:     cfg.ModelServerURL,
	})
	if err != nil {
		if requested != "auto" {
			return model.None(), info, fmt.Errorf("model backend %q init failed: %w", backend, err)
		}
		logger.Warn().Err(err).Str("backend", backend).Msg("model backend unavailable; serving without neural tiers")
		info.Backend = model.BackendNone
		info.Detail = "auto fallback: " + err.Error()
		return model.None(), info, nil
	}

	info.Neural = models.NeuralAvailable()
	switch {
	case info.Neural:
		info.Detail = backend + " (neural)"
	default:
		info.Detail = backend + " (volume and static tiers only)"
	}
	return models, info, nil
}

// resolveDecoders wires the in-process opus decoder and, when ffmpeg is on
// hand, the external decoder for every other compressed format.
func resolveDecoders(cfg config.Config, logger zerolog.Logger) audio.Decoders {
	decoders := audio.Decoders{Opus: audio.NewOpusDecoder()}
	ff, err := audio.NewFFmpegDecoder(cfg.FFmpegPath, cfg.AudioTempDir)
	if err != nil {
		logger.Warn().Err(err).Msg("ffmpeg unavailable; only pcm, wav and ogg/opus audio will decode")
		return decoders
	}
	logger.Info().Str("path", ff.Path()).Msg("ffmpeg decoder enabled")
	decoders.External = ff
	return decoders
}
