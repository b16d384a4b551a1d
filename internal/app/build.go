package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/lipstream/internal/audio"
	"github.com/ent0n29/lipstream/internal/avatar"
	"github.com/ent0n29/lipstream/internal/config"
	"github.com/ent0n29/lipstream/internal/events"
	"github.com/ent0n29/lipstream/internal/httpapi"
	"github.com/ent0n29/lipstream/internal/lipsync"
	"github.com/ent0n29/lipstream/internal/observability"
	"github.com/ent0n29/lipstream/internal/pipeline"
	"github.com/ent0n29/lipstream/internal/reliability"
	"github.com/ent0n29/lipstream/internal/session"
	"github.com/ent0n29/lipstream/internal/store"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *lipsync.Orchestrator
	Avatars      *avatar.Cache
	Store        store.Store
	Metrics      *observability.Metrics
	Models       ModelInfo

	// Cleanup should be called on shutdown to release external resources (DB, workers, NATS, tracing).
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	var closers []func(context.Context) error
	fail := func(err error) (*BuildResult, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i](ctx)
		}
		return nil, err
	}

	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingOptions{
		Exporter:     cfg.TracesExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.OTLPInsecure,
		ServiceName:  "lipstream",
		Environment:  cfg.Environment,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}
	closers = append(closers, shutdownTracing)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	records, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("session store init failed: %w", err))
	}
	closers = append(closers, func(context.Context) error { return records.Close() })

	var (
		publisher events.Publisher = events.Nop{}
		natsConn  *events.NATSPublisher
	)
	if strings.TrimSpace(cfg.NATSURL) != "" {
		nc, err := events.ConnectNATS(events.NATSOptions{
			URL:           cfg.NATSURL,
			Name:          "lipstream",
			SubjectPrefix: cfg.NATSSubjectPrefix,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("nats init failed: %w", err))
		}
		publisher, natsConn = nc, nc
	}
	closers = append(closers, func(context.Context) error { publisher.Close(); return nil })

	models, modelInfo, err := resolveModels(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func(context.Context) error { return models.Close() })

	normalizer := audio.NewNormalizer(logger, resolveDecoders(cfg, logger))

	avatars, err := avatar.NewCache(avatar.Loader{
		Root:       cfg.Avatar.Root,
		FFmpegPath: cfg.FFmpegPath,
		Size:       cfg.Avatar.FrameSize,
		MaxFrames:  cfg.Avatar.MaxFrames,
	}, models, avatar.CacheOptions{
		Size:  cfg.Avatar.CacheSize,
		Watch: cfg.Avatar.Watch,
		Prepare: avatar.PrepareOptions{
			DetectFrames: cfg.Avatar.DetectFrames,
			EncodeFrames: cfg.Avatar.EncodeFrames,
			Concurrency:  cfg.Avatar.Concurrency,
			Logger:       logger,
		},
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("avatar cache init failed: %w", err))
	}
	closers = append(closers, func(context.Context) error { return avatars.Close() })

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
	})

	orchestrator := lipsync.New(lipsync.Options{
		Normalizer:    normalizer,
		Models:        models,
		Avatars:       avatars,
		DefaultAvatar: cfg.Avatar.Default,
		Pipeline: pipeline.Config{
			JPEGQuality:       cfg.Pipeline.JPEGQuality,
			BufferSize:        cfg.Pipeline.BufferSize,
			LookupTolerance:   cfg.Pipeline.LookupTolerance,
			VolumeWindow:      cfg.Pipeline.VolumeWindow,
			VolumeGain:        cfg.Pipeline.VolumeGain,
			SpeakingThreshold: cfg.Pipeline.SpeakingThreshold,
			Breaker: reliability.BreakerConfig{
				MaxFailures:     cfg.Pipeline.BreakerFailures,
				ResetTimeout:    cfg.Pipeline.BreakerReset,
				MaxResetTimeout: cfg.Pipeline.BreakerMaxReset,
			},
		},
		Sessions:        sessions,
		Metrics:         metrics,
		Store:           records,
		Events:          publisher,
		FrameLatencySLO: cfg.FrameLatencySLO,
		Logger:          logger,
	})

	api := httpapi.New(cfg, sessions, orchestrator, metrics, records, logger)
	if natsConn != nil {
		api.AddReadinessCheck("nats", natsConn.Healthy)
	}

	cleanup := func(ctx context.Context) error {
		var errs []string
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](ctx); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Avatars:      avatars,
		Store:        records,
		Metrics:      metrics,
		Models:       modelInfo,
		Cleanup:      cleanup,
	}, nil
}

// JanitorInterval is how often inactive sessions are swept.
const JanitorInterval = 5 * time.Second
