package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/lipstream/internal/audio"
	"github.com/ent0n29/lipstream/internal/avatar"
	"github.com/ent0n29/lipstream/internal/model"
	"github.com/ent0n29/lipstream/internal/reliability"
)

const tracerName = "github.com/ent0n29/lipstream/internal/pipeline"

const (
	DefaultJPEGQuality = 85
	minJPEGQuality     = 80
	maxJPEGQuality     = 90
)

// Stage names reported in Result.Stages.
const (
	StageNormalize = "normalize"
	StageFeatures  = "features"
	StageRender    = "render"
	StageEncode    = "encode"
)

// Config tunes one session's processor.
type Config struct {
	JPEGQuality       int
	BufferSize        int
	LookupTolerance   float64
	VolumeWindow      int
	VolumeGain        float64
	SpeakingThreshold float64
	Breaker           reliability.BreakerConfig
}

// StageTiming is the wall time spent in one stage of a chunk.
type StageTiming struct {
	Stage    string
	Duration time.Duration
}

// Degradation records a ceiling drop or a paused neural tier.
type Degradation struct {
	From   Tier
	To     Tier
	Reason string
}

// Result is the outcome of one audio chunk. Every chunk produces an image.
type Result struct {
	Seq       uint64
	Timestamp float64
	Tier      Tier
	Image     *image.RGBA
	JPEG      []byte
	Level     audio.Level
	// Reused is set when a decode failure was covered by a buffered frame.
	Reused      bool
	DecodeErr   error
	Degradation *Degradation
	Stages      []StageTiming
}

// Processor runs the per-chunk pipeline for one session. It is driven by a
// single goroutine.
type Processor struct {
	cfg        Config
	normalizer *audio.Normalizer
	features   model.FeatureExtractor
	volume     *audio.VolumeEstimator
	synth      *Synthesizer
	selector   *Selector
	buffer     *FrameBuffer
	tracer     trace.Tracer
	logger     zerolog.Logger

	frameCount uint64
	lastTier   Tier
}

func NewProcessor(cfg Config, normalizer *audio.Normalizer, models model.Models, prepared *avatar.Prepared, logger zerolog.Logger) *Processor {
	cfg.JPEGQuality = clampQuality(cfg.JPEGQuality)
	if cfg.LookupTolerance <= 0 {
		cfg.LookupTolerance = DefaultLookupTolerance
	}
	synth := NewSynthesizer(prepared, models.Synthesizer)
	neural := models.NeuralAvailable() && synth.NeuralReady()
	return &Processor{
		cfg:        cfg,
		normalizer: normalizer,
		features:   models.Features,
		volume:     audio.NewVolumeEstimator(cfg.VolumeWindow, cfg.VolumeGain, cfg.SpeakingThreshold),
		synth:      synth,
		selector:   NewSelector(neural, synth.HasFrames(), cfg.Breaker),
		lastTier:   TierStaticCycle,
		buffer:     NewFrameBuffer(cfg.BufferSize),
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
	}
}

func (p *Processor) Ceiling() Tier        { return p.selector.Ceiling() }
func (p *Processor) FrameCount() uint64   { return p.frameCount }
func (p *Processor) LastTier() Tier       { return p.lastTier }
func (p *Processor) Buffer() *FrameBuffer { return p.buffer }
func (p *Processor) JPEGQuality() int     { return p.cfg.JPEGQuality }
func (p *Processor) SetJPEGQuality(q int) { p.cfg.JPEGQuality = clampQuality(q) }

// Reset clears buffered frames and the volume history.
func (p *Processor) Reset() {
	p.buffer.Clear()
	p.volume.Reset()
}

// Process renders exactly one frame for chunk. Per-chunk failures select a
// lower tier and are reported in the Result; the returned error is non-nil
// only when the rendered frame cannot be encoded.
func (p *Processor) Process(ctx context.Context, chunk audio.Chunk, ts float64) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.Int64("frame.seq", int64(p.frameCount)),
		attribute.String("audio.format", string(chunk.Format)),
		attribute.Int("audio.bytes", len(chunk.Payload)),
	))
	defer span.End()

	res := Result{Seq: p.frameCount, Timestamp: ts}
	n := p.frameCount

	started := time.Now()
	wave, err := p.normalizer.Normalize(ctx, chunk)
	res.addStage(StageNormalize, started)
	if err != nil {
		span.RecordError(err)
		p.cover(&res, err)
	} else {
		res.Level = p.volume.Update(wave)
		p.render(ctx, &res, wave, n)
	}
	return p.finish(span, res)
}

// Undecodable produces the frame for an audio message whose payload never
// reached the normalizer, such as one with broken base64.
func (p *Processor) Undecodable(ctx context.Context, ts float64, cause error) (Result, error) {
	_, span := p.tracer.Start(ctx, "pipeline.undecodable", trace.WithAttributes(
		attribute.Int64("frame.seq", int64(p.frameCount)),
	))
	defer span.End()
	span.RecordError(cause)

	res := Result{Seq: p.frameCount, Timestamp: ts}
	p.cover(&res, cause)
	return p.finish(span, res)
}

// cover fills res after a decode failure: a buffered frame near the chunk's
// timestamp when there is one, else the static cycle frame.
func (p *Processor) cover(res *Result, err error) {
	res.DecodeErr = err
	res.Tier = TierStaticCycle
	p.logger.Warn().Err(err).Uint64("seq", res.Seq).Msg("audio chunk could not be decoded")
	if img, ok := p.buffer.Lookup(res.Timestamp, p.cfg.LookupTolerance); ok {
		res.Image, res.Reused = avatar.Clone(img), true
		return
	}
	res.Image = p.synth.Static(res.Seq)
}

func (p *Processor) finish(span trace.Span, res Result) (Result, error) {
	p.buffer.Insert(res.Timestamp, res.Image)
	p.frameCount++
	p.lastTier = res.Tier

	started := time.Now()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, res.Image, &jpeg.Options{Quality: p.cfg.JPEGQuality}); err != nil {
		span.SetStatus(codes.Error, "jpeg encode")
		return res, err
	}
	res.JPEG = buf.Bytes()
	res.addStage(StageEncode, started)

	span.SetAttributes(attribute.String("frame.tier", res.Tier.String()))
	return res, nil
}

func (p *Processor) render(ctx context.Context, res *Result, wave audio.Waveform, n uint64) {
	if !p.selector.TryNeural() {
		if paused, retryAt := p.selector.Paused(); paused {
			p.logger.Debug().Time("retry_at", retryAt).Msg("neural tier paused")
		}
		res.Tier = p.selector.Ceiling()
		if res.Tier <= TierCachedLatent {
			res.Tier = p.selector.Fallback()
		}
		p.renderFallback(ctx, res, n)
		return
	}

	started := time.Now()
	fctx, span := p.tracer.Start(ctx, "pipeline.features")
	emb, err := p.features.Extract(fctx, wave)
	span.End()
	res.addStage(StageFeatures, started)
	if err == nil && emb.Empty() {
		// Nothing to animate; not a model fault.
		p.selector.Skipped()
		res.Tier = TierStaticCycle
		p.renderFallback(ctx, res, n)
		return
	}

	var img *image.RGBA
	if err == nil {
		started = time.Now()
		rctx, span := p.tracer.Start(ctx, "pipeline.render.neural")
		img, err = p.synth.Neural(rctx, n, emb)
		span.End()
		res.addStage(StageRender, started)
	}

	switch {
	case err == nil:
		p.selector.Succeeded()
		res.Image = img
		res.Tier = TierNeural
		if emb.Partial {
			res.Tier = TierCachedLatent
		}
	case errors.Is(err, ErrModelUnavailable):
		from := p.selector.Ceiling()
		if p.selector.Disable() {
			res.Degradation = &Degradation{From: from, To: p.selector.Ceiling(), Reason: "model_unavailable"}
			p.logger.Warn().Err(err).Str("ceiling", p.selector.Ceiling().String()).Msg("neural tier disabled for session")
		}
		res.Tier = p.selector.Fallback()
		p.renderFallback(ctx, res, n)
	case ctx.Err() != nil:
		p.selector.Skipped()
		res.Tier = TierStaticCycle
		p.renderFallback(ctx, res, n)
	default:
		if p.selector.Failed() {
			res.Degradation = &Degradation{From: TierNeural, To: p.selector.Fallback(), Reason: "breaker_open"}
			p.logger.Warn().Err(err).Msg("neural tier paused after repeated failures")
		} else {
			p.logger.Debug().Err(err).Uint64("seq", n).Msg("transient neural failure")
		}
		res.Tier = TierStaticCycle
		p.renderFallback(ctx, res, n)
	}
}

func (p *Processor) renderFallback(ctx context.Context, res *Result, n uint64) {
	started := time.Now()
	_, span := p.tracer.Start(ctx, "pipeline.render.fallback", trace.WithAttributes(attribute.String("frame.tier", res.Tier.String())))
	defer span.End()
	switch res.Tier {
	case TierVolumeViseme:
		res.Image = p.synth.Viseme(res.Level.Smoothed)
		p.logger.Debug().
			Uint64("seq", n).
			Float64("volume", res.Level.Smoothed).
			Int("viseme_frame", p.synth.VisemeFrameIndex(res.Level.Smoothed)).
			Msg("viseme frame selected")
	default:
		res.Tier = TierStaticCycle
		res.Image = p.synth.Static(n)
	}
	res.addStage(StageRender, started)
}

func (r *Result) addStage(stage string, started time.Time) {
	r.Stages = append(r.Stages, StageTiming{Stage: stage, Duration: time.Since(started)})
}

func clampQuality(q int) int {
	switch {
	case q == 0:
		return DefaultJPEGQuality
	case q < minJPEGQuality:
		return minJPEGQuality
	case q > maxJPEGQuality:
		return maxJPEGQuality
	default:
		return q
	}
}
