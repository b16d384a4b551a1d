// Package lipsync runs the per-connection loop that turns inbound audio
// messages into outbound frames.
package lipsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/lipstream/internal/audio"
	"github.com/ent0n29/lipstream/internal/avatar"
	"github.com/ent0n29/lipstream/internal/events"
	"github.com/ent0n29/lipstream/internal/logging"
	"github.com/ent0n29/lipstream/internal/model"
	"github.com/ent0n29/lipstream/internal/observability"
	"github.com/ent0n29/lipstream/internal/pipeline"
	"github.com/ent0n29/lipstream/internal/protocol"
	"github.com/ent0n29/lipstream/internal/session"
	"github.com/ent0n29/lipstream/internal/store"
)

// CloseSetupFailed is the websocket close code sent when a session cannot be
// set up, for example because its avatar fails to load.
const CloseSetupFailed = 4001

const saveTimeout = 5 * time.Second

// SetupError ends a connection before any frame is produced.
type SetupError struct {
	Reason string
	Err    error
}

func (e *SetupError) Error() string { return e.Reason + ": " + e.Err.Error() }
func (e *SetupError) Unwrap() error { return e.Err }

// CloseCode is the websocket close code the transport should send.
func (e *SetupError) CloseCode() int { return CloseSetupFailed }

// AvatarSource returns prepared avatars by name.
type AvatarSource interface {
	Get(ctx context.Context, name string) (*avatar.Prepared, error)
}

// Options wires an Orchestrator. Models, Avatars and Normalizer are
// required; the rest fall back to no-op implementations.
type Options struct {
	Normalizer      *audio.Normalizer
	Models          model.Models
	Avatars         AvatarSource
	DefaultAvatar   string
	Pipeline        pipeline.Config
	Sessions        *session.Manager
	Metrics         *observability.Metrics
	Store           store.Store
	Events          events.Publisher
	FrameLatencySLO time.Duration
	Logger          zerolog.Logger
}

// Orchestrator owns everything sessions share: models, the avatar cache and
// the reporting sinks. It holds no per-session state.
type Orchestrator struct {
	opts   Options
	logger zerolog.Logger
}

func New(opts Options) *Orchestrator {
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Orchestrator{
		opts:   opts,
		logger: logging.Component(opts.Logger, "lipsync"),
	}
}

// RunConnection serves one websocket session until inbound closes or ctx is
// cancelled. It returns a *SetupError when the session cannot start; other
// failures are reported to the client and never end the loop.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan protocol.Inbound, outbound chan<- any) error {
	log := o.logger.With().Str("session_id", s.ID).Logger()

	name := s.Avatar
	if name == "" {
		name = o.opts.DefaultAvatar
	}
	prepStarted := time.Now()
	prepared, err := o.opts.Avatars.Get(ctx, name)
	if err != nil {
		log.Error().Err(err).Str("avatar", name).Msg("session setup failed")
		o.sessionEvent("setup_failed")
		if errors.Is(err, avatar.ErrAvatarLoad) {
			return &SetupError{Reason: "avatar load failed", Err: err}
		}
		return &SetupError{Reason: "session setup failed", Err: err}
	}
	if o.opts.Metrics != nil {
		o.opts.Metrics.AvatarPrepare.Observe(time.Since(prepStarted).Seconds())
	}

	proc := pipeline.NewProcessor(o.opts.Pipeline, o.opts.Normalizer, o.opts.Models, prepared, log)
	c := &conn{
		o:         o,
		sess:      s,
		avatar:    name,
		proc:      proc,
		outbound:  outbound,
		log:       log,
		started:   time.Now().UTC(),
		tierCount: make(map[string]uint64),
	}

	log.Info().
		Str("avatar", name).
		Int("frames", len(prepared.Frames)).
		Int("latents", prepared.Latents.Len()).
		Str("ceiling", proc.Ceiling().String()).
		Str("models", o.opts.Models.Backend).
		Bool("external_decoder", o.opts.Normalizer.HasExternalDecoder()).
		Msg("session ready")
	c.publish(ctx, events.Event{Kind: events.KindSessionStarted, Tier: proc.Ceiling().String()})
	c.send(ctx, protocol.SessionReady{
		Type:      protocol.TypeSessionReady,
		SessionID: s.ID,
		Avatar:    name,
		Frames:    len(prepared.Frames),
		Tier:      proc.Ceiling().String(),
	})

	defer c.finish()
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-inbound:
			if !ok {
				return nil
			}
			switch msg := in.Message.(type) {
			case protocol.AudioMessage:
				c.handleAudio(ctx, msg, in.ReceivedAt)
			case protocol.ConfigMessage:
				c.handleConfig(msg)
			default:
				log.Debug().Str("type", fmt.Sprintf("%T", in.Message)).Msg("ignoring message")
			}
		}
	}
}

func (o *Orchestrator) sessionEvent(event string) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

// conn is the state of one running session. It is only touched by the
// RunConnection goroutine.
type conn struct {
	o        *Orchestrator
	sess     *session.Session
	avatar   string
	proc     *pipeline.Processor
	outbound chan<- any
	log      zerolog.Logger

	started        time.Time
	tierCount      map[string]uint64
	degradations   int
	decodeFailures uint64
	lastTier       string
}

func (c *conn) handleAudio(ctx context.Context, msg protocol.AudioMessage, received time.Time) {
	if received.IsZero() {
		received = time.Now()
	}
	ts := msg.TimestampOr(received)

	// A disconnect stops the loop between chunks; the chunk in flight
	// finishes.
	work := context.WithoutCancel(ctx)
	var (
		res pipeline.Result
		err error
	)
	chunk, chunkErr := msg.Chunk(received)
	if chunkErr != nil {
		res, err = c.proc.Undecodable(work, ts, chunkErr)
	} else {
		res, err = c.proc.Process(work, chunk, ts)
	}
	if err != nil {
		c.log.Error().Err(err).Uint64("seq", res.Seq).Msg("frame encode failed")
		c.sendError(ctx, "frame_encode_failed", "pipeline", true, err.Error())
		return
	}

	c.send(ctx, protocol.NewFrameMessage(ts, res.JPEG, res.Tier.String(), res.Seq))
	c.record(ctx, res, time.Since(received))
}

func (c *conn) handleConfig(msg protocol.ConfigMessage) {
	if msg.Reset() {
		c.proc.Reset()
	}
	if q, ok := msg.JPEGQuality(); ok {
		c.proc.SetJPEGQuality(q)
	}
	c.log.Info().
		Strs("keys", msg.Keys()).
		Bool("reset", msg.Reset()).
		Int("jpeg_quality", c.proc.JPEGQuality()).
		Msg("session config received")
}

func (c *conn) record(ctx context.Context, res pipeline.Result, latency time.Duration) {
	tier := res.Tier.String()
	c.tierCount[tier]++
	m := c.o.opts.Metrics

	if res.DecodeErr != nil {
		c.decodeFailures++
		if m != nil {
			m.DecodeFailures.Inc()
			if res.Reused {
				m.ObserveIndicator("buffered_frame_reused")
			}
		}
	}
	if d := res.Degradation; d != nil {
		c.degradations++
		if m != nil {
			m.TierDegradations.WithLabelValues(d.From.String(), d.To.String(), d.Reason).Inc()
			m.ObserveIndicator(d.Reason)
		}
		c.log.Warn().Str("from", d.From.String()).Str("to", d.To.String()).Str("reason", d.Reason).Msg("tier degraded")
		c.publish(ctx, events.Event{Kind: events.KindTierChanged, Seq: res.Seq, From: d.From.String(), Tier: d.To.String(), Reason: d.Reason})
	}
	if res.Level.Edge {
		state := "silent"
		if res.Level.Speaking {
			state = "speaking"
		}
		if m != nil {
			m.SpeakingEdges.WithLabelValues(state).Inc()
		}
		c.publish(ctx, events.Event{Kind: events.KindSpeaking, Seq: res.Seq, Speaking: res.Level.Speaking, Volume: res.Level.Smoothed})
	}
	if c.lastTier != "" && c.lastTier != tier && res.Degradation == nil {
		c.log.Debug().Str("from", c.lastTier).Str("to", tier).Uint64("seq", res.Seq).Msg("frame tier changed")
	}
	c.lastTier = tier

	if m != nil {
		m.Frames.WithLabelValues(tier).Inc()
		for _, st := range res.Stages {
			m.ObserveStage(st.Stage, tier, st.Duration)
		}
		m.ObserveFrameLatency(tier, latency)
	}
	if slo := c.o.opts.FrameLatencySLO; slo > 0 && latency > slo {
		c.log.Debug().Dur("latency", latency).Str("tier", tier).Uint64("seq", res.Seq).Msg("frame over latency budget")
	}
	if sm := c.o.opts.Sessions; sm != nil {
		_ = sm.RecordFrame(c.sess.ID, tier)
	}
}

// finish persists the session summary. It runs after the client is gone, so
// it does not use the connection context.
func (c *conn) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	rec := store.SessionRecord{
		ID:             c.sess.ID,
		ClientID:       c.sess.ClientID,
		Avatar:         c.avatar,
		Frames:         c.proc.FrameCount(),
		TierCounts:     c.tierCount,
		Degradations:   c.degradations,
		DecodeFailures: c.decodeFailures,
		FinalTier:      c.proc.Ceiling().String(),
		StartedAt:      c.started,
		EndedAt:        time.Now().UTC(),
	}
	if st := c.o.opts.Store; st != nil {
		if err := st.SaveSession(ctx, rec); err != nil {
			c.log.Warn().Err(err).Msg("save session record")
		}
	}
	c.publish(ctx, events.Event{Kind: events.KindSessionEnded, Frames: rec.Frames, Tier: rec.FinalTier})
	c.log.Info().
		Uint64("frames", rec.Frames).
		Int("degradations", rec.Degradations).
		Uint64("decode_failures", rec.DecodeFailures).
		Str("last_tier", c.proc.LastTier().String()).
		Dur("duration", rec.Duration()).
		Msg("session finished")
}

func (c *conn) publish(ctx context.Context, ev events.Event) {
	ev.SessionID = c.sess.ID
	ev.Avatar = c.avatar
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := c.o.opts.Events.Publish(ctx, ev); err != nil {
		c.log.Debug().Err(err).Str("kind", string(ev.Kind)).Msg("publish event")
	}
}

func (c *conn) sendError(ctx context.Context, code, source string, retryable bool, detail string) {
	c.send(ctx, protocol.ErrorEvent{
		Type:      protocol.TypeError,
		SessionID: c.sess.ID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    detail,
	})
}

func (c *conn) send(ctx context.Context, msg any) {
	select {
	case <-ctx.Done():
	case c.outbound <- msg:
	}
}
