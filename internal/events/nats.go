package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSOptions configures the NATS publisher.
type NATSOptions struct {
	URL            string
	Name           string
	Token          string
	SubjectPrefix  string
	ConnectTimeout time.Duration
}

// NATSPublisher publishes events as JSON to <prefix>.<kind>.<session id>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

func ConnectNATS(opts NATSOptions, logger zerolog.Logger) (*NATSPublisher, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errors.New("no NATS url configured")
	}
	if opts.Name == "" {
		opts.Name = "lipstream"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 2 * time.Second
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "lipstream"
	}
	logger = logger.With().Str("component", "events").Logger()

	options := []nats.Option{
		nats.Name(opts.Name),
		nats.Timeout(opts.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("server", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if opts.Token != "" {
		options = append(options, nats.Token(opts.Token))
	}

	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info().Str("servers", url).Msg("connected to NATS")
	return &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(opts.SubjectPrefix, "."), logger: logger}, nil
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	return Subject(p.prefix, ev)
}

func Subject(prefix string, ev Event) string {
	id := ev.SessionID
	if id == "" {
		id = "none"
	}
	return prefix + "." + string(ev.Kind) + "." + id
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

func (p *NATSPublisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

func (p *NATSPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.logger.Info().Msg("closing NATS connection")
	_ = p.conn.Drain()
	p.conn.Close()
}
