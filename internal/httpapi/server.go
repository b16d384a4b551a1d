package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/lipstream/internal/config"
	"github.com/ent0n29/lipstream/internal/logging"
	"github.com/ent0n29/lipstream/internal/observability"
	"github.com/ent0n29/lipstream/internal/protocol"
	"github.com/ent0n29/lipstream/internal/session"
	"github.com/ent0n29/lipstream/internal/store"
)

const (
	readLimit    = 4 << 20
	readTimeout  = 120 * time.Second
	writeTimeout = 10 * time.Second
	queueSize    = 256
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan protocol.Inbound, outbound chan<- any) error
}

// closeCoder is implemented by errors that must end the websocket with a
// specific close code.
type closeCoder interface {
	CloseCode() int
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	store        store.Store
	metrics      *observability.Metrics
	logger       zerolog.Logger
	upgrader     websocket.Upgrader
	checks       map[string]func() bool
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, metrics *observability.Metrics, records store.Store, logger zerolog.Logger) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		store:        records,
		metrics:      metrics,
		logger:       logging.Component(logger, "httpapi"),
		checks:       make(map[string]func() bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 64 << 10,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// AddReadinessCheck registers a dependency that /readyz reports on. A failing
// check makes the service not ready.
func (s *Server) AddReadinessCheck(name string, healthy func() bool) {
	s.checks[name] = healthy
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws", s.handleImplicitWS)
	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)
	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Post("/v1/perf/latency/reset", s.handlePerfLatencyReset)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.orchestrator == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "orchestrator not configured",
		})
		return
	}
	status, code := "ready", http.StatusOK
	checks := make(map[string]bool, len(s.checks))
	for name, healthy := range s.checks {
		ok := healthy()
		checks[name] = ok
		if !ok {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	respondJSON(w, code, map[string]any{
		"status":          status,
		"model_backend":   s.cfg.ResolvedModelBackend(),
		"active_sessions": s.sessions.ActiveCount(),
		"checks":          checks,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		req.ClientID = "anonymous"
	}
	req.Avatar = strings.TrimSpace(req.Avatar)
	if req.Avatar == "" {
		req.Avatar = s.cfg.Avatar.Default
	}

	sess := s.sessions.Create(req.ClientID, req.Avatar)
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		ClientID:        sess.ClientID,
		Status:          sess.Status,
		Avatar:          sess.Avatar,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
		WebSocketPath:   "/v1/sessions/ws?session_id=" + url.QueryEscape(sess.ID),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if clientID := strings.TrimSpace(r.URL.Query().Get("client_id")); clientID != "" {
		sess, err := s.sessions.ByClient(clientID)
		if err != nil {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"sessions": []*session.Session{sess}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.List(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"active_sessions": s.sessions.ActiveCount(),
		"model_backend":   s.cfg.ResolvedModelBackend(),
	}
	if s.store != nil {
		recent, err := s.store.RecentSessions(r.Context(), 20)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
			return
		}
		out["recent_sessions"] = recent
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.serveWS(w, r, sessionID)
}

// handleImplicitWS creates a session for clients that connect without
// registering one first.
func (s *Server) handleImplicitWS(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	q := r.URL.Query()
	avatarName := strings.TrimSpace(q.Get("avatar"))
	if avatarName == "" {
		avatarName = s.cfg.Avatar.Default
	}
	sess := s.sessions.Create(strings.TrimSpace(q.Get("client_id")), avatarName)
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.serveWS(w, r, sess.ID)
	if _, err := s.sessions.End(sess.ID); err == nil {
		s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	if err := s.sessions.Attach(sessionID); err != nil {
		status := http.StatusConflict
		if errors.Is(err, session.ErrNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, "session_unavailable", err.Error())
		return
	}
	defer s.sessions.Detach(sessionID)

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.logger.With().Str("session_id", sessionID).Logger()
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	s.metrics.ActiveSessions.Inc()
	defer s.metrics.ActiveSessions.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.Inbound, queueSize)
	outbound := make(chan any, queueSize)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		err := s.orchestrator.RunConnection(ctx, sess, inbound, outbound)
		if err == nil {
			return
		}
		log.Warn().Err(err).Msg("connection ended with error")
		code := websocket.CloseInternalServerErr
		var cc closeCoder
		if errors.As(err, &cc) {
			code = cc.CloseCode()
		}
		s.metrics.SessionEvents.WithLabelValues("ws_closed_error").Inc()
		msg := websocket.FormatCloseMessage(code, truncateReason(err.Error()))
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
		cancel()
		_ = conn.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
					cancel()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		received := time.Now()
		_ = conn.SetReadDeadline(received.Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		_ = s.sessions.Touch(sessionID)

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			log.Debug().Err(err).Msg("invalid client message")
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeError,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
				s.metrics.ObserveOutboundMessage(string(protocol.TypeError), "queued")
			default:
				// Keep websocket writes single-threaded; drop if outbound queue is saturated.
				s.metrics.ObserveOutboundMessage(string(protocol.TypeError), "drop_full")
			}
			continue
		}

		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case <-runDone:
			break readLoop
		case inbound <- protocol.Inbound{Message: parsed, ReceivedAt: received}:
		}
	}

	close(inbound)
	<-runDone
	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// truncateReason keeps a close reason within the 123 bytes a control frame allows.
func truncateReason(reason string) string {
	const max = 120
	if len(reason) <= max {
		return reason
	}
	return reason[:max]
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
