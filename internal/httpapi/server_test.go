package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/lipstream/internal/config"
	"github.com/ent0n29/lipstream/internal/observability"
	"github.com/ent0n29/lipstream/internal/protocol"
	"github.com/ent0n29/lipstream/internal/session"
	"github.com/ent0n29/lipstream/internal/store"
)

// echoOrchestrator answers every audio message with one frame.
type echoOrchestrator struct {
	setupErr error
}

func (o echoOrchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan protocol.Inbound, outbound chan<- any) error {
	if o.setupErr != nil {
		return o.setupErr
	}
	outbound <- protocol.SessionReady{Type: protocol.TypeSessionReady, SessionID: s.ID, Avatar: s.Avatar, Frames: 1, Tier: "STATIC_CYCLE"}
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-inbound:
			if !ok {
				return nil
			}
			am, ok := in.Message.(protocol.AudioMessage)
			if !ok {
				continue
			}
			outbound <- protocol.NewFrameMessage(am.TimestampOr(in.ReceivedAt), []byte{0xff, 0xd8}, "STATIC_CYCLE", seq)
			seq++
		}
	}
}

type setupFailure struct{}

func (setupFailure) Error() string  { return "avatar load failed" }
func (setupFailure) CloseCode() int { return 4001 }

func newTestServer(t *testing.T, orch Orchestrator) (*httptest.Server, *session.Manager) {
	t.Helper()
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		ModelBackend:             "none",
		Avatar:                   config.AvatarConfig{Default: "ava"},
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	srv := New(cfg, sessions, orch, metrics, store.NewInMemoryStore(10), zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return msg
}

func TestCreateAndEndSession(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	body, _ := json.Marshal(map[string]string{"client_id": "client-1"})
	res, err := http.Post(ts.URL+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created["avatar"] != "ava" {
		t.Fatalf("avatar = %v, want default ava", created["avatar"])
	}
	if created["ws_path"] != "/v1/sessions/ws?session_id="+sessionID {
		t.Fatalf("ws_path = %v", created["ws_path"])
	}

	endRes, err := http.Post(ts.URL+"/v1/sessions/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	missing, err := http.Post(ts.URL+"/v1/sessions/nope/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end missing session error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("end missing status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}

	res, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz without orchestrator status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}

	ready, _ := newTestServer(t, echoOrchestrator{})
	res, err = http.Get(ready.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	if res.StatusCode != http.StatusOK || payload["model_backend"] != "none" {
		t.Fatalf("readyz = %d %+v", res.StatusCode, payload)
	}
}

func TestPerfLatencyAndStats(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	res, err := http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	var snap map[string]any
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode perf response: %v", err)
	}
	if _, ok := snap["stages"]; !ok {
		t.Fatalf("perf response missing stages: %+v", snap)
	}

	stats, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats error = %v", err)
	}
	defer stats.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(stats.Body).Decode(&payload); err != nil {
		t.Fatalf("decode stats response: %v", err)
	}
	if _, ok := payload["recent_sessions"]; !ok {
		t.Fatalf("stats missing recent_sessions: %+v", payload)
	}
}

func TestImplicitWebSocketRoundTrip(t *testing.T) {
	ts, sessions := newTestServer(t, echoOrchestrator{})
	conn := dial(t, ts, "/ws?avatar=bob")

	ready := readJSON(t, conn)
	if ready["type"] != "session_ready" || ready["avatar"] != "bob" {
		t.Fatalf("first message = %+v", ready)
	}

	for i := 0; i < 3; i++ {
		msg := fmt.Sprintf(`{"type":"audio","audio":"AAAA","timestamp":%d}`, i)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("WriteMessage() error = %v", err)
		}
		frame := readJSON(t, conn)
		if frame["type"] != "frame" || frame["timestamp"] != float64(i) || frame["seq"] != float64(i) {
			t.Fatalf("frame %d = %+v", i, frame)
		}
	}

	// Unreadable audio fields still reach the orchestrator as audio.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio","audio":"AAAA","sampleRate":"24000","timestamp":7}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if frame := readJSON(t, conn); frame["type"] != "frame" || frame["seq"] != float64(3) {
		t.Fatalf("malformed audio reply = %+v, want frame 3", frame)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	errEvent := readJSON(t, conn)
	if errEvent["type"] != "error" || errEvent["code"] != "invalid_client_message" {
		t.Fatalf("error event = %+v", errEvent)
	}

	if len(sessions.List()) != 1 {
		t.Fatalf("sessions = %d, want the implicit session", len(sessions.List()))
	}
}

func TestRegisteredSessionAcceptsOneConnection(t *testing.T) {
	ts, sessions := newTestServer(t, echoOrchestrator{})
	sess := sessions.Create("client", "ava")

	conn := dial(t, ts, "/v1/sessions/ws?session_id="+sess.ID)
	_ = readJSON(t, conn)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/ws?session_id=" + sess.ID
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("second Dial() succeeded, want conflict")
	}
	if res == nil || res.StatusCode != http.StatusConflict {
		t.Fatalf("second Dial() response = %v, want 409", res)
	}

	_, res, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/sessions/ws?session_id=missing", nil)
	if err == nil || res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("Dial(missing) = %v, %v, want 404", res, err)
	}
}

func TestSetupFailureClosesWith4001(t *testing.T) {
	ts, _ := newTestServer(t, echoOrchestrator{setupErr: setupFailure{}})
	conn := dial(t, ts, "/ws")

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("ReadMessage() error = %v, want close error", err)
	}
	if closeErr.Code != 4001 {
		t.Fatalf("close code = %d, want 4001", closeErr.Code)
	}
}

func TestReadinessChecks(t *testing.T) {
	cfg := config.Config{ModelBackend: "mock"}
	sessions := session.NewManager(time.Minute)
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_ready_%d", time.Now().UnixNano()))
	srv := New(cfg, sessions, echoOrchestrator{}, metrics, nil, zerolog.Nop())
	healthy := true
	srv.AddReadinessCheck("nats", func() bool { return healthy })
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, tt := range []struct {
		healthy bool
		want    int
	}{{true, http.StatusOK}, {false, http.StatusServiceUnavailable}} {
		healthy = tt.healthy
		res, err := http.Get(ts.URL + "/readyz")
		if err != nil {
			t.Fatalf("GET /readyz error = %v", err)
		}
		var payload map[string]any
		_ = json.NewDecoder(res.Body).Decode(&payload)
		res.Body.Close()
		if res.StatusCode != tt.want {
			t.Fatalf("readyz healthy=%v status = %d, want %d", tt.healthy, res.StatusCode, tt.want)
		}
		checks, _ := payload["checks"].(map[string]any)
		if checks["nats"] != tt.healthy {
			t.Fatalf("checks = %+v", payload["checks"])
		}
	}

	stats, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats error = %v", err)
	}
	defer stats.Body.Close()
	if stats.StatusCode != http.StatusOK {
		t.Fatalf("stats without store status = %d", stats.StatusCode)
	}
}

func TestListSessionsByClient(t *testing.T) {
	ts, sessions := newTestServer(t, nil)
	sess := sessions.Create("c-42", "ava")

	res, err := http.Get(ts.URL + "/v1/sessions?client_id=c-42")
	if err != nil {
		t.Fatalf("GET /v1/sessions error = %v", err)
	}
	defer res.Body.Close()
	var payload struct {
		Sessions []session.Session `json:"sessions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(payload.Sessions) != 1 || payload.Sessions[0].ID != sess.ID {
		t.Fatalf("sessions = %+v, want %s", payload.Sessions, sess.ID)
	}

	missing, err := http.Get(ts.URL + "/v1/sessions?client_id=nobody")
	if err != nil {
		t.Fatalf("GET /v1/sessions error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown client status = %d, want 404", missing.StatusCode)
	}
}
