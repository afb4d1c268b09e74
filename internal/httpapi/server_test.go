package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beanandbrew/voicedesk/internal/config"
	"github.com/beanandbrew/voicedesk/internal/observability"
	"github.com/beanandbrew/voicedesk/internal/protocol"
	"github.com/beanandbrew/voicedesk/internal/session"
)

// echoOrchestrator acknowledges start_session and reflects audio frames back
// with sequence numbers, then ends on stop_session.
type echoOrchestrator struct{}

func (echoOrchestrator) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	defer sess.MarkClosed()
	seq := uint64(0)
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-inbound:
			if !ok {
				return nil
			}
			switch msg := frame.(type) {
			case protocol.StartSession:
				outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "session_started", Detail: sess.ID}
			case protocol.AudioInput:
				seq++
				outbound <- protocol.NewAudioOutput(msg.PCM, msg.SampleRate, seq)
			case protocol.StopSession:
				outbound <- protocol.SessionEnded{Type: protocol.TypeSessionEnded, Reason: "client_stop"}
				return nil
			}
		}
	}
}

// oneFrameOrchestrator ends the session as soon as the first frame arrives,
// racing its teardown against whatever the client is still sending.
type oneFrameOrchestrator struct{}

func (oneFrameOrchestrator) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	defer sess.MarkClosed()
	select {
	case <-ctx.Done():
	case <-inbound:
		outbound <- protocol.SessionEnded{Type: protocol.TypeSessionEnded, Reason: "client_stop"}
	}
	return nil
}

func testServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()
	return testServerWith(t, echoOrchestrator{})
}

func testServerWith(t *testing.T, orc Orchestrator) (*httptest.Server, *session.Registry) {
	t.Helper()
	cfg := config.Config{
		IdleTimeout:       2 * time.Minute,
		OutboundQueueSize: 64,
		AllowAnyOrigin:    true,
	}
	sessions := session.NewRegistry()
	metrics := observability.NewMetrics("test_httpapi_" + strings.ReplaceAll(t.Name(), "/", "_"))
	srv := New(cfg, sessions, orc, metrics, 48000)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, sessions
}

func TestHealthAndStatus(t *testing.T) {
	ts, _ := testServer(t)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	statusRes, err := http.Get(ts.URL + "/v1/voice/status")
	if err != nil {
		t.Fatalf("GET /v1/voice/status error = %v", err)
	}
	defer statusRes.Body.Close()
	var status map[string]any
	if err := json.NewDecoder(statusRes.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if _, ok := status["tool_latency"]; !ok {
		t.Errorf("status missing tool_latency: %+v", status)
	}
}

func TestListSessionsEmpty(t *testing.T) {
	ts, _ := testServer(t)

	res, err := http.Get(ts.URL + "/v1/voice/sessions")
	if err != nil {
		t.Fatalf("GET sessions error = %v", err)
	}
	defer res.Body.Close()
	var out struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if out.Count != 0 {
		t.Errorf("count = %d, want 0", out.Count)
	}
}

func TestGetUnknownSession(t *testing.T) {
	ts, _ := testServer(t)

	res, err := http.Get(ts.URL + "/v1/voice/sessions/nope")
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestVoiceWebSocketRoundTrip(t *testing.T) {
	ts, _ := testServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "start_session", "config": map[string]any{}}); err != nil {
		t.Fatalf("write start_session: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var started protocol.SystemEvent
	if err := conn.ReadJSON(&started); err != nil {
		t.Fatalf("read session_started: %v", err)
	}
	if started.Code != "session_started" {
		t.Fatalf("first event = %+v, want session_started", started)
	}

	// Raw binary frames are treated as audio and come back sequenced.
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0, 1, 2, 3}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	var audio protocol.AudioOutput
	if err := conn.ReadJSON(&audio); err != nil {
		t.Fatalf("read audio_output: %v", err)
	}
	if audio.Type != protocol.TypeAudioOutput || audio.Seq != 1 {
		t.Fatalf("audio frame = %+v, want seq 1", audio)
	}
	if audio.SampleRate != 48000 {
		t.Errorf("sample rate = %d, want default 48000", audio.SampleRate)
	}

	// Malformed text frames produce an error event, not a disconnect.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"no_such_frame"}`)); err != nil {
		t.Fatalf("write bad frame: %v", err)
	}
	var errEvent protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("read error_event: %v", err)
	}
	if errEvent.Code != "invalid_client_message" {
		t.Fatalf("error event = %+v", errEvent)
	}

	if err := conn.WriteJSON(map[string]any{"type": "stop_session"}); err != nil {
		t.Fatalf("write stop_session: %v", err)
	}
	var ended protocol.SessionEnded
	if err := conn.ReadJSON(&ended); err != nil {
		t.Fatalf("read session_ended: %v", err)
	}
	if ended.Reason != "client_stop" {
		t.Errorf("reason = %q, want client_stop", ended.Reason)
	}
}

func TestMalformedFloodDuringTeardown(t *testing.T) {
	ts, _ := testServerWith(t, oneFrameOrchestrator{})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/voice/ws"

	for i := 0; i < 20; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("ws dial error = %v", err)
		}
		if err := conn.WriteJSON(map[string]any{"type": "start_session"}); err != nil {
			t.Fatalf("write start_session: %v", err)
		}
		// The session is already tearing down while these arrive.
		for j := 0; j < 200; j++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)); err != nil {
				break
			}
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					t.Fatalf("conn %d closed with %v, want normal closure", i, err)
				}
				break
			}
		}
		conn.Close()
	}

	// The handler must have survived every flood.
	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", res.StatusCode, http.StatusOK)
	}
}
