// Package httpapi exposes the websocket voice endpoint and the operational
// surface: health, metrics, and live session inspection.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/beanandbrew/voicedesk/internal/config"
	"github.com/beanandbrew/voicedesk/internal/observability"
	"github.com/beanandbrew/voicedesk/internal/protocol"
	"github.com/beanandbrew/voicedesk/internal/session"
)

// Orchestrator drives one websocket connection's session lifecycle.
type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Registry
	orchestrator Orchestrator
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader

	// defaultSampleRate applies to raw binary audio frames, which carry no
	// sample-rate metadata of their own.
	defaultSampleRate int
}

func New(cfg config.Config, sessions *session.Registry, orchestrator Orchestrator, metrics *observability.Metrics, defaultSampleRate int) *Server {
	return &Server{
		cfg:               cfg,
		sessions:          sessions,
		orchestrator:      orchestrator,
		metrics:           metrics,
		defaultSampleRate: defaultSampleRate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may open a mic session unless
				// explicitly configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
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

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/voice/ws", s.handleVoiceWS)
	r.Get("/v1/voice/sessions", s.handleListSessions)
	r.Get("/v1/voice/sessions/{id}", s.handleGetSession)
	r.Get("/v1/voice/status", s.handleStatus)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.Count(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	infos := make([]session.Info, 0)
	for _, sess := range s.sessions.All() {
		infos = append(infos, sess.Snapshot())
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": infos,
		"count":    len(infos),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	sess, err := s.sessions.Lookup(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"active_sessions": s.sessions.Count(),
		"tool_latency":    s.metrics.ToolLatencySnapshot(),
	})
}

// handleVoiceWS upgrades the connection and runs a session for its lifetime.
// The session exists from upgrade to orchestrator exit; there is no separate
// create step.
func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sess := session.New()
	if err := s.sessions.Register(sess); err != nil {
		// A uuid collision would be the only path here.
		respondWSError(conn, "session_rejected", err.Error())
		return
	}
	// The orchestrator unregisters on exit; this is the backstop.
	defer s.sessions.Unregister(sess.ID)
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, s.cfg.OutboundQueueSize)
	runDone := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.orchestrator.RunConnection(ctx, sess, inbound, outbound)
	}()

	// outbound is never closed: the read loop below also sends error events
	// on it, so there is no single goroutine that could close it safely.
	// The writer instead drains what is buffered once the orchestrator is
	// done and then stops.
	writeFrame := func(msg any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			cancel()
			return false
		}
		if t, ok := messageTypeOf(msg); ok {
			s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
		}
		return true
	}
	go func() {
		defer close(writerDone)
		for {
			select {
			case msg := <-outbound:
				if !writeFrame(msg) {
					// Keep draining so the orchestrator never blocks on us.
					for {
						select {
						case <-outbound:
						case <-runDone:
							return
						}
					}
				}
			case <-runDone:
				// The orchestrator queued its final frames before exiting.
				for {
					select {
					case msg := <-outbound:
						if !writeFrame(msg) {
							return
						}
					default:
						return
					}
				}
			}
		}
	}()

	// Once the orchestrator and writer finish, drop the socket so the read
	// loop below unblocks.
	go func() {
		<-runDone
		<-writerDone
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout + 30*time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout + 30*time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout + 30*time.Second))

		var parsed any
		switch msgType {
		case websocket.BinaryMessage:
			// Raw PCM without an envelope.
			parsed = protocol.AudioInput{PCM: data, SampleRate: s.defaultSampleRate}
		case websocket.TextMessage:
			var perr error
			parsed, perr = protocol.ParseClientMessage(data)
			if perr != nil {
				// Malformed and unknown frames are reported, never fatal.
				select {
				case <-runDone:
				case outbound <- protocol.ErrorEvent{
					Type:   protocol.TypeErrorEvent,
					Code:   "invalid_client_message",
					Detail: perr.Error(),
				}:
				default:
				}
				continue
			}
		default:
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case <-runDone:
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func messageTypeOf(msg any) (protocol.MessageType, bool) {
	switch msg.(type) {
	case protocol.StartSession:
		return protocol.TypeStartSession, true
	case protocol.StopSession:
		return protocol.TypeStopSession, true
	case protocol.AudioInput:
		return protocol.TypeAudioInput, true
	case protocol.AudioOutput:
		return protocol.TypeAudioOutput, true
	case protocol.ConversationUpdate:
		return protocol.TypeConversationUpdate, true
	case protocol.SystemEvent:
		return protocol.TypeSystemEvent, true
	case protocol.SessionEnded:
		return protocol.TypeSessionEnded, true
	case protocol.ErrorEvent:
		return protocol.TypeErrorEvent, true
	default:
		return "", false
	}
}

func respondWSError(conn *websocket.Conn, code, detail string) {
	_ = conn.WriteJSON(protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: code, Detail: detail})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, detail string) {
	respondJSON(w, status, errorResponse{Error: detail, Code: code})
}
