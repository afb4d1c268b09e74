package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beanandbrew/voicedesk/internal/observability"
	"github.com/beanandbrew/voicedesk/internal/persona"
	"github.com/beanandbrew/voicedesk/internal/protocol"
	"github.com/beanandbrew/voicedesk/internal/session"
	"github.com/beanandbrew/voicedesk/internal/tools"
	"github.com/beanandbrew/voicedesk/internal/upstream"
)

type fakeConn struct {
	mu       sync.Mutex
	audio    [][]byte
	controls []any
	closed   bool
	events   chan upstream.Event
	sentCh   chan any
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan upstream.Event, 64),
		sentCh: make(chan any, 64),
	}
}

func (c *fakeConn) Events() <-chan upstream.Event { return c.events }

func (c *fakeConn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.audio = append(c.audio, pcm)
	return nil
}

func (c *fakeConn) SendControl(v any) error {
	c.mu.Lock()
	c.controls = append(c.controls, v)
	c.mu.Unlock()
	select {
	case c.sentCh <- v:
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.events <- upstream.Event{Kind: upstream.EventClosed}
		close(c.events)
	}
	return nil
}

func (c *fakeConn) emit(ev upstream.Event) { c.events <- ev }

func (c *fakeConn) sentControls() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.controls))
	copy(out, c.controls)
	return out
}

type fakeDialer struct {
	conn    *fakeConn
	dialErr error
}

func (d *fakeDialer) Dial(_ context.Context, settings protocol.Settings) (upstream.Conn, error) {
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	d.conn.SendControl(settings)
	return d.conn, nil
}

type harness struct {
	runner   *Runner
	sess     *session.Session
	sessions *session.Registry
	conn     *fakeConn
	inbound  chan any
	outbound chan any
	done     chan error
}

func newHarness(t *testing.T, reg *tools.Registry, dialErr error) *harness {
	t.Helper()
	return newHarnessIdle(t, reg, dialErr, 30*time.Second)
}

func newHarnessIdle(t *testing.T, reg *tools.Registry, dialErr error, idle time.Duration) *harness {
	t.Helper()
	if reg == nil {
		var err error
		reg, err = tools.NewRegistry()
		if err != nil {
			t.Fatalf("NewRegistry() error = %v", err)
		}
	}
	h := &harness{
		conn:     newFakeConn(),
		inbound:  make(chan any, 16),
		outbound: make(chan any, 256),
		done:     make(chan error, 1),
		sess:     session.New(),
	}
	h.sessions = session.NewRegistry()
	if err := h.sessions.Register(h.sess); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	h.runner = NewRunner(Options{
		Sessions:    h.sessions,
		Tools:       reg,
		Dialer:      &fakeDialer{conn: h.conn, dialErr: dialErr},
		Metrics:     observability.NewMetrics("test_" + strings.ReplaceAll(t.Name(), "/", "_")),
		Persona:     persona.Default(),
		ListenModel: "nova-3",
		ThinkModel:  "gpt-4o-mini",
		IdleTimeout: idle,
	})
	go func() {
		h.done <- h.runner.RunConnection(context.Background(), h.sess, h.inbound, h.outbound)
	}()
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	h.inbound <- protocol.StartSession{Type: protocol.TypeStartSession}
	h.awaitOutbound(t, func(f any) bool {
		ev, ok := f.(protocol.SystemEvent)
		return ok && ev.Code == "session_started"
	}, "session_started event")
}

func (h *harness) awaitOutbound(t *testing.T, match func(any) bool, what string) any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-h.outbound:
			if match(f) {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func (h *harness) awaitEnd(t *testing.T, wantReason string) {
	t.Helper()
	f := h.awaitOutbound(t, func(f any) bool {
		_, ok := f.(protocol.SessionEnded)
		return ok
	}, "session_ended")
	if got := f.(protocol.SessionEnded).Reason; got != wantReason {
		t.Errorf("session_ended reason = %q, want %q", got, wantReason)
	}
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("RunConnection did not return")
	}
	if st := h.sess.State(); st != session.StateClosed {
		t.Errorf("final state = %s, want %s", st, session.StateClosed)
	}
}

func (h *harness) awaitControl(t *testing.T, match func(any) bool, what string) any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case v := <-h.conn.sentCh:
			if match(v) {
				return v
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func callRequest(id, name, args string) protocol.FunctionCallRequest {
	return protocol.FunctionCallRequest{
		Type:      protocol.AgentTypeFunctionCallRequest,
		Functions: []protocol.FunctionCall{{ID: id, Name: name, Arguments: args}},
	}
}

func TestHappyPathWithToolCall(t *testing.T) {
	reg, err := tools.NewRegistry(tools.Descriptor{
		Name:        "find_customer",
		Description: "lookup",
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return map[string]any{"customer_id": "CUST0001"}, nil
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	h := newHarness(t, reg, nil)
	h.start(t)

	// Upstream settings carried the tool definition.
	ctrl := h.awaitControl(t, func(v any) bool {
		_, ok := v.(protocol.Settings)
		return ok
	}, "settings frame")
	s := ctrl.(protocol.Settings)
	if len(s.Agent.Think.Functions) != 1 || s.Agent.Think.Functions[0].Name != "find_customer" {
		t.Errorf("settings functions = %+v, want find_customer", s.Agent.Think.Functions)
	}

	// Synthesized audio reaches the client in order.
	h.conn.emit(upstream.Event{Kind: upstream.EventAudio, Audio: []byte{1, 2}})
	h.conn.emit(upstream.Event{Kind: upstream.EventAudio, Audio: []byte{3, 4}})
	first := h.awaitOutbound(t, func(f any) bool {
		_, ok := f.(protocol.AudioOutput)
		return ok
	}, "first audio frame").(protocol.AudioOutput)
	second := h.awaitOutbound(t, func(f any) bool {
		_, ok := f.(protocol.AudioOutput)
		return ok
	}, "second audio frame").(protocol.AudioOutput)
	if second.Seq <= first.Seq {
		t.Errorf("audio seq not increasing: %d then %d", first.Seq, second.Seq)
	}

	// Conversation text is forwarded.
	h.conn.emit(upstream.Event{Kind: upstream.EventControl, Control: protocol.ConversationText{
		Type: protocol.AgentTypeConversationText, Role: "assistant", Content: "Hello!",
	}})
	h.awaitOutbound(t, func(f any) bool {
		cu, ok := f.(protocol.ConversationUpdate)
		return ok && cu.Content == "Hello!"
	}, "conversation_update")

	// A tool call yields exactly one response for its id.
	h.conn.emit(upstream.Event{Kind: upstream.EventControl, Control: callRequest("c1", "find_customer", `{}`)})
	resp := h.awaitControl(t, func(v any) bool {
		r, ok := v.(protocol.FunctionCallResponse)
		return ok && r.ID == "c1"
	}, "function call response").(protocol.FunctionCallResponse)
	if !strings.Contains(resp.Content, "CUST0001") {
		t.Errorf("response content = %q, want customer id", resp.Content)
	}

	h.inbound <- protocol.StopSession{Type: protocol.TypeStopSession}
	h.awaitEnd(t, ReasonClientStop)
}

func TestStopDiscardsInFlightCall(t *testing.T) {
	started := make(chan struct{})
	reg, err := tools.NewRegistry(tools.Descriptor{
		Name:        "slow_lookup",
		Description: "blocks until cancelled",
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
		Timeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	h := newHarness(t, reg, nil)
	h.start(t)

	h.conn.emit(upstream.Event{Kind: upstream.EventControl, Control: callRequest("c1", "slow_lookup", `{}`)})
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	h.inbound <- protocol.StopSession{Type: protocol.TypeStopSession}
	h.awaitEnd(t, ReasonClientStop)

	for _, v := range h.conn.sentControls() {
		if r, ok := v.(protocol.FunctionCallResponse); ok && r.ID == "c1" {
			t.Errorf("late tool result was sent after stop: %+v", r)
		}
	}
}

func TestEndCallFlow(t *testing.T) {
	reg, err := tools.NewRegistry(tools.Descriptor{
		Name:        "end_call",
		Description: "ends the call",
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return tools.EndCallResult{
				Response: map[string]any{"status": "call_ending"},
				Farewell: "Goodbye! Have a nice day!",
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	h := newHarness(t, reg, nil)
	h.start(t)

	h.conn.emit(upstream.Event{Kind: upstream.EventControl, Control: callRequest("c1", "end_call", `{}`)})
	h.awaitControl(t, func(v any) bool {
		inj, ok := v.(protocol.InjectAgentMessage)
		return ok && strings.Contains(inj.Message, "Goodbye")
	}, "farewell injection")

	h.conn.emit(upstream.Event{Kind: upstream.EventControl, Control: protocol.AgentAudioDone{Type: protocol.AgentTypeAgentAudioDone}})
	h.awaitEnd(t, ReasonEndCall)
}

func TestUpstreamCloseEndsSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)

	h.conn.emit(upstream.Event{Kind: upstream.EventControl, Control: protocol.CloseConnection{Type: protocol.AgentTypeCloseConnection}})
	h.awaitEnd(t, ReasonUpstreamClose)
}

func TestIdleTimeoutEndsSession(t *testing.T) {
	h := newHarnessIdle(t, nil, nil, 100*time.Millisecond)
	h.start(t)

	h.awaitEnd(t, ReasonIdleTimeout)
	if _, err := h.sessions.Lookup(h.sess.ID); err == nil {
		t.Error("Lookup() after close returned session, want error")
	}
}

func TestStartTimeoutNotifiesClient(t *testing.T) {
	h := newHarnessIdle(t, nil, nil, 100*time.Millisecond)
	// No start_session: the client still gets a reason frame.
	h.awaitEnd(t, ReasonIdleTimeout)
}

func TestDialFailure(t *testing.T) {
	h := newHarness(t, nil, errors.New("connection refused"))
	h.inbound <- protocol.StartSession{Type: protocol.TypeStartSession}

	h.awaitOutbound(t, func(f any) bool {
		ev, ok := f.(protocol.ErrorEvent)
		return ok && ev.Code == ReasonUpstreamError
	}, "error_event")
	f := h.awaitOutbound(t, func(f any) bool {
		_, ok := f.(protocol.SessionEnded)
		return ok
	}, "session_ended")
	if got := f.(protocol.SessionEnded).Reason; got != ReasonUpstreamError {
		t.Errorf("reason = %q, want %q", got, ReasonUpstreamError)
	}
	select {
	case err := <-h.done:
		if err == nil {
			t.Error("RunConnection error = nil, want dial failure")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RunConnection did not return")
	}
}

func TestClientDisconnectBeforeStart(t *testing.T) {
	h := newHarness(t, nil, nil)
	close(h.inbound)

	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("RunConnection error = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("RunConnection did not return")
	}
	if st := h.sess.State(); st != session.StateClosed {
		t.Errorf("state = %s, want %s", st, session.StateClosed)
	}
}

func TestUnknownToolGetsErrorResponse(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start(t)

	h.conn.emit(upstream.Event{Kind: upstream.EventControl, Control: callRequest("c9", "no_such_tool", `{}`)})
	resp := h.awaitControl(t, func(v any) bool {
		r, ok := v.(protocol.FunctionCallResponse)
		return ok && r.ID == "c9"
	}, "error response").(protocol.FunctionCallResponse)
	if !strings.Contains(resp.Content, "unknown tool") {
		t.Errorf("content = %q, want unknown tool error", resp.Content)
	}

	h.inbound <- protocol.StopSession{Type: protocol.TypeStopSession}
	h.awaitEnd(t, ReasonClientStop)
}
