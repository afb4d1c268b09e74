// Package agent orchestrates one voice session: the websocket client on one
// side, the hosted voice-agent service on the other, with audio relay and
// tool dispatch in between.
package agent

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/beanandbrew/voicedesk/internal/bridge"
	"github.com/beanandbrew/voicedesk/internal/dispatch"
	"github.com/beanandbrew/voicedesk/internal/observability"
	"github.com/beanandbrew/voicedesk/internal/persona"
	"github.com/beanandbrew/voicedesk/internal/protocol"
	"github.com/beanandbrew/voicedesk/internal/session"
	"github.com/beanandbrew/voicedesk/internal/tools"
	"github.com/beanandbrew/voicedesk/internal/transcript"
	"github.com/beanandbrew/voicedesk/internal/upstream"
)

// Stop reasons, reported to the client in session_ended.
const (
	ReasonClientStop       = "client_stop"
	ReasonClientDisconnect = "client_disconnect"
	ReasonEndCall          = "end_call"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonMaxAge           = "max_age"
	ReasonUpstreamClose    = "upstream_close"
	ReasonUpstreamError    = "upstream_error"
	ReasonServerShutdown   = "server_shutdown"
)

// farewellGrace bounds how long a session lingers after end_call when the
// upstream never reports the farewell audio finished.
const farewellGrace = 10 * time.Second

// Options wires a Runner. All fields are required unless noted.
type Options struct {
	Sessions *session.Registry
	Tools    *tools.Registry
	Dialer   upstream.Dialer
	Metrics  *observability.Metrics
	Persona  persona.Persona

	ListenModel string
	ThinkModel  string

	IdleTimeout     time.Duration
	SessionMaxAge   time.Duration
	ToolTimeout     time.Duration
	FillerThreshold time.Duration

	InboundQueueSize int

	// TranscriptDir may be empty to disable transcript persistence.
	TranscriptDir string
}

// Runner executes session lifecycles. One Runner serves all connections.
type Runner struct {
	opts Options
}

func NewRunner(opts Options) *Runner {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 2 * time.Minute
	}
	if opts.SessionMaxAge <= 0 {
		opts.SessionMaxAge = 30 * time.Minute
	}
	return &Runner{opts: opts}
}

type stopRequest struct {
	reason string
	err    error
}

// RunConnection drives one session from the first client frame to
// termination. inbound carries decoded client frames and is closed when the
// websocket reader exits; outbound carries client-bound frames and is owned
// by this function's callee only until it returns.
func (r *Runner) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	r.opts.Metrics.ActiveSessions.Inc()
	r.opts.Metrics.SessionEvents.WithLabelValues("started").Inc()
	defer func() {
		r.opts.Metrics.ActiveSessions.Dec()
		r.opts.Sessions.Unregister(sess.ID)
	}()

	start, err := r.awaitStart(ctx, sess, inbound, outbound)
	if err != nil {
		r.send(outbound, protocol.SessionEnded{Type: protocol.TypeSessionEnded, Reason: ReasonIdleTimeout})
		sess.MarkClosed()
		r.opts.Metrics.SessionEvents.WithLabelValues("ended").Inc()
		return err
	}
	if start == nil {
		// Client stopped or vanished before starting; nothing to tear down.
		r.send(outbound, protocol.SessionEnded{Type: protocol.TypeSessionEnded, Reason: ReasonClientStop})
		sess.MarkClosed()
		r.opts.Metrics.SessionEvents.WithLabelValues("ended").Inc()
		return nil
	}

	if err := sess.BeginConnect(); err != nil {
		sess.MarkClosed()
		return err
	}

	settings := r.opts.Persona.Settings(persona.SettingsParams{
		ListenModel: r.opts.ListenModel,
		ThinkModel:  r.opts.ThinkModel,
		Overrides:   start.Config,
	}, r.opts.Tools.Definitions())

	conn, err := r.opts.Dialer.Dial(ctx, settings)
	if err != nil {
		log.Printf("agent: session %s: upstream dial failed: %v", sess.ID, err)
		sess.Fail(ReasonUpstreamError)
		r.opts.Metrics.UpstreamErrors.WithLabelValues("dial").Inc()
		r.send(outbound, protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: ReasonUpstreamError, Detail: "could not reach the voice service"})
		r.send(outbound, protocol.SessionEnded{Type: protocol.TypeSessionEnded, Reason: ReasonUpstreamError})
		sess.MarkClosed()
		r.opts.Metrics.SessionEvents.WithLabelValues("failed").Inc()
		return fmt.Errorf("session %s: %w", sess.ID, err)
	}

	if err := sess.MarkActive(); err != nil {
		_ = conn.Close()
		sess.MarkClosed()
		return err
	}
	r.send(outbound, protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "session_started", Detail: sess.ID})

	return r.runActive(ctx, sess, conn, inbound, outbound)
}

// awaitStart consumes client frames until start_session arrives. A nil
// StartSession with nil error means the client went away first.
func (r *Runner) awaitStart(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) (*protocol.StartSession, error) {
	deadline := time.NewTimer(r.opts.IdleTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, nil
		case <-deadline.C:
			return nil, fmt.Errorf("session %s: no start_session within %s", sess.ID, r.opts.IdleTimeout)
		case frame, ok := <-inbound:
			if !ok {
				return nil, nil
			}
			switch msg := frame.(type) {
			case protocol.StartSession:
				return &msg, nil
			case protocol.StopSession:
				return nil, nil
			case protocol.AudioInput:
				// Audio before start has nowhere to go.
			default:
				r.send(outbound, protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "protocol_error", Detail: "expected start_session"})
			}
		}
	}
}

func (r *Runner) runActive(ctx context.Context, sess *session.Session, conn upstream.Conn, inbound <-chan any, outbound chan<- any) error {
	stopCh := make(chan stopRequest, 1)
	requestStop := func(reason string, err error) {
		select {
		case stopCh <- stopRequest{reason: reason, err: err}:
		default:
		}
	}
	sess.SetStopFunc(func(reason string) { requestStop(reason, nil) })

	tr, err := transcript.New(r.opts.TranscriptDir, sess.ID)
	if err != nil {
		log.Printf("agent: session %s: transcript disabled: %v", sess.ID, err)
	}

	br := bridge.New(sess, conn, outbound, r.opts.Persona.UserSampleRate, r.opts.InboundQueueSize, r.opts.Metrics, func(err error) {
		requestStop(ReasonUpstreamError, err)
	})
	br.Start()

	disp := dispatch.New(sess, r.opts.Tools, conn, r.opts.Metrics, dispatch.Config{
		DefaultTimeout:  r.opts.ToolTimeout,
		FillerThreshold: r.opts.FillerThreshold,
	})

	var farewellPending atomic.Bool
	var farewellTimer <-chan time.Time
	disp.SetEndCallHook(func(string) {
		farewellPending.Store(true)
	})

	idleTick := 5 * time.Second
	if half := r.opts.IdleTimeout / 2; half < idleTick {
		idleTick = half
	}
	idle := time.NewTicker(idleTick)
	defer idle.Stop()
	maxAge := time.NewTimer(r.opts.SessionMaxAge - time.Since(sess.CreatedAt))
	defer maxAge.Stop()

	var stop stopRequest

loop:
	for {
		// The farewell timer only runs once end_call has fired.
		if farewellPending.Load() && farewellTimer == nil {
			farewellTimer = time.After(farewellGrace)
		}

		select {
		case <-ctx.Done():
			stop = stopRequest{reason: ReasonServerShutdown}
			break loop

		case stop = <-stopCh:
			break loop

		case <-idle.C:
			if sess.IdleFor(time.Now().UTC()) >= r.opts.IdleTimeout {
				stop = stopRequest{reason: ReasonIdleTimeout}
				break loop
			}

		case <-maxAge.C:
			stop = stopRequest{reason: ReasonMaxAge}
			break loop

		case <-farewellTimer:
			stop = stopRequest{reason: ReasonEndCall}
			break loop

		case frame, ok := <-inbound:
			if !ok {
				stop = stopRequest{reason: ReasonClientDisconnect}
				break loop
			}
			switch msg := frame.(type) {
			case protocol.AudioInput:
				br.RelayInbound(msg.PCM, msg.SampleRate)
			case protocol.StopSession:
				stop = stopRequest{reason: ReasonClientStop}
				break loop
			case protocol.StartSession:
				r.send(outbound, protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "protocol_error", Detail: "session already started"})
			}

		case ev, ok := <-conn.Events():
			if !ok {
				stop = stopRequest{reason: ReasonUpstreamClose}
				break loop
			}
			r.handleUpstream(ctx, sess, ev, br, disp, tr, outbound, &farewellPending, requestStop)
		}
	}

	return r.teardown(sess, conn, br, disp, tr, outbound, stop)
}

// handleUpstream processes one upstream event inside the main loop.
func (r *Runner) handleUpstream(ctx context.Context, sess *session.Session, ev upstream.Event, br *bridge.Bridge, disp *dispatch.Dispatcher, tr *transcript.Transcript, outbound chan<- any, farewellPending *atomic.Bool, requestStop func(string, error)) {
	switch ev.Kind {
	case upstream.EventAudio:
		br.RelayOutbound(ev.Audio, r.opts.Persona.AgentSampleRate)

	case upstream.EventClosed:
		if ev.Err != nil {
			r.opts.Metrics.UpstreamErrors.WithLabelValues("transport").Inc()
			requestStop(ReasonUpstreamError, ev.Err)
		} else {
			requestStop(ReasonUpstreamClose, nil)
		}

	case upstream.EventControl:
		switch msg := ev.Control.(type) {
		case protocol.Welcome:
			log.Printf("agent: session %s: upstream ready (request %s)", sess.ID, msg.RequestID)

		case protocol.ConversationText:
			sess.Touch()
			if err := tr.Add(msg.Role, msg.Content); err != nil {
				log.Printf("agent: session %s: transcript write failed: %v", sess.ID, err)
			}
			r.send(outbound, protocol.ConversationUpdate{Type: protocol.TypeConversationUpdate, Role: msg.Role, Content: msg.Content})

		case protocol.UserStartedSpeaking:
			sess.Touch()
			// Barge-in: the client discards queued playback on this signal.
			r.send(outbound, protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "user_started_speaking"})

		case protocol.AgentStartedSpeaking:
			r.send(outbound, protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "agent_started_speaking"})

		case protocol.AgentAudioDone:
			if farewellPending.Load() {
				requestStop(ReasonEndCall, nil)
			}

		case protocol.FunctionCalling:
			// Progress notice only.

		case protocol.FunctionCallRequest:
			sess.Touch()
			disp.Handle(ctx, msg)

		case protocol.CloseConnection:
			requestStop(ReasonUpstreamClose, nil)

		case protocol.AgentError:
			r.opts.Metrics.UpstreamErrors.WithLabelValues("agent").Inc()
			log.Printf("agent: session %s: upstream error %s: %s", sess.ID, msg.Code, msg.Description)
			r.send(outbound, protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: "upstream_agent_error", Detail: msg.Description})
		}
	}
}

func (r *Runner) teardown(sess *session.Session, conn upstream.Conn, br *bridge.Bridge, disp *dispatch.Dispatcher, tr *transcript.Transcript, outbound chan<- any, stop stopRequest) error {
	failed := stop.reason == ReasonUpstreamError

	if failed {
		sess.Fail(stop.reason)
	} else {
		sess.BeginStopping(stop.reason)
	}

	// Tool results landing from here on are discarded, not sent.
	disp.CancelAll()
	_ = conn.Close()
	go func() {
		for range conn.Events() {
		}
	}()
	br.Stop()
	disp.Wait()

	if err := tr.End(stop.reason); err != nil {
		log.Printf("agent: session %s: transcript close failed: %v", sess.ID, err)
	}

	if failed {
		detail := ""
		if stop.err != nil {
			detail = stop.err.Error()
		}
		r.send(outbound, protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: stop.reason, Detail: detail})
		r.opts.Metrics.SessionEvents.WithLabelValues("failed").Inc()
	} else {
		r.opts.Metrics.SessionEvents.WithLabelValues("ended").Inc()
	}
	r.send(outbound, protocol.SessionEnded{Type: protocol.TypeSessionEnded, Reason: stop.reason})

	sess.MarkClosed()
	log.Printf("agent: session %s ended (%s)", sess.ID, stop.reason)

	if failed && stop.err != nil {
		return fmt.Errorf("session %s: %w", sess.ID, stop.err)
	}
	return nil
}

// send forwards a client-bound frame without ever blocking the session loop.
// The outbound buffer absorbs bursts; a dead client costs frames, not a hang.
func (r *Runner) send(outbound chan<- any, frame any) {
	select {
	case outbound <- frame:
	default:
	}
}
