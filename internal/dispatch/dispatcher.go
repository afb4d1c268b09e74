// Package dispatch bridges the upstream function-call protocol to local
// business tools without stalling the audio path.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/beanandbrew/voicedesk/internal/observability"
	"github.com/beanandbrew/voicedesk/internal/protocol"
	"github.com/beanandbrew/voicedesk/internal/session"
	"github.com/beanandbrew/voicedesk/internal/tools"
)

// ControlSender is the upstream control-frame write surface.
type ControlSender interface {
	SendControl(v any) error
}

type Config struct {
	// DefaultTimeout bounds handlers whose descriptor declares none.
	DefaultTimeout time.Duration
	// FillerThreshold: tools hinting at latency above this get their filler
	// phrase injected before the handler runs.
	FillerThreshold time.Duration
}

// Dispatcher runs tool calls for one session. Invocations execute
// concurrently with audio relay; each callId yields exactly one response.
type Dispatcher struct {
	sess    *session.Session
	reg     *tools.Registry
	up      ControlSender
	metrics *observability.Metrics
	cfg     Config

	onEndCall func(farewell string)

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func New(sess *session.Session, reg *tools.Registry, up ControlSender, metrics *observability.Metrics, cfg Config) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 8 * time.Second
	}
	return &Dispatcher{
		sess:    sess,
		reg:     reg,
		up:      up,
		metrics: metrics,
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
	}
}

// SetEndCallHook registers the callback fired when the end_call tool asks
// the session to wind down after its farewell.
func (d *Dispatcher) SetEndCallHook(fn func(farewell string)) {
	d.onEndCall = fn
}

// Handle processes one FunctionCallRequest frame. Validation and rejection
// happen inline; accepted handlers run in their own goroutine.
func (d *Dispatcher) Handle(ctx context.Context, req protocol.FunctionCallRequest) {
	for _, call := range req.Functions {
		d.handleCall(ctx, call)
	}
}

func (d *Dispatcher) handleCall(ctx context.Context, call protocol.FunctionCall) {
	desc, ok := d.reg.Lookup(call.Name)
	if !ok {
		log.Printf("dispatch: unknown tool %q (call %s)", call.Name, call.ID)
		d.metrics.ToolCalls.WithLabelValues(call.Name, "unknown_tool").Inc()
		d.respond(call.ID, call.Name, map[string]any{"error": "unknown tool: " + call.Name})
		return
	}

	if d.sess.Stopping() {
		d.metrics.ToolCalls.WithLabelValues(call.Name, "discarded").Inc()
		return
	}
	if !d.sess.AddCall(call.ID) {
		log.Printf("dispatch: duplicate call id %s for tool %s", call.ID, call.Name)
		d.metrics.ToolCalls.WithLabelValues(call.Name, "duplicate").Inc()
		d.respond(call.ID, call.Name, map[string]any{"error": "call " + call.ID + " already in flight"})
		return
	}

	args := json.RawMessage(strings.TrimSpace(call.Arguments))
	if err := d.reg.ValidateArgs(call.Name, args); err != nil {
		d.sess.RemoveCall(call.ID)
		d.metrics.ToolCalls.WithLabelValues(call.Name, "invalid_args").Inc()
		d.respond(call.ID, call.Name, map[string]any{"error": err.Error()})
		return
	}

	// Mask expected latency before the handler starts; the upstream agent
	// keeps talking while we work.
	if desc.Filler != "" && desc.MaxLatencyHint >= d.cfg.FillerThreshold {
		if err := d.up.SendControl(protocol.NewInjectAgentMessage(desc.Filler)); err != nil {
			log.Printf("dispatch: filler injection failed for %s: %v", call.Name, err)
		}
	}

	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	d.mu.Lock()
	d.cancels[call.ID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.invoke(callCtx, cancel, desc, call, args)
}

func (d *Dispatcher) invoke(ctx context.Context, cancel context.CancelFunc, desc tools.Descriptor, call protocol.FunctionCall, args json.RawMessage) {
	defer d.wg.Done()
	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.cancels, call.ID)
		d.mu.Unlock()
	}()

	type outcome struct {
		result any
		err    error
	}
	resultCh := make(chan outcome, 1)
	start := time.Now()
	go func() {
		res, err := desc.Handler(ctx, args)
		resultCh <- outcome{result: res, err: err}
	}()

	var (
		result any
		label  string
	)
	select {
	case <-ctx.Done():
		// The handler may still finish; its late result is discarded.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			result = map[string]any{"error": "tool " + call.Name + " timed out"}
			label = "timeout"
		} else {
			d.finish(call, start, "cancelled", nil, false)
			return
		}
	case out := <-resultCh:
		if out.err != nil {
			result = map[string]any{"error": out.err.Error()}
			label = "error"
		} else {
			result = out.result
			label = "ok"
		}
	}

	d.finish(call, start, label, result, true)
}

// finish resolves the in-flight entry and, unless the session already left
// the active phase, sends the single response for this callId.
func (d *Dispatcher) finish(call protocol.FunctionCall, start time.Time, label string, result any, send bool) {
	d.sess.RemoveCall(call.ID)
	d.metrics.ObserveToolLatency(call.Name, time.Since(start))

	if d.sess.Stopping() {
		d.metrics.ToolCalls.WithLabelValues(call.Name, "discarded").Inc()
		return
	}
	d.metrics.ToolCalls.WithLabelValues(call.Name, label).Inc()
	if !send {
		return
	}

	switch r := result.(type) {
	case tools.InjectResult:
		d.respond(call.ID, call.Name, r.Response)
		if err := d.up.SendControl(protocol.NewInjectAgentMessage(r.Utterance)); err != nil {
			log.Printf("dispatch: utterance injection failed for %s: %v", call.Name, err)
		}
	case tools.EndCallResult:
		d.respond(call.ID, call.Name, r.Response)
		if err := d.up.SendControl(protocol.NewInjectAgentMessage(r.Farewell)); err != nil {
			log.Printf("dispatch: farewell injection failed: %v", err)
		}
		if d.onEndCall != nil {
			d.onEndCall(r.Farewell)
		}
	default:
		d.respond(call.ID, call.Name, result)
	}
}

func (d *Dispatcher) respond(callID, name string, result any) {
	if err := d.up.SendControl(protocol.NewFunctionCallResponse(callID, name, result)); err != nil {
		log.Printf("dispatch: sending response for call %s failed: %v", callID, err)
	}
}

// CancelAll cooperatively cancels every in-flight invocation. Handlers are
// signalled, never killed; their late results are discarded.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	for _, cancel := range d.cancels {
		cancel()
	}
	d.mu.Unlock()
}

// Wait blocks until all invocation goroutines have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
