// Package upstream speaks the hosted voice-agent websocket protocol: raw
// audio out, synthesized audio and control frames in.
package upstream

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/beanandbrew/voicedesk/internal/protocol"
)

// EventKind discriminates what the read loop produced.
type EventKind int

const (
	// EventAudio carries a synthesized PCM chunk.
	EventAudio EventKind = iota
	// EventControl carries a decoded control frame (one of the
	// protocol agent message structs).
	EventControl
	// EventClosed is the final event; Err holds the transport error, nil
	// for an orderly close.
	EventClosed
)

type Event struct {
	Kind    EventKind
	Audio   []byte
	Control any
	Err     error
}

type Config struct {
	APIKey         string
	URL            string
	ConnectTimeout time.Duration
}

// Dialer abstracts the upstream connection for tests.
type Dialer interface {
	Dial(ctx context.Context, settings protocol.Settings) (Conn, error)
}

// Conn is one live upstream agent connection.
type Conn interface {
	Events() <-chan Event
	SendAudio(pcm []byte) error
	SendControl(v any) error
	Close() error
}

type wsDialer struct {
	cfg Config
}

func NewDialer(cfg Config) Dialer {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://agent.deepgram.com/v1/agent/converse"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &wsDialer{cfg: cfg}
}

// Dial performs the upstream handshake and sends the Settings frame within
// the connect deadline.
func (d *wsDialer) Dial(ctx context.Context, settings protocol.Settings) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, d.cfg.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("dial agent websocket: %w", err)
	}

	c := &wsConn{conn: conn, events: make(chan Event, 256)}
	if err := c.SendControl(settings); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send settings: %w", err)
	}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	closeOnce  sync.Once
	finishOnce sync.Once
	events     chan Event
}

func (c *wsConn) Events() <-chan Event { return c.events }

func (c *wsConn) SendAudio(pcm []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (c *wsConn) SendControl(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsConn) readLoop() {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			c.finish(err)
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			c.events <- Event{Kind: EventAudio, Audio: data}
		case websocket.TextMessage:
			msg, err := protocol.ParseAgentMessage(data)
			if err != nil {
				// Unknown or malformed control frames are dropped;
				// the session keeps running.
				log.Printf("upstream: dropping undecodable frame: %v", err)
				continue
			}
			c.events <- Event{Kind: EventControl, Control: msg}
		}
	}
}

func (c *wsConn) finish(err error) {
	c.finishOnce.Do(func() {
		c.events <- Event{Kind: EventClosed, Err: err}
		close(c.events)
	})
}

// Close attempts an orderly websocket close. The read loop observes the
// closed connection and emits the terminal event.
func (c *wsConn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(3 * time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		retErr = c.conn.Close()
	})
	return retErr
}
