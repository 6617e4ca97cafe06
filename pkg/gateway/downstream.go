package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/switchboard/internal/observability"
	"github.com/harun/switchboard/pkg/registry"
	"github.com/rs/zerolog"
)

// Conn is the frame-level view of a websocket. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens downstream connections to agents
type Dialer interface {
	Dial(ctx context.Context, agent registry.AgentInfo) (Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, agent registry.AgentInfo) (Conn, error)

// Dial calls f
func (f DialerFunc) Dial(ctx context.Context, agent registry.AgentInfo) (Conn, error) {
	return f(ctx, agent)
}

// WSDialer dials an agent's session endpoint over websocket
type WSDialer struct {
	dialer *websocket.Dialer
	path   string
	header http.Header
}

// NewWSDialer creates a dialer for the given session path
func NewWSDialer(path string, handshakeTimeout time.Duration) *WSDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WSDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		path:   path,
		header: http.Header{},
	}
}

// Dial connects to agent.URL plus the session path
func (d *WSDialer) Dial(ctx context.Context, agent registry.AgentInfo) (Conn, error) {
	url := WebsocketURL(agent.URL, d.path)
	conn, resp, err := d.dialer.DialContext(ctx, url, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial agent %s: %w (status %d)", agent.ID, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to dial agent %s: %w", agent.ID, err)
	}
	return conn, nil
}

// WebsocketURL rewrites an http(s) base URL to ws(s) and appends path.
func WebsocketURL(base, path string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case !strings.HasPrefix(base, "ws://") && !strings.HasPrefix(base, "wss://"):
		base = "ws://" + base
	}
	return strings.TrimSuffix(base, "/") + path
}

type frame struct {
	msgType int
	data    []byte
}

func textFrame(data []byte) frame {
	return frame{msgType: websocket.TextMessage, data: data}
}

const (
	outboxDepth  = 512
	writeTimeout = 10 * time.Second
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// outbox serializes writes to a Conn on its own goroutine so the session
// loop never blocks on a slow peer. Only the session loop calls send and close.
// A peer that falls outboxDepth frames behind, or stalls a write past
// writeTimeout, has its connection closed; the reader then reports it gone.
type outbox struct {
	conn   Conn
	ch     chan frame
	done   chan struct{}
	closed bool
	logger zerolog.Logger
}

func newOutbox(conn Conn, logger zerolog.Logger) *outbox {
	o := &outbox{
		conn:   conn,
		ch:     make(chan frame, outboxDepth),
		done:   make(chan struct{}),
		logger: logger,
	}
	go o.run()
	return o
}

func (o *outbox) run() {
	defer close(o.done)
	failed := false
	for f := range o.ch {
		if failed {
			continue
		}
		if d, ok := o.conn.(writeDeadliner); ok {
			_ = d.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		if err := o.conn.WriteMessage(f.msgType, f.data); err != nil {
			o.logger.Debug().Err(err).Msg("Failed to write frame, closing connection")
			failed = true
			o.conn.Close()
		}
	}
	o.conn.Close()
}

func (o *outbox) send(f frame) bool {
	if o.closed {
		return false
	}
	select {
	case o.ch <- f:
		return true
	default:
	}

	o.logger.Warn().Int("queued", outboxDepth).Msg("Peer is not reading, closing connection")
	observability.RecordDroppedFrame("overflow")
	o.closed = true
	close(o.ch)
	o.conn.Close()
	return false
}

// close flushes queued frames and then closes the connection.
func (o *outbox) close() {
	if o.closed {
		return
	}
	o.closed = true
	close(o.ch)
}

// link is one downstream connection. Frames are forwarded only while it is
// the session's active link.
type link struct {
	id       uint64
	agent    registry.AgentInfo
	conn     Conn
	out      *outbox
	detached bool
}

func (l *link) send(f frame) bool {
	return l.out.send(f)
}

func (l *link) close() {
	l.detached = true
	l.out.close()
}
