// Package wsconn adapts gorilla/websocket connections to realtime.Connection.
package wsconn

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/goliatone/go-repository-live/realtime"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 4096
)

// ErrClosed is returned by Send after the connection closed.
var ErrClosed = errors.New("wsconn: connection closed")

// Conn is a realtime.Connection over one websocket. Writes are serialized;
// OnClose handlers run once, from whichever side closes first.
type Conn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	handlers []func()
	done     chan struct{}
}

// New wraps an upgraded WebSocket connection.
func New(id string, ws *websocket.Conn) *Conn {
	return &Conn{id: id, ws: ws, done: make(chan struct{})}
}

// ID implements realtime.Connection.
func (c *Conn) ID() string {
	return c.id
}

// Send writes ev as a JSON text frame.
func (c *Conn) Send(ctx context.Context, ev realtime.Event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteJSON(ev)
}

// OnClose registers fn to run when the connection closes. If it already
// closed fn runs immediately.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// Close sends a close frame, closes the socket and runs the OnClose handlers.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	handlers := c.handlers
	c.handlers = nil
	c.mu.Unlock()

	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.ws.Close()
	c.writeMu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	return err
}

// Done is closed once the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// readPump discards client frames and returns when the peer goes away.
func (c *Conn) readPump() {
	c.ws.SetReadLimit(maxMessage)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.NextReader(); err != nil {
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

// Handler upgrades requests and registers each connection on a registry.
// The "topics" query parameter, a comma separated list, limits delivery.
type Handler struct {
	registry *realtime.Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithCheckOrigin overrides the origin policy. The default accepts only
// same-host requests.
func WithCheckOrigin(fn func(*http.Request) bool) HandlerOption {
	return func(h *Handler) {
		h.upgrader.CheckOrigin = fn
	}
}

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler registers every upgraded connection with registry.
func NewHandler(registry *realtime.Registry, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := New(uuid.NewString(), ws)
	if err := h.registry.Register(conn, topics(r)...); err != nil {
		h.logger.Warn("websocket register failed", "error", err)
		conn.Close()
		return
	}

	go conn.pingLoop()
	conn.readPump()
	conn.Close()
}

func topics(r *http.Request) []string {
	raw := r.URL.Query().Get("topics")
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
