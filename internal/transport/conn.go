// Package transport carries WebRTSP messages over WebSocket connections, one
// message per text frame, and feeds them to the session hub on the event loop.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"webrtsp-restreamer/internal/observability/logging"
	"webrtsp-restreamer/internal/registry"
	"webrtsp-restreamer/internal/session"
	"webrtsp-restreamer/internal/webrtsp"
)

// Subprotocol is offered by dialers and accepted by the server when asked for.
const Subprotocol = "webrtsp"

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultSendBuffer        = 64
	DefaultMaxMessageSize    = 1 << 20
)

// Hub is the loop-owned session table a connection reports to.
type Hub interface {
	Open(t session.Transport, opts session.Options) registry.SessionRef
	Close(ref registry.SessionRef)
	HandleRequest(ref registry.SessionRef, req *webrtsp.Request)
	HandleResponse(ref registry.SessionRef, resp *webrtsp.Response)
}

// Loop runs hub calls on the gateway's single thread of control.
type Loop interface {
	Post(fn func()) bool
	Call(ctx context.Context, fn func()) error
	Done() <-chan struct{}
}

// Config is shared by accepted and dialed connections.
type Config struct {
	Hub    Hub
	Loop   Loop
	Logger *slog.Logger
	// HeartbeatInterval controls ping frames. Peers silent for two intervals
	// are dropped. A negative value disables heartbeats.
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	MaxMessageSize    int64
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return cfg
}

// Conn is one WebSocket connection. It implements session.Transport; its
// send methods never block the loop.
type Conn struct {
	id     string
	ws     *websocket.Conn
	cookie string
	cfg    Config
	logger *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, cookie string, cfg Config) *Conn {
	id := uuid.NewString()
	ctx := logging.ContextWithConnectionID(context.Background(), id)
	return &Conn{
		id:     id,
		ws:     ws,
		cookie: cookie,
		cfg:    cfg,
		logger: logging.WithContext(ctx, logging.WithComponent(cfg.Logger, "transport")),
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

// ID identifies the connection in logs.
func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) SendRequest(req *webrtsp.Request) {
	c.enqueue(req.Marshal())
}

func (c *Conn) SendResponse(resp *webrtsp.Response) {
	c.enqueue(resp.Marshal())
}

func (c *Conn) AuthCookie() string {
	return c.cookie
}

// enqueue drops the connection rather than block when the peer cannot keep up.
func (c *Conn) enqueue(payload []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("send buffer full, dropping connection")
		c.Close()
	}
}

// Close tears the connection down. The session is closed on the loop once
// the read side notices.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Serve opens a session for the connection and pumps messages until either
// side closes it, ctx ends or the loop stops.
func (c *Conn) Serve(ctx context.Context, opts session.Options) error {
	if opts.Logger == nil {
		opts.Logger = c.logger
	}
	var ref registry.SessionRef
	if err := c.cfg.Loop.Call(ctx, func() { ref = c.cfg.Hub.Open(c, opts) }); err != nil {
		c.Close()
		return err
	}
	defer c.cfg.Loop.Post(func() { c.cfg.Hub.Close(ref) })
	defer c.Close()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.cfg.Loop.Done():
		case <-c.done:
			return
		}
		c.Close()
	}()
	go c.writeLoop()
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(c.cfg.HeartbeatInterval)
	}
	return c.readLoop(ref)
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) readLoop(ref registry.SessionRef) error {
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	extend := func() {
		if c.cfg.HeartbeatInterval > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatInterval))
		}
	}
	extend()
	c.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			c.logger.Debug("websocket read failed", "error", err)
			return err
		}
		extend()
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := webrtsp.Decode(data)
		if err != nil {
			c.logger.Warn("malformed message, dropping connection", "error", err)
			return err
		}
		var posted bool
		switch {
		case msg.Request != nil:
			req := msg.Request
			posted = c.cfg.Loop.Post(func() { c.cfg.Hub.HandleRequest(ref, req) })
		case msg.Response != nil:
			resp := msg.Response
			posted = c.cfg.Loop.Post(func() { c.cfg.Hub.HandleResponse(ref, resp) })
		}
		if !posted {
			return errLoopStopped
		}
	}
}

var errLoopStopped = errors.New("transport: event loop stopped")
