// Package transport speaks the chat wire protocol. WebSocket is the network
// implementation of domain.Transport; Loopback is an in-process server used
// by tests and by log replay.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"guildsync/internal/domain"
	"guildsync/internal/metrics"

	"github.com/gorilla/websocket"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	eventBuffer         = 256
)

// WebSocketConfig configures the websocket transport.
type WebSocketConfig struct {
	Codec        Codec
	Dialer       *websocket.Dialer
	Header       http.Header
	PingInterval time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// WebSocket dials servers over gorilla/websocket.
type WebSocket struct {
	codec        Codec
	dialer       *websocket.Dialer
	header       http.Header
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocket{
		codec:        cfg.Codec,
		dialer:       cfg.Dialer,
		header:       cfg.Header,
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
	}
}

// Dial opens a websocket to endpoint and starts its pumps.
func (w *WebSocket) Dial(ctx context.Context, endpoint string) (domain.Conn, error) {
	ws, resp, err := w.dialer.DialContext(ctx, endpoint, w.header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &domain.NetworkError{Op: "dial", Err: err}
	}
	c := &wsConn{
		ws:           ws,
		codec:        w.codec,
		logger:       w.logger.With("endpoint", endpoint),
		pingInterval: w.pingInterval,
		writeTimeout: w.writeTimeout,
		send:         make(chan []byte, 64),
		pending:      make(map[string]chan Frame),
		closed:       make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

type wsConn struct {
	ws           *websocket.Conn
	codec        Codec
	logger       *slog.Logger
	pingInterval time.Duration
	writeTimeout time.Duration

	send   chan []byte
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan Frame
	events  chan domain.Event
	reason  string

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *wsConn) readPump() {
	defer c.endStream()
	pongWait := 2 * c.pingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "err", err)
			}
			c.shutdown("read: " + err.Error())
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		f, err := c.codec.Unmarshal(msg)
		if err != nil {
			c.dropFrame("envelope", err.Error())
			continue
		}
		switch {
		case f.Type == frameEvent:
			if !c.handleEvent(f) {
				return
			}
		case f.Type == frameDrop:
			var p reasonPayload
			_ = f.Decode(&p)
			c.shutdown(p.Reason)
			return
		case f.ID != "":
			c.resolve(f)
		default:
			c.dropFrame(f.Type, "unexpected frame")
		}
	}
}

func (c *wsConn) dropFrame(frame, reason string) {
	metrics.ProtocolErrors.Inc()
	c.logger.Warn("dropping malformed frame", "err", &domain.ProtocolError{Frame: frame, Reason: reason})
}

// handleEvent delivers one event frame. It returns false once the
// connection is finished.
func (c *wsConn) handleEvent(f Frame) bool {
	var w WireEvent
	if err := f.Decode(&w); err != nil {
		c.dropFrame(frameEvent, err.Error())
		return true
	}
	ev, err := w.Normalize()
	if err != nil {
		metrics.ProtocolErrors.Inc()
		c.logger.Warn("dropping malformed event", "err", err, "cursor", w.Cursor)
		return true
	}
	if _, ok := ev.Body.(domain.ConnectionDropped); ok {
		c.shutdown(w.Reason)
		return false
	}

	c.mu.Lock()
	events := c.events
	c.mu.Unlock()
	if events == nil {
		c.dropFrame(frameEvent, "event before subscribe")
		return true
	}
	select {
	case events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

// endStream runs when readPump exits. readPump is the only sender on the
// events channel, so it is safe to close it here.
func (c *wsConn) endStream() {
	c.shutdown("stream ended")
	c.mu.Lock()
	events, reason := c.events, c.reason
	c.mu.Unlock()
	if events == nil {
		return
	}
	// The consumer may be slow or gone; never block the pump on it.
	go func() {
		events <- domain.Event{Body: domain.ConnectionDropped{Reason: reason}}
		close(events)
	}()
}

func (c *wsConn) resolve(f Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if !ok {
		c.dropFrame(f.Type, "reply to unknown request "+f.ID)
		return
	}
	ch <- f
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(c.codec.MessageType(), msg); err != nil {
				c.shutdown("write: " + err.Error())
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown("ping: " + err.Error())
				return
			}
		case <-c.closed:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = c.ws.Close()
			return
		}
	}
}

// shutdown ends the connection once and fails waiting requests. The
// stream itself is finished by endStream.
func (c *wsConn) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		pending := c.pending
		c.pending = make(map[string]chan Frame)
		c.mu.Unlock()

		close(c.closed)
		for _, ch := range pending {
			close(ch)
		}
		c.logger.Debug("websocket connection closed", "reason", reason)
	})
}

func (c *wsConn) closedErr(op string) error {
	c.mu.Lock()
	reason := c.reason
	c.mu.Unlock()
	return &domain.NetworkError{Op: op, Err: fmt.Errorf("connection closed: %s", reason)}
}

// request sends one frame and waits for the frame answering it.
func (c *wsConn) request(ctx context.Context, op, typ string, payload any) (Frame, error) {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	msg, err := c.codec.Marshal(typ, id, payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", typ, err)
	}

	reply := make(chan Frame, 1)
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return Frame{}, c.closedErr(op)
	default:
	}
	c.pending[id] = reply
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	select {
	case c.send <- msg:
	case <-c.closed:
		return Frame{}, c.closedErr(op)
	case <-ctx.Done():
		forget()
		return Frame{}, &domain.NetworkError{Op: op, Err: ctx.Err()}
	}

	select {
	case f, ok := <-reply:
		if !ok {
			return Frame{}, c.closedErr(op)
		}
		return f, nil
	case <-ctx.Done():
		forget()
		return Frame{}, &domain.NetworkError{Op: op, Err: ctx.Err()}
	}
}

func (c *wsConn) Authenticate(ctx context.Context, token string) error {
	f, err := c.request(ctx, "authenticate", frameAuth, authPayload{Token: token})
	if err != nil {
		return err
	}
	switch f.Type {
	case frameAuthOK:
		return nil
	case frameAuthError:
		var p reasonPayload
		_ = f.Decode(&p)
		return &domain.AuthError{Reason: p.Reason}
	default:
		return &domain.ProtocolError{Frame: f.Type, Reason: "unexpected reply to auth"}
	}
}

func (c *wsConn) Subscribe(ctx context.Context, after domain.Cursor) (<-chan domain.Event, error) {
	events := make(chan domain.Event, eventBuffer)
	c.mu.Lock()
	if c.events != nil {
		c.mu.Unlock()
		return nil, errors.New("already subscribed")
	}
	c.events = events
	c.mu.Unlock()

	f, err := c.request(ctx, "subscribe", frameSubscribe, subscribePayload{After: uint64(after)})
	if err != nil {
		return nil, err
	}
	if f.Type == frameError {
		return nil, remoteError(f)
	}
	if f.Type != frameSubscribed {
		return nil, &domain.ProtocolError{Frame: f.Type, Reason: "unexpected reply to subscribe"}
	}
	return events, nil
}

func (c *wsConn) Call(ctx context.Context, req domain.Request) (domain.Ack, error) {
	start := time.Now()
	defer metrics.RPCLatency.ObserveSince(start)

	f, err := c.request(ctx, "call", frameCall, CallToWire(req))
	if err != nil {
		return domain.Ack{}, err
	}
	switch f.Type {
	case frameAck:
		var w WireAck
		if err := f.Decode(&w); err != nil {
			return domain.Ack{}, &domain.ProtocolError{Frame: frameAck, Reason: err.Error()}
		}
		return w.ToDomain(), nil
	case frameError:
		return domain.Ack{}, remoteError(f)
	default:
		return domain.Ack{}, &domain.ProtocolError{Frame: f.Type, Reason: "unexpected reply to call"}
	}
}

func (c *wsConn) Close() error {
	c.shutdown("closed by client")
	return nil
}

func remoteError(f Frame) error {
	var p errorPayload
	if err := f.Decode(&p); err != nil {
		return &domain.ProtocolError{Frame: frameError, Reason: err.Error()}
	}
	return &domain.RemoteError{Code: p.Code, Message: p.Message}
}
