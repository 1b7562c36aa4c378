package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"guildsync/internal/domain"

	"github.com/gorilla/websocket"
)

// ServerConfig configures the websocket server.
type ServerConfig struct {
	Addr    string // listen address (default: 127.0.0.1:8765)
	Path    string // websocket endpoint path (default: /ws)
	Codec   Codec
	Backend domain.Transport
	Logger  *slog.Logger
}

// Server exposes a domain.Transport over websockets using the same wire
// protocol WebSocket dials. Backed by a Loopback it is a complete
// development server.
type Server struct {
	addr    string
	path    string
	codec   Codec
	backend domain.Transport
	logger  *slog.Logger
	server  *http.Server

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*serverClient]struct{}
	ready   chan struct{}
	bound   net.Addr
}

type serverClient struct {
	ws    *websocket.Conn
	codec Codec
	wmu   sync.Mutex
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8765"
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		addr:    cfg.Addr,
		path:    cfg.Path,
		codec:   cfg.Codec,
		backend: cfg.Backend,
		logger:  cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*serverClient]struct{}),
		ready:   make(chan struct{}),
	}
}

// Handler returns the http handler for the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	return mux
}

// Addr blocks until Start has bound its listener and returns the address.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.bound
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.bound = ln.Addr()
	close(s.ready)

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("websocket server starting", "addr", s.bound.String(), "path", s.path, "codec", s.codec.Name())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	client := &serverClient{ws: ws, codec: s.codec}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("websocket client connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	conn, err := s.backend.Dial(ctx, "")
	defer func() {
		cancel()
		if conn != nil {
			conn.Close()
		}
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		ws.Close()
		s.logger.Info("websocket client disconnected", "remote", r.RemoteAddr)
	}()
	if err != nil {
		client.write(frameDrop, "", reasonPayload{Reason: err.Error()})
		return
	}

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "err", err)
			}
			return
		}
		f, err := s.codec.Unmarshal(msg)
		if err != nil {
			s.logger.Warn("invalid websocket frame", "err", err)
			continue
		}
		s.dispatch(ctx, client, conn, f)
	}
}

// dispatch answers one client frame. Calls run concurrently so a slow RPC
// does not hold up the read loop.
func (s *Server) dispatch(ctx context.Context, client *serverClient, conn domain.Conn, f Frame) {
	switch f.Type {
	case frameAuth:
		var p authPayload
		if err := f.Decode(&p); err != nil {
			client.write(frameError, f.ID, errorPayload{Code: "bad_request", Message: err.Error()})
			return
		}
		if err := conn.Authenticate(ctx, p.Token); err != nil {
			var ae *domain.AuthError
			if errors.As(err, &ae) {
				client.write(frameAuthError, f.ID, reasonPayload{Reason: ae.Reason})
				return
			}
			client.write(frameError, f.ID, errorPayload{Code: "internal", Message: err.Error()})
			return
		}
		client.write(frameAuthOK, f.ID, nil)

	case frameSubscribe:
		var p subscribePayload
		if err := f.Decode(&p); err != nil {
			client.write(frameError, f.ID, errorPayload{Code: "bad_request", Message: err.Error()})
			return
		}
		events, err := conn.Subscribe(ctx, domain.Cursor(p.After))
		if err != nil {
			client.write(frameError, f.ID, errorPayload{Code: "subscribe_failed", Message: err.Error()})
			return
		}
		client.write(frameSubscribed, f.ID, nil)
		go s.forward(client, events)

	case frameCall:
		var w WireCall
		if err := f.Decode(&w); err != nil {
			client.write(frameError, f.ID, errorPayload{Code: "bad_request", Message: err.Error()})
			return
		}
		req, err := w.Request()
		if err != nil {
			client.write(frameError, f.ID, errorPayload{Code: "bad_request", Message: err.Error()})
			return
		}
		go func() {
			ack, err := conn.Call(ctx, req)
			if err != nil {
				code := "internal"
				var re *domain.RemoteError
				if errors.As(err, &re) {
					code, err = re.Code, errors.New(re.Message)
				}
				client.write(frameError, f.ID, errorPayload{Code: code, Message: err.Error()})
				return
			}
			client.write(frameAck, f.ID, ackToWire(ack))
		}()

	default:
		client.write(frameError, f.ID, errorPayload{Code: "bad_request", Message: "unknown frame " + f.Type})
	}
}

func (s *Server) forward(client *serverClient, events <-chan domain.Event) {
	for ev := range events {
		if dropped, ok := ev.Body.(domain.ConnectionDropped); ok {
			client.write(frameDrop, "", reasonPayload{Reason: dropped.Reason})
			client.ws.Close()
			return
		}
		if err := client.write(frameEvent, "", EventToWire(ev)); err != nil {
			s.logger.Debug("websocket write failed", "err", err)
			return
		}
	}
}

func (c *serverClient) write(typ, id string, payload any) error {
	msg, err := c.codec.Marshal(typ, id, payload)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(c.codec.MessageType(), msg)
}

func (s *Server) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.ws.Close()
		delete(s.clients, c)
	}
}
