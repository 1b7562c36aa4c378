// Package session owns the connection to the server: authentication, the
// event subscription, reconnection with backoff, and the resume cursor.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"guildsync/internal/domain"
	"guildsync/internal/metrics"

	"github.com/cenkalti/backoff/v4"
)

// State is the connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Streaming
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	DefaultRPCTimeout      = 15 * time.Second
	DefaultMaxCallFailures = 3
	DefaultFlushEvery      = 50
)

// BackoffConfig shapes the reconnection delay.
type BackoffConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultBackoff is 500ms doubling up to 30s with 50% jitter.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

func (b BackoffConfig) build() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	if b.InitialInterval > 0 {
		eb.InitialInterval = b.InitialInterval
	}
	if b.MaxInterval > 0 {
		eb.MaxInterval = b.MaxInterval
	}
	if b.Multiplier >= 1 {
		eb.Multiplier = b.Multiplier
	}
	if b.RandomizationFactor >= 0 && b.RandomizationFactor < 1 {
		eb.RandomizationFactor = b.RandomizationFactor
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// StateFunc observes state transitions. err is the cause of a transition
// into Reconnecting or Disconnected, if any.
type StateFunc func(s State, err error)

// Config configures a Controller.
type Config struct {
	Transport domain.Transport
	Bus       domain.MessageBus
	Settings  domain.SettingsStore // optional; the cursor is persisted here

	RPCTimeout      time.Duration
	MaxCallFailures int
	FlushEvery      int
	Backoff         BackoffConfig

	OnState StateFunc
	Logger  *slog.Logger
}

// Controller runs one session at a time. All methods are safe for
// concurrent use.
type Controller struct {
	transport       domain.Transport
	bus             domain.MessageBus
	settings        domain.SettingsStore
	rpcTimeout      time.Duration
	maxCallFailures int
	flushEvery      int
	backoff         BackoffConfig
	onState         StateFunc
	logger          *slog.Logger

	mu           sync.Mutex
	state        State
	endpoint     string
	token        string
	cursor       domain.Cursor
	advances     int
	conn         domain.Conn
	callFailures int
	cancel       context.CancelFunc
	done         chan struct{}
	kick         chan struct{}
}

func New(cfg Config) *Controller {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	if cfg.MaxCallFailures <= 0 {
		cfg.MaxCallFailures = DefaultMaxCallFailures
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = DefaultFlushEvery
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		transport:       cfg.Transport,
		bus:             cfg.Bus,
		settings:        cfg.Settings,
		rpcTimeout:      cfg.RPCTimeout,
		maxCallFailures: cfg.MaxCallFailures,
		flushEvery:      cfg.FlushEvery,
		backoff:         cfg.Backoff,
		onState:         cfg.OnState,
		logger:          cfg.Logger,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Cursor() domain.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Controller) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

func (c *Controller) setState(s State, cause error) {
	c.mu.Lock()
	if c.state == s && cause == nil {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	metrics.SessionState.Set(int64(s))
	if cause != nil {
		c.logger.Info("session state", "state", s.String(), "err", cause)
	} else {
		c.logger.Debug("session state", "state", s.String())
	}
	if c.onState != nil {
		c.onState(s, cause)
	}
}

// Connect authenticates against endpoint and starts streaming. A rejected
// token returns *domain.AuthError and leaves the controller Disconnected.
// A transport failure returns *domain.NetworkError; the controller keeps
// retrying in the background until Disconnect.
func (c *Controller) Connect(ctx context.Context, endpoint, token string) error {
	if endpoint == "" || token == "" {
		return domain.ErrEmptyCredentials
	}
	c.Disconnect()

	c.mu.Lock()
	c.endpoint, c.token = endpoint, token
	c.callFailures = 0
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.kick = make(chan struct{}, 1)
	done := c.done
	c.mu.Unlock()

	events, err := c.attempt(ctx)
	if err != nil {
		if domain.IsAuthError(err) {
			cancel()
			close(done)
			c.clearToken()
			c.setState(Disconnected, err)
			return err
		}
		if !domain.IsNetworkError(err) {
			err = &domain.NetworkError{Op: "connect", Err: err}
		}
		c.setState(Reconnecting, err)
	}
	go c.run(runCtx, done, events)
	return err
}

// attempt dials, authenticates and subscribes once.
func (c *Controller) attempt(ctx context.Context) (<-chan domain.Event, error) {
	c.mu.Lock()
	endpoint, token, cursor := c.endpoint, c.token, c.cursor
	c.mu.Unlock()

	c.setState(Connecting, nil)
	dialCtx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()
	conn, err := c.transport.Dial(dialCtx, endpoint)
	if err != nil {
		return nil, err
	}

	c.setState(Authenticating, nil)
	if err := conn.Authenticate(dialCtx, token); err != nil {
		conn.Close()
		return nil, err
	}
	events, err := conn.Subscribe(dialCtx, cursor)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, &domain.NetworkError{Op: "subscribe", Err: err}
	}
	c.mu.Lock()
	c.conn = conn
	c.callFailures = 0
	c.mu.Unlock()
	c.logger.Info("session streaming", "endpoint", endpoint, "cursor", uint64(cursor))
	c.setState(Streaming, nil)
	return events, nil
}

// run forwards the stream to the bus and reconnects after every drop.
func (c *Controller) run(ctx context.Context, done chan struct{}, events <-chan domain.Event) {
	defer close(done)
	for {
		if events != nil {
			reason := c.stream(ctx, events)
			if ctx.Err() != nil {
				return
			}
			c.dropped(reason)
		}

		var err error
		events, err = c.reconnect(ctx)
		if err != nil {
			if domain.IsAuthError(err) {
				c.clearToken()
				c.setState(Disconnected, err)
			}
			return
		}
	}
}

// stream forwards events until the stream ends and returns why it ended.
func (c *Controller) stream(ctx context.Context, events <-chan domain.Event) string {
	c.mu.Lock()
	kick := c.kick
	c.mu.Unlock()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return "stream closed"
			}
			if d, isDrop := ev.Body.(domain.ConnectionDropped); isDrop {
				return d.Reason
			}
			if err := c.bus.Publish(ctx, ev); err != nil {
				return "bus: " + err.Error()
			}
		case <-kick:
			return fmt.Sprintf("%d consecutive call failures", c.maxCallFailures)
		case <-ctx.Done():
			return "disconnected"
		}
	}
}

func (c *Controller) dropped(reason string) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.flushCursor()
	c.setState(Reconnecting, &domain.NetworkError{Op: "stream", Err: errors.New(reason)})
}

// reconnect retries attempt with exponential backoff until it succeeds,
// the token is rejected, or ctx is cancelled.
func (c *Controller) reconnect(ctx context.Context) (<-chan domain.Event, error) {
	var events <-chan domain.Event
	op := func() error {
		metrics.Reconnects.Inc()
		ev, err := c.attempt(ctx)
		if err != nil {
			if domain.IsAuthError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		events = ev
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("reconnect failed", "err", err, "retry_in", wait.Round(time.Millisecond))
		c.setState(Reconnecting, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.backoff.build(), ctx), notify); err != nil {
		return nil, err
	}
	return events, nil
}

// Disconnect stops the session. It always succeeds: any backoff sleep is
// cancelled, the connection closed, the cursor persisted and the token
// forgotten.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel, c.done, c.conn = nil, nil, nil
	running := cancel != nil
	c.mu.Unlock()

	if !running {
		return
	}
	cancel()
	if conn != nil {
		conn.Close()
	}
	<-done
	c.flushCursor()
	c.clearToken()
	c.setState(Disconnected, nil)
}

func (c *Controller) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// Advance records that every event up to cursor has been applied. The
// cursor never moves backwards.
func (c *Controller) Advance(cursor domain.Cursor) {
	c.mu.Lock()
	if cursor <= c.cursor {
		c.mu.Unlock()
		return
	}
	c.cursor = cursor
	c.advances++
	flush := c.advances >= c.flushEvery
	c.mu.Unlock()

	if flush {
		c.flushCursor()
	}
}

func (c *Controller) flushCursor() {
	c.mu.Lock()
	cursor := c.cursor
	c.advances = 0
	c.mu.Unlock()
	if c.settings == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.settings.Set(ctx, domain.SettingLastCursor, strconv.FormatUint(uint64(cursor), 10)); err != nil {
		c.logger.Warn("failed to persist cursor", "err", err, "cursor", uint64(cursor))
	}
}

// Call issues one RPC with the configured timeout. Without a streaming
// connection it fails with an error wrapping domain.ErrNotConnected.
func (c *Controller) Call(ctx context.Context, req domain.Request) (domain.Ack, error) {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil || state != Streaming {
		return domain.Ack{}, &domain.NetworkError{Op: "call", Err: domain.ErrNotConnected}
	}

	ctx, cancel := context.WithTimeout(ctx, c.rpcTimeout)
	defer cancel()
	ack, err := conn.Call(ctx, req)
	if err == nil {
		c.mu.Lock()
		c.callFailures = 0
		c.mu.Unlock()
		return ack, nil
	}

	metrics.RPCFailures.Inc()
	if errors.Is(err, context.DeadlineExceeded) && !domain.IsNetworkError(err) {
		err = &domain.NetworkError{Op: "call", Err: err}
	}
	if domain.IsNetworkError(err) {
		c.mu.Lock()
		c.callFailures++
		trip := c.callFailures >= c.maxCallFailures && c.conn == conn
		if trip {
			c.callFailures = 0
		}
		kick := c.kick
		c.mu.Unlock()
		if trip {
			c.logger.Warn("forcing reconnect after call failures", "failures", c.maxCallFailures)
			select {
			case kick <- struct{}{}:
			default:
			}
		}
	}
	return domain.Ack{}, err
}

// LoadCursor reads the persisted cursor, or 0 if none is stored.
func LoadCursor(ctx context.Context, s domain.SettingsStore) (domain.Cursor, error) {
	v, ok, err := s.Get(ctx, domain.SettingLastCursor)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stored cursor %q: %w", v, err)
	}
	return domain.Cursor(n), nil
}
