// Package wsmux multiplexes request/response interactions over a single
// WebSocket connection.
//
// Every outgoing frame carries a client-generated integer request_id merged
// into the caller's payload. The server echoes that id on each incremental
// frame and the client routes the frame to the callback registered for it.
// Ids are scoped to one physical connection: when the connection closes all
// live interactions are dropped without a final callback and the counter
// restarts at zero on the next connection. Callers must treat a status change
// away from StateConnected as cancellation of their outstanding interactions.
package wsmux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/gaspardpetit/deskmux/internal/logx"
	"github.com/gaspardpetit/deskmux/internal/metrics"
	"github.com/gaspardpetit/deskmux/internal/observe"
	"github.com/gaspardpetit/deskmux/internal/reconnect"
	"github.com/gaspardpetit/deskmux/internal/secret"
)

var (
	// ErrClientClosed is returned once Close has been called.
	ErrClientClosed = errors.New("wsmux: client closed")
	// ErrNotConnected is returned when the connection dropped before a frame could be sent.
	ErrNotConnected = errors.New("wsmux: not connected")
	// ErrNilCallback is returned by StartInteraction without a callback.
	ErrNilCallback = errors.New("wsmux: nil callback")
)

// Callback receives every inbound message of one interaction, in transport order.
type Callback func(Message)

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the coder/websocket dialer.
func WithDialer(d Dialer) Option { return func(c *Client) { c.dialer = d } }

// WithAutoReconnect enables bounded automatic reconnection after a drop.
func WithAutoReconnect(p reconnect.Policy) Option { return func(c *Client) { c.policy = p } }

// WithBroadcastHandler receives frames that carry no request_id.
func WithBroadcastHandler(fn func(Message)) Option { return func(c *Client) { c.broadcast = fn } }

// WithTap installs an observer for every frame sent or received.
func WithTap(t Tap) Option { return func(c *Client) { c.tap = t } }

// WithPingInterval sets the keepalive ping period. Zero disables pings.
func WithPingInterval(d time.Duration) Option { return func(c *Client) { c.pingInterval = d } }

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option { return func(c *Client) { c.writeTimeout = d } }

// WithName labels the client in logs and metrics.
func WithName(name string) Option { return func(c *Client) { c.name = name } }

// WithLogger replaces the default component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l; c.customLog = true }
}

// Client owns one socket to one endpoint and the interactions multiplexed on it.
// It is safe for concurrent use.
type Client struct {
	url          string
	name         string
	dialer       Dialer
	policy       reconnect.Policy
	broadcast    func(Message)
	tap          Tap
	pingInterval time.Duration
	writeTimeout time.Duration
	log          zerolog.Logger
	customLog    bool

	status *observe.Value[State]
	sess   atomic.Pointer[session]

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	dial          *dialAttempt
	stopReconnect context.CancelFunc
	closed        bool
}

type dialAttempt struct {
	done chan struct{}
	err  error
}

// New returns a client for url. No socket is opened until Connect or
// StartInteraction is called.
func New(url string, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:          url,
		name:         "default",
		dialer:       WebSocketDialer{},
		pingInterval: 30 * time.Second,
		writeTimeout: 5 * time.Second,
		status:       observe.NewValue(StateDisconnected),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(c)
	}
	if !c.customLog {
		c.log = logx.Component("wsmux")
	}
	c.log = c.log.With().Str("client", c.name).Logger()
	metrics.SetConnectionState(c.name, StateDisconnected.String())
	return c
}

// URL returns the endpoint the client dials.
func (c *Client) URL() string { return c.url }

// Name returns the client label.
func (c *Client) Name() string { return c.name }

// State returns the current connection state.
func (c *Client) State() State { return c.status.Get() }

// Status exposes the connection state for subscription. Subscribers run
// synchronously while the client holds its lifecycle lock: they may read
// state and call StopInteraction, but must not call Connect, Disconnect,
// Close or StartInteraction directly.
func (c *Client) Status() *observe.Value[State] { return c.status }

// setState must be called with c.mu held.
func (c *Client) setState(s State) {
	if c.status.Set(s) {
		metrics.SetConnectionState(c.name, s.String())
		c.log.Info().Str("state", s.String()).Msg("connection state")
	}
}

// Connect opens the socket. It returns immediately when the socket is already
// open, and joins an in-flight dial instead of opening a second socket.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	for {
		if c.closed {
			c.mu.Unlock()
			return ErrClientClosed
		}
		s := c.sess.Load()
		if s == nil {
			break
		}
		if !s.dead.Load() {
			c.mu.Unlock()
			return nil
		}
		// The read loop has failed but not yet discarded the session.
		c.mu.Unlock()
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.mu.Lock()
	}
	if d := c.dial; d != nil {
		c.mu.Unlock()
		select {
		case <-d.done:
			return d.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d := &dialAttempt{done: make(chan struct{})}
	c.dial = d
	c.setState(StateConnecting)
	c.mu.Unlock()

	// The dial context follows the client lifetime so that cancelling a
	// caller's ctx after the handshake never tears down the shared socket.
	dctx, dcancel := context.WithCancel(c.ctx)
	stop := context.AfterFunc(ctx, dcancel)
	conn, err := c.dialer.Dial(dctx, c.url)
	stop()

	c.mu.Lock()
	c.dial = nil
	if c.closed {
		if err == nil {
			_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		}
		err = ErrClientClosed
		c.setState(StateDisconnected)
	} else if err != nil {
		err = fmt.Errorf("wsmux: connect %s: %w", secret.MaskURL(c.url), err)
		c.setState(StateError)
	}
	if err != nil {
		d.err = err
		c.mu.Unlock()
		close(d.done)
		metrics.RecordConnect(c.name, false)
		c.log.Error().Err(err).Msg("connect failed")
		return err
	}
	s := newSession(conn)
	c.sess.Store(s)
	c.setState(StateConnected)
	c.mu.Unlock()

	metrics.RecordConnect(c.name, true)
	metrics.SetActiveInteractions(c.name, 0)
	c.log.Info().Str("url", secret.MaskURL(c.url)).Msg("connected")
	go s.readLoop(c.ctx, c)
	go s.pingLoop(c.ctx, c, c.pingInterval)
	close(d.done)
	return nil
}

// Disconnect requests a clean close of the current socket and waits for its
// read loop to finish. It also cancels any pending automatic reconnect. It is
// a no-op without a socket.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.stopReconnect != nil {
		c.stopReconnect()
		c.stopReconnect = nil
	}
	s := c.sess.Load()
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	err := s.close("client disconnect")
	<-s.done
	if err != nil && !isCleanClose(err) {
		return fmt.Errorf("wsmux: disconnect: %w", err)
	}
	return nil
}

// Close disconnects and releases the client. Later calls to Connect and
// StartInteraction return ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	err := c.Disconnect()
	c.cancel()
	return err
}

// sessionClosed runs when the read loop of s ends.
func (c *Client) sessionClosed(s *session, err error) {
	local := s.closing.Load()
	clean := local || isCleanClose(err)
	s.clear()

	c.mu.Lock()
	if !c.sess.CompareAndSwap(s, nil) {
		c.mu.Unlock()
		return
	}
	if clean {
		c.setState(StateDisconnected)
	} else {
		c.setState(StateError)
	}
	var rctx context.Context
	if !local && !c.closed && c.policy.Enabled() {
		if c.stopReconnect != nil {
			c.stopReconnect()
		}
		rctx, c.stopReconnect = context.WithCancel(c.ctx)
	}
	c.mu.Unlock()

	metrics.SetActiveInteractions(c.name, 0)
	if clean {
		c.log.Info().Bool("local", local).Msg("connection closed")
	} else {
		c.log.Error().Err(err).Msg("connection lost")
	}
	if rctx != nil {
		go c.reconnectLoop(rctx)
	}
}

// reconnectLoop retries Connect according to the policy until it succeeds,
// the budget runs out, or ctx is cancelled.
func (c *Client) reconnectLoop(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		delay, ok := c.policy.Next(attempt)
		if !ok {
			c.log.Error().Int("attempts", attempt).Msg("max reconnection attempts reached")
			return
		}
		c.log.Warn().Dur("backoff", delay).Int("attempt", attempt+1).Int("max", c.policy.MaxAttempts).Msg("connection lost; retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		metrics.RecordReconnectAttempt(c.name)
		err := c.Connect(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClientClosed) || ctx.Err() != nil {
			return
		}
	}
}
