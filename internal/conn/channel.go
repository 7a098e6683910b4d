package conn

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pmelo/courier/internal/bus"
	"github.com/pmelo/courier/internal/protocol"
	"github.com/pmelo/courier/internal/session"
	"go.uber.org/zap"
)

// Options tunes the channel's transport behavior.
type Options struct {
	URL               string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
}

// Channel owns the WebSocket connection to the chat server: dialing,
// keepalive, the reconnect cycle, and frame send/receive. All connection
// state transitions originate here.
type Channel struct {
	opts   Options
	creds  session.Credentials
	logger *zap.Logger

	states *tracker
	frames chan protocol.Frame

	keepalive atomic.Int64 // ping interval in nanoseconds, adjustable at runtime

	mu      sync.Mutex
	ws      *websocket.Conn
	cancel  context.CancelFunc
	running bool

	writeMu sync.Mutex
}

// NewChannel creates a channel. Connect must be called to bring it up.
func NewChannel(opts Options, creds session.Credentials, b *bus.Bus, logger *zap.Logger) *Channel {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 10 * time.Second
	}
	c := &Channel{
		opts:   opts,
		creds:  creds,
		logger: logger,
		states: newTracker(b),
		frames: make(chan protocol.Frame, 512),
	}
	c.keepalive.Store(int64(opts.HeartbeatInterval))
	return c
}

// State returns the current connection state.
func (c *Channel) State() State {
	return c.states.Current()
}

// SubscribeState returns the current state and a cancellable stream of
// subsequent transitions.
func (c *Channel) SubscribeState() (State, *StateSub) {
	return c.states.Subscribe()
}

// Frames returns the inbound frame stream. The channel is long-lived and
// survives reconnect cycles.
func (c *Channel) Frames() <-chan protocol.Frame {
	return c.frames
}

// SetKeepaliveInterval adjusts heartbeat aggressiveness (foreground vs
// background). Takes effect on the next ping cycle.
func (c *Channel) SetKeepaliveInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.keepalive.Store(int64(d))
}

// Connect starts the connection loop. It returns immediately; progress
// is observable through the state stream. Calling Connect while a loop
// is already running is a no-op.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	go c.run(ctx)
}

// Close tears the connection down and stops the reconnect loop.
// Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel := c.cancel
	ws := c.ws
	c.cancel = nil
	c.ws = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		_ = ws.Close()
	}
}

// Send transmits a frame. Fails with ErrNotConnected when no transport
// is up; callers should check the state first.
func (c *Channel) Send(f protocol.Frame) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil || c.states.Current() != Connected {
		return ErrNotConnected
	}

	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			c.states.reset()
			return
		}
		if err := c.states.transition(Connecting); err != nil {
			c.logger.Error("connection state error", zap.Error(err))
			c.states.reset()
			return
		}

		token, err := c.creds.Current()
		if err != nil {
			c.logger.Warn("no credential available, stopping connection loop")
			c.states.reset()
			return
		}

		ws, err := c.dial(ctx, token)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				c.logger.Warn("server rejected credential")
				_ = c.states.transition(FailedPermanently)
				c.creds.Invalidate("connect rejected")
				return
			}
			c.logger.Warn("dial failed", zap.Error(err), zap.Int("attempt", attempt))
			_ = c.states.transition(Reconnecting)
			if !c.sleepBackoff(ctx, attempt) {
				c.states.reset()
				return
			}
			attempt++
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()

		attempt = 0
		_ = c.states.transition(Connected)
		c.logger.Info("connected", zap.String("url", c.opts.URL))

		readErr := c.readLoop(ctx, ws)

		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		_ = ws.Close()

		if ctx.Err() != nil {
			c.states.reset()
			return
		}
		if websocket.IsCloseError(readErr, protocol.CloseAuthRejected) {
			c.logger.Warn("session expired, connection closed by server")
			_ = c.states.transition(FailedPermanently)
			c.creds.Invalidate("session expired")
			return
		}

		c.logger.Warn("connection lost", zap.Error(readErr))
		_ = c.states.transition(Reconnecting)
		if !c.sleepBackoff(ctx, attempt) {
			c.states.reset()
			return
		}
		attempt++
	}
}

func (c *Channel) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrAuthRejected
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}
	ws.SetReadLimit(1 << 20) // 1MB
	return ws, nil
}

// readLoop pumps inbound messages until the transport fails. The read
// deadline is the liveness check: every pong extends it, so a silent
// peer forces a reconnect cycle.
func (c *Channel) readLoop(ctx context.Context, ws *websocket.Conn) error {
	extend := func() {
		_ = ws.SetReadDeadline(time.Now().Add(c.keepaliveInterval() + c.opts.HeartbeatTimeout))
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(ctx, ws, stop)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		extend()

		frame, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		select {
		case c.frames <- frame:
		default:
			c.logger.Warn("inbound buffer full, dropping frame",
				zap.String("event", frame.Event), zap.String("chat_id", frame.ChatID))
		}
	}
}

func (c *Channel) pingLoop(ctx context.Context, ws *websocket.Conn, stop <-chan struct{}) {
	for {
		select {
		case <-time.After(c.keepaliveInterval()):
			deadline := time.Now().Add(c.opts.HeartbeatTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// Force the read loop out so the reconnect cycle starts.
				_ = ws.Close()
				return
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) keepaliveInterval() time.Duration {
	return time.Duration(c.keepalive.Load())
}

// sleepBackoff waits the backoff delay for attempt, returning false if
// the context was cancelled first.
func (c *Channel) sleepBackoff(ctx context.Context, attempt int) bool {
	d := backoffDelay(c.opts.BackoffBase, c.opts.BackoffCap, attempt)
	c.logger.Info("reconnecting", zap.Duration("delay", d), zap.Int("attempt", attempt+1))
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
