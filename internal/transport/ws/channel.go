package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/metrics"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

// ErrChannelClosed is returned after Disconnect.
var ErrChannelClosed = errors.New("channel closed")

// Action is a room control verb.
type Action string

const (
	ActionSubscribe   Action = proto.ControlSubscribe
	ActionUnsubscribe Action = proto.ControlUnsubscribe
)

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Channel.
type Options struct {
	URL               string
	Token             string
	HeartbeatInterval time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	DialTimeout       time.Duration
	ReadLimit         int64
	Clock             clock.Clock
	Logger            *zerolog.Logger
}

// Channel owns the one persistent websocket of an authenticated session.
// Inbound frames are decoded into core.Event and fanned out by kind; a dropped
// connection is redialed with backoff and announced through OnReconnected.
type Channel struct {
	opts       Options
	log        *zerolog.Logger
	clock      clock.Clock
	dispatcher *Dispatcher

	reconnected  signal
	disconnected signal
	dials        singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	state      State
}

// New constructs a disconnected channel.
func New(opts Options) *Channel {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		opts:       opts,
		log:        logger,
		clock:      opts.Clock,
		dispatcher: NewDispatcher(logger),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens the websocket unless it is already open. Concurrent callers
// share a single dial.
func (c *Channel) Connect(ctx context.Context) error {
	switch c.State() {
	case StateConnected:
		return nil
	case StateClosed:
		return ErrChannelClosed
	}

	result := c.dials.DoChan("dial", func() (any, error) {
		return nil, c.dial()
	})
	select {
	case res := <-result:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureConnected is Connect under the name callers use before subscribing.
func (c *Channel) EnsureConnected(ctx context.Context) error {
	return c.Connect(ctx)
}

// Subscribe registers a handler for one event kind.
func (c *Channel) Subscribe(kind core.EventKind, fn Handler) *Subscription {
	return c.dispatcher.Subscribe(kind, fn)
}

// OnReconnected registers fn to run after every successful reconnection.
func (c *Channel) OnReconnected(fn func()) *Subscription {
	return c.reconnected.add(fn)
}

// OnDisconnected registers fn to run when the transport drops.
func (c *Channel) OnDisconnected(fn func()) *Subscription {
	return c.disconnected.add(fn)
}

// Publish sends a room control frame.
func (c *Channel) Publish(ctx context.Context, roomID string, action Action) error {
	if roomID == "" {
		return core.ErrBadRequest
	}
	return c.send(ctx, proto.Control{Type: string(action), RoomID: roomID})
}

// Disconnect closes the connection for good and stops reconnection.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	conn := c.conn
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
	}
	c.mu.Unlock()

	c.cancel()
	metrics.ConnectionUp.Set(0)
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
	c.log.Info().Msg("frame channel closed")
}

func (c *Channel) send(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return core.ErrNotConnected
	}
	if err := wsjson.Write(ctx, conn, v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Channel) dial() error {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateClosed:
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.state = StateConnecting
	c.mu.Unlock()

	target, err := c.url()
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, target, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(c.opts.ReadLimit)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
		return ErrChannelClosed
	}
	connCtx, connCancel := context.WithCancel(c.ctx)
	c.conn = conn
	c.connCancel = connCancel
	c.state = StateConnected
	c.mu.Unlock()

	metrics.ConnectionUp.Set(1)
	c.log.Info().Msg("frame channel connected")

	go c.readLoop(connCtx, conn)
	go c.heartbeat(connCtx)
	return nil
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *Channel) url() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse ws url: %w", err)
	}
	if c.opts.Token != "" {
		q := u.Query()
		q.Set("token", c.opts.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// readLoop dispatches frames sequentially, so handlers of one kind observe
// the delivery order of the connection.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDrop(conn, err)
			return
		}
		if typ != websocket.MessageText {
			metrics.FramesDropped.WithLabelValues("binary").Inc()
			continue
		}

		var frame proto.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
			c.log.Debug().Err(err).Msg("drop unparsable frame")
			continue
		}
		ev, err := frameToEvent(frame)
		if err != nil {
			metrics.FramesDropped.WithLabelValues(dropReason(err)).Inc()
			c.log.Debug().Err(err).Str("type", frame.Type).Msg("drop frame")
			continue
		}

		metrics.FramesReceived.WithLabelValues(string(ev.Kind)).Inc()
		c.dispatcher.Dispatch(ev)
	}
}

func (c *Channel) heartbeat(ctx context.Context) {
	if c.opts.HeartbeatInterval <= 0 {
		return
	}
	ticker := c.clock.Ticker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, proto.Control{Type: proto.ControlHeartbeat}); err != nil {
				c.log.Debug().Err(err).Msg("heartbeat not sent")
			}
		}
	}
}

func (c *Channel) handleDrop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// superseded or closed by Disconnect
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	metrics.ConnectionUp.Set(0)
	_ = conn.Close(websocket.StatusGoingAway, "read failed")
	c.log.Warn().Err(cause).Msg("frame channel dropped, reconnecting")

	c.disconnected.emit(c.log, "disconnected")
	go c.reconnectLoop()
}

func (c *Channel) reconnectLoop() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectMin
	b.MaxInterval = c.opts.ReconnectMax
	b.Reset()

	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		select {
		case <-c.ctx.Done():
			return
		case <-c.clock.After(wait):
		}

		if err := c.Connect(c.ctx); err != nil {
			if errors.Is(err, ErrChannelClosed) || c.ctx.Err() != nil {
				return
			}
			c.log.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("reconnect failed")
			continue
		}

		metrics.Reconnects.Inc()
		c.log.Info().Int("attempt", attempt).Msg("frame channel reconnected")
		c.reconnected.emit(c.log, "reconnected")
		return
	}
}
