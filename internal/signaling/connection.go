package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/jsonrpc2"
	"go.uber.org/zap"

	"github.com/mikeyg42/meshroom/internal/config"
	"github.com/mikeyg42/meshroom/internal/identity"
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Events are the connection's lifecycle hooks. Nil hooks are skipped.
// OnSignal is called from a single goroutine in arrival order.
type Events struct {
	OnOpen         func(peerID string)
	OnDisconnected func()
	OnError        func(err error)
	OnClose        func()
	OnSignal       func(sig Signal)
}

// Timer is the part of *time.Timer the reconnect scheduler needs.
type Timer interface {
	Stop() bool
}

type Option func(*Connection)

// WithAfterFunc replaces time.AfterFunc for scheduling reconnects.
func WithAfterFunc(f func(d time.Duration, fn func()) Timer) Option {
	return func(c *Connection) { c.afterFunc = f }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Connection) { c.logger = logger }
}

const inboxSize = 256

// Connection is one participant's registration with the rendezvous server.
// It reconnects with exponential backoff after the transport drops and
// gives up after the configured number of attempts.
type Connection struct {
	cfg       config.SignalingConfig
	self      identity.Participant
	peerID    string
	dialer    Dialer
	events    Events
	logger    *zap.Logger
	afterFunc func(d time.Duration, fn func()) Timer

	mu        sync.Mutex
	state     State
	transport Transport
	gen       uint64
	bo        backoff.BackOff
	attempts  int
	pending   Timer
	tracked   map[string]io.Closer
	closed    bool

	inbox chan Signal
	done  chan struct{}
}

// Open registers self with the server at cfg.URL and returns once the
// registration is acknowledged or cfg.OpenTimeout passes.
func Open(ctx context.Context, cfg config.SignalingConfig, self identity.Participant, dialer Dialer, events Events, opts ...Option) (*Connection, error) {
	if !self.Valid() {
		return nil, identity.ErrInvalid
	}
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	c := &Connection{
		cfg:     cfg,
		self:    self,
		peerID:  identity.NewPeerID(self),
		dialer:  dialer,
		events:  events,
		logger:  zap.L(),
		tracked: make(map[string]io.Closer),
		inbox:   make(chan Signal, inboxSize),
		done:    make(chan struct{}),
		state:   StateConnecting,
		afterFunc: func(d time.Duration, fn func()) Timer {
			return time.AfterFunc(d, fn)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("signaling").With(zap.String("peer_id", c.peerID))
	c.bo = newBackoff(cfg)

	go c.dispatch()

	if err := c.connect(ctx); err != nil {
		c.Destroy()
		return nil, err
	}
	return c, nil
}

// newBackoff yields base, 2·base, 4·base ... capped at cfg.BackoffCap and
// stops after cfg.MaxAttempts delays.
func newBackoff(cfg config.SignalingConfig) backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = cfg.BackoffBase
	ebo.MaxInterval = cfg.BackoffCap
	ebo.Multiplier = 2
	ebo.RandomizationFactor = 0
	ebo.MaxElapsedTime = 0
	ebo.Reset()
	return backoff.WithMaxRetries(ebo, uint64(cfg.MaxAttempts))
}

func (c *Connection) PeerID() string { return c.peerID }

func (c *Connection) Self() identity.Participant { return c.self }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts is the number of reconnects scheduled since the last open.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Connection) connect(ctx context.Context) error {
	if c.cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.OpenTimeout)
		defer cancel()
	}

	t, err := c.dialer.Dial(ctx, c.cfg.URL, jsonrpc2.HandlerWithError(c.handle))
	if err != nil {
		return &Error{Kind: ErrorNetwork, Err: err}
	}

	var res RegisterResult
	params := RegisterParams{PeerID: c.peerID, UserID: c.self.UserID, RoomID: c.self.RoomID}
	if err := t.Call(ctx, MethodRegister, params, &res); err != nil {
		_ = t.Close()
		return classify(err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = t.Close()
		return ErrClosed
	}
	c.gen++
	gen := c.gen
	stale := c.transport
	c.transport = t
	c.state = StateOpen
	c.attempts = 0
	c.bo.Reset()
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}
	go c.watch(t, gen)

	c.logger.Info("Signaling connection open", zap.String("url", c.cfg.URL))
	if c.events.OnOpen != nil {
		c.events.OnOpen(c.peerID)
	}
	return nil
}

// watch sends heartbeats on t and takes the disconnect path once it drops.
func (c *Connection) watch(t Transport, gen uint64) {
	var tick <-chan time.Time
	if c.cfg.Heartbeat > 0 {
		ticker := time.NewTicker(c.cfg.Heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-t.DisconnectNotify():
			c.onTransportDown(gen)
			return
		case <-c.done:
			return
		case <-tick:
			ctx, cancel := c.callContext(context.Background())
			err := t.Notify(ctx, MethodHeartbeat, nil)
			cancel()
			if err != nil {
				c.logger.Warn("Heartbeat failed, dropping transport", zap.Error(err))
				_ = t.Close()
			}
		}
	}
}

func (c *Connection) onTransportDown(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	c.logger.Warn("Signaling connection lost")
	if c.events.OnDisconnected != nil {
		c.events.OnDisconnected()
	}
	c.scheduleReconnect()
}

// scheduleReconnect arms the next attempt unless one is already pending.
func (c *Connection) scheduleReconnect() {
	c.mu.Lock()
	if c.closed || c.state == StateFailed || c.pending != nil {
		c.mu.Unlock()
		return
	}
	delay := c.bo.NextBackOff()
	if delay == backoff.Stop {
		c.state = StateFailed
		attempts := c.attempts
		c.mu.Unlock()

		c.logger.Error("Giving up on signaling", zap.Int("attempts", attempts))
		if c.events.OnError != nil {
			c.events.OnError(ErrReconnectExhausted)
		}
		return
	}
	c.attempts++
	attempt := c.attempts
	c.pending = c.afterFunc(delay, c.attemptReconnect)
	c.mu.Unlock()

	c.logger.Info("Reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))
}

func (c *Connection) attemptReconnect() {
	c.mu.Lock()
	c.pending = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.state == StateOpen {
		// Raised by a transient error while the transport stayed up.
		c.attempts = 0
		c.bo.Reset()
		c.mu.Unlock()
		return
	}
	if c.state == StateConnecting {
		// Reconnect got there first.
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.connect(context.Background()); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		c.logger.Warn("Reconnect attempt failed", zap.Error(err))
		c.mu.Lock()
		if !c.closed {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		c.scheduleReconnect()
	}
}

// Reconnect attempts to connect right away, cancelling a pending attempt.
// It is a no-op while open and returns ErrConnecting while another attempt
// is in flight. A failed attempt re-arms the backoff schedule.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateOpen:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnecting
	}
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	err := c.connect(ctx)
	if err != nil && !errors.Is(err, ErrClosed) {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.scheduleReconnect()
	}
	return err
}

func (c *Connection) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// Send delivers sig to its target through the server. A peer-unavailable
// answer is reported through OnError and treated as transient.
func (c *Connection) Send(ctx context.Context, sig Signal) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}

	sig.From = c.self
	sig.FromPeer = c.peerID
	if err := sig.Validate(); err != nil {
		return err
	}

	ctx, cancel := c.callContext(ctx)
	defer cancel()
	if err := t.Call(ctx, MethodSignal, sig, nil); err != nil {
		serr := classify(err)
		if serr.Transient() {
			c.reportError(serr)
		}
		return serr
	}
	return nil
}

func (c *Connection) reportError(err *Error) {
	c.logger.Warn("Signaling error", zap.String("kind", string(err.Kind)), zap.Error(err))
	if c.events.OnError != nil {
		c.events.OnError(err)
	}
	if err.Transient() {
		c.scheduleReconnect()
	}
}

// Track registers a transport owned by this participant so that Destroy
// closes it. The returned function unregisters it.
func (c *Connection) Track(id string, closer io.Closer) (untrack func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = closer.Close()
		return func() {}
	}
	c.tracked[id] = closer
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if c.tracked[id] == closer {
			delete(c.tracked, id)
		}
		c.mu.Unlock()
	}
}

// Destroy closes every tracked transport, then the server connection. It
// is idempotent and returns the joined close errors.
func (c *Connection) Destroy() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateClosed
	t := c.transport
	c.transport = nil
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	tracked := c.tracked
	c.tracked = nil
	c.mu.Unlock()

	var errs []error
	for id, closer := range tracked {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	if t != nil {
		if err := t.Close(); err != nil && !errors.Is(err, jsonrpc2.ErrClosed) {
			errs = append(errs, err)
		}
	}
	close(c.done)

	c.logger.Info("Signaling connection destroyed", zap.Int("transports", len(tracked)))
	if c.events.OnClose != nil {
		c.events.OnClose()
	}
	return errors.Join(errs...)
}

// handle serves server-initiated requests. It runs on the transport's read
// loop, so it only enqueues work.
func (c *Connection) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case MethodSignal:
		var sig Signal
		if err := decodeParams(req, &sig); err != nil {
			return nil, err
		}
		select {
		case c.inbox <- sig:
		case <-c.done:
		default:
			c.logger.Warn("Signal inbox full, dropping", zap.String("call_id", sig.CallID), zap.String("kind", string(sig.Kind)))
		}
		return nil, nil
	case MethodError:
		var p ErrorParams
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
		c.reportError(&Error{Kind: p.Type, Message: p.Message})
		return nil, nil
	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "unknown method " + req.Method}
	}
}

func decodeParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

// dispatch delivers queued signals in order, off the transport read loop,
// so that handlers may send replies without deadlocking it.
func (c *Connection) dispatch() {
	for {
		select {
		case sig := <-c.inbox:
			if c.events.OnSignal != nil {
				c.events.OnSignal(sig)
			}
		case <-c.done:
			return
		}
	}
}
