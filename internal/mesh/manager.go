// Package mesh keeps one media connection to every other participant of a
// room. It reconciles the set of connections against each roster refresh
// and accepts inbound calls, never holding two connections to the same
// logical identity.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/mikeyg42/meshroom/internal/identity"
	"github.com/mikeyg42/meshroom/internal/media"
)

type State int

const (
	StateAbsent State = iota
	StateConnecting
	StateLive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type EventType string

const (
	EventConnecting   EventType = "connecting"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventCallFailed   EventType = "call-failed"
)

// Event reports a change of one connection. Stream is set on
// EventConnected, Err on EventCallFailed.
type Event struct {
	Type   EventType
	Remote identity.Participant
	Stream *media.Stream
	Err    error
}

var (
	ErrClosed    = errors.New("mesh: manager closed")
	ErrDuplicate = errors.New("mesh: already connected or connecting")
	ErrCancelled = errors.New("mesh: call cancelled before connecting")
)

// entry is the bookkeeping for one remote identity. token identifies the
// call instance; callbacks carrying an older token are ignored.
type entry struct {
	token    uint64
	call     Call
	state    State
	stream   *media.Stream
	outbound bool
}

type Manager struct {
	self     identity.Participant
	local    *media.Stream
	dialer   Dialer
	logger   *zap.Logger
	maxDials int
	events   chan Event

	mu        sync.Mutex
	conns     map[identity.Participant]*entry
	roster    []identity.Participant // last delivered, self excluded
	nextToken uint64
	closed    bool
}

type Option func(*Manager)

// WithMaxConcurrentDials bounds how many calls a roster refresh places at
// once.
func WithMaxConcurrentDials(n int) Option {
	return func(m *Manager) { m.maxDials = n }
}

// WithEventBuffer sets the capacity of the Events channel. Events are
// dropped, with a warning, when the buffer is full.
func WithEventBuffer(n int) Option {
	return func(m *Manager) { m.events = make(chan Event, n) }
}

func NewManager(self identity.Participant, local *media.Stream, dialer Dialer, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	m := &Manager{
		self:     self,
		local:    local,
		dialer:   dialer,
		logger:   logger.Named("mesh"),
		maxDials: 8,
		events:   make(chan Event, 64),
		conns:    make(map[identity.Participant]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events delivers connection changes. The channel is closed by Close.
func (m *Manager) Events() <-chan Event { return m.events }

// OnRosterChange reconciles connections with roster. Unknown participants
// are dialled concurrently, each failure isolated from the others.
// Participants listed by the previous roster but missing from this one are
// closed; a connection the rosters never listed, such as an inbound call
// from someone who joined after the last fetch, is left to end on its own.
// The returned error joins the failed dials.
func (m *Manager) OnRosterChange(ctx context.Context, roster []identity.Participant) error {
	wanted := make([]identity.Participant, 0, len(roster))
	for _, p := range identity.Dedup(roster) {
		if p != m.self && p.Valid() {
			wanted = append(wanted, p)
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	known := make([]identity.Participant, 0, len(m.conns))
	for p := range m.conns {
		known = append(known, p)
	}
	toCall := identity.Diff(wanted, known)
	var stale []identity.Participant
	for _, p := range identity.Diff(m.roster, wanted) {
		if _, ok := m.conns[p]; ok {
			stale = append(stale, p)
		}
	}
	m.roster = wanted

	tokens := make(map[identity.Participant]uint64, len(toCall))
	for _, p := range toCall {
		tokens[p] = m.reserve(p, nil, true)
	}
	var closing []Call
	removed := make([]Event, 0, len(stale))
	for _, p := range stale {
		e := m.conns[p]
		if e.call != nil {
			closing = append(closing, e.call)
		}
		removed = append(removed, removedEvent(p, e))
		delete(m.conns, p)
	}
	m.mu.Unlock()

	for _, ev := range removed {
		m.logger.Info("Participant left the roster", zap.String("remote", ev.Remote.String()))
		m.emit(ev)
	}
	for _, c := range closing {
		if err := c.Close(); err != nil {
			m.logger.Warn("Failed to close stale call", zap.String("remote", c.Remote().String()), zap.Error(err))
		}
	}

	if len(toCall) == 0 {
		return nil
	}
	p := pool.New().WithMaxGoroutines(max(m.maxDials, 1)).WithContext(ctx)
	for _, remote := range toCall {
		token := tokens[remote]
		p.Go(func(ctx context.Context) error {
			return m.dial(ctx, remote, token)
		})
	}
	return p.Wait()
}

// reserve installs a Connecting entry for remote. Callers hold m.mu.
func (m *Manager) reserve(remote identity.Participant, call Call, outbound bool) uint64 {
	m.nextToken++
	m.conns[remote] = &entry{token: m.nextToken, call: call, state: StateConnecting, outbound: outbound}
	return m.nextToken
}

func (m *Manager) dial(ctx context.Context, remote identity.Participant, token uint64) error {
	m.emit(Event{Type: EventConnecting, Remote: remote})
	m.logger.Info("Calling participant", zap.String("remote", remote.String()))

	call, err := m.dialer.Dial(ctx, remote, m.local, m.handlers(remote, token))

	m.mu.Lock()
	e, ok := m.conns[remote]
	current := ok && e.token == token
	if current {
		if err != nil {
			delete(m.conns, remote)
		} else {
			e.call = call
		}
	}
	m.mu.Unlock()

	if !current {
		// Left, closed or superseded by an inbound call while dialling.
		if call != nil {
			_ = call.Close()
		}
		return nil
	}
	if err != nil {
		m.logger.Warn("Call failed", zap.String("remote", remote.String()), zap.Error(err))
		m.emit(Event{Type: EventCallFailed, Remote: remote, Err: err})
		return fmt.Errorf("call %s: %w", remote, err)
	}
	return nil
}

// HandleIncoming answers an inbound call if no connection to its caller
// exists. A caller that is already live, or that we are dialling and that
// wins the identity order tie-break, is rejected. Otherwise our own pending
// call is abandoned in favour of the inbound one, so that simultaneous
// calls in both directions settle on exactly one connection.
func (m *Manager) HandleIncoming(ctx context.Context, in IncomingCall) error {
	remote := in.Remote()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = in.Reject(ctx)
		return ErrClosed
	}
	var superseded Call
	if e, ok := m.conns[remote]; ok {
		if e.state != StateConnecting || !e.outbound || m.self.String() < remote.String() {
			m.mu.Unlock()
			m.logger.Info("Rejecting duplicate call",
				zap.String("remote", remote.String()),
				zap.String("state", e.state.String()))
			if err := in.Reject(ctx); err != nil {
				m.logger.Warn("Failed to reject call", zap.String("remote", remote.String()), zap.Error(err))
			}
			return ErrDuplicate
		}
		superseded = e.call
	}
	token := m.reserve(remote, in, false)
	m.mu.Unlock()

	if superseded != nil {
		m.logger.Info("Yielding to inbound call", zap.String("remote", remote.String()))
		_ = superseded.Close()
	} else {
		m.emit(Event{Type: EventConnecting, Remote: remote})
	}

	if err := in.Answer(ctx, m.local, m.handlers(remote, token)); err != nil {
		m.mu.Lock()
		if e, ok := m.conns[remote]; ok && e.token == token {
			delete(m.conns, remote)
		}
		m.mu.Unlock()
		_ = in.Close()
		m.logger.Warn("Failed to answer call", zap.String("remote", remote.String()), zap.Error(err))
		m.emit(Event{Type: EventCallFailed, Remote: remote, Err: err})
		return fmt.Errorf("answer %s: %w", remote, err)
	}
	return nil
}

func (m *Manager) handlers(remote identity.Participant, token uint64) Handlers {
	return Handlers{
		OnStream: func(s *media.Stream) { m.onStream(remote, token, s) },
		OnClose:  func(err error) { m.onClose(remote, token, err) },
	}
}

func (m *Manager) onStream(remote identity.Participant, token uint64, s *media.Stream) {
	m.mu.Lock()
	e, ok := m.conns[remote]
	if !ok || e.token != token || e.stream != nil {
		m.mu.Unlock()
		return
	}
	e.stream = s
	e.state = StateLive
	m.mu.Unlock()

	m.logger.Info("Participant connected", zap.String("remote", remote.String()))
	m.emit(Event{Type: EventConnected, Remote: remote, Stream: s})
}

func (m *Manager) onClose(remote identity.Participant, token uint64, err error) {
	m.mu.Lock()
	e, ok := m.conns[remote]
	if !ok || e.token != token {
		m.mu.Unlock()
		return
	}
	wasLive := e.state == StateLive
	delete(m.conns, remote)
	m.mu.Unlock()

	if !wasLive && err != nil {
		m.logger.Warn("Call ended before connecting", zap.String("remote", remote.String()), zap.Error(err))
		m.emit(Event{Type: EventCallFailed, Remote: remote, Err: err})
		return
	}
	m.logger.Info("Participant disconnected", zap.String("remote", remote.String()), zap.Error(err))
	m.emit(Event{Type: EventDisconnected, Remote: remote, Err: err})
}

// removedEvent reports a connection we tore down ourselves. One that never
// went live is a cancelled call, not a disconnect.
func removedEvent(remote identity.Participant, e *entry) Event {
	if e.state == StateLive {
		return Event{Type: EventDisconnected, Remote: remote}
	}
	return Event{Type: EventCallFailed, Remote: remote, Err: ErrCancelled}
}

// Leave closes the connection to remote, if any.
func (m *Manager) Leave(remote identity.Participant) error {
	m.mu.Lock()
	e, ok := m.conns[remote]
	var ev Event
	if ok {
		ev = removedEvent(remote, e)
		delete(m.conns, remote)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.emit(ev)
	if e.call != nil {
		return e.call.Close()
	}
	return nil
}

// RemoteStreams returns the stream of every live connection.
func (m *Manager) RemoteStreams() map[identity.Participant]*media.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[identity.Participant]*media.Stream, len(m.conns))
	for p, e := range m.conns {
		if e.stream != nil {
			out[p] = e.stream
		}
	}
	return out
}

func (m *Manager) State(remote identity.Participant) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return StateClosed
	}
	if e, ok := m.conns[remote]; ok {
		return e.state
	}
	return StateAbsent
}

// Connections snapshots the state of every known participant.
func (m *Manager) Connections() map[identity.Participant]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[identity.Participant]State, len(m.conns))
	for p, e := range m.conns {
		out[p] = e.state
	}
	return out
}

// Close hangs up every connection. Later calls on the manager are no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := m.conns
	m.conns = make(map[identity.Participant]*entry)
	close(m.events)
	m.mu.Unlock()

	var errs []error
	for p, e := range entries {
		if e.call == nil {
			continue
		}
		if err := e.call.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p, err))
		}
	}
	m.logger.Info("Mesh closed", zap.Int("connections", len(entries)))
	return errors.Join(errs...)
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("Event buffer full, dropping event",
			zap.String("type", string(ev.Type)),
			zap.String("remote", ev.Remote.String()))
	}
}
