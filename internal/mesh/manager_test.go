package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/meshroom/internal/identity"
	"github.com/mikeyg42/meshroom/internal/media"
)

func who(user string) identity.Participant {
	return identity.Participant{UserID: user, RoomID: "standup"}
}

type fakeCall struct {
	id     string
	remote identity.Participant

	mu       sync.Mutex
	handlers Handlers
	closed   int
	answered bool
	rejected bool

	answerErr error
}

func (c *fakeCall) ID() string                   { return c.id }
func (c *fakeCall) Remote() identity.Participant { return c.remote }

func (c *fakeCall) Close() error {
	c.mu.Lock()
	c.closed++
	first := c.closed == 1
	h := c.handlers
	c.mu.Unlock()
	if first && h.OnClose != nil {
		h.OnClose(nil)
	}
	return nil
}

func (c *fakeCall) Answer(_ context.Context, _ *media.Stream, h Handlers) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answerErr != nil {
		return c.answerErr
	}
	c.answered = true
	c.handlers = h
	return nil
}

func (c *fakeCall) Reject(context.Context) error {
	c.mu.Lock()
	c.rejected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeCall) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// connect simulates the first remote track arriving.
func (c *fakeCall) connect() {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	h.OnStream(media.NewStream("remote-" + c.remote.UserID))
}

// drop simulates the remote side ending the call.
func (c *fakeCall) drop(err error) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	h.OnClose(err)
}

type fakeDialer struct {
	mu    sync.Mutex
	calls map[identity.Participant][]*fakeCall
	fail  map[identity.Participant]error
	gate  chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		calls: make(map[identity.Participant][]*fakeCall),
		fail:  make(map[identity.Participant]error),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, remote identity.Participant, _ *media.Stream, h Handlers) (Call, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail[remote]; err != nil {
		return nil, err
	}
	c := &fakeCall{id: remote.UserID, remote: remote, handlers: h}
	d.calls[remote] = append(d.calls[remote], c)
	return c, nil
}

func (d *fakeDialer) last(t *testing.T, p identity.Participant) *fakeCall {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	cs := d.calls[p]
	if len(cs) == 0 {
		t.Fatalf("no call placed to %s", p)
	}
	return cs[len(cs)-1]
}

func (d *fakeDialer) count(p identity.Participant) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls[p])
}

func newTestManager(t *testing.T, self identity.Participant, d Dialer) *Manager {
	t.Helper()
	m := NewManager(self, media.NewStream("local"), d, zaptest.NewLogger(t), WithEventBuffer(256))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func drain(m *Manager) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRosterChangeDialsNewParticipants(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, who("alice"), d)

	roster := []identity.Participant{who("alice"), who("bob"), who("carol"), who("bob")}
	if err := m.OnRosterChange(context.Background(), roster); err != nil {
		t.Fatalf("OnRosterChange: %v", err)
	}
	if d.count(who("bob")) != 1 || d.count(who("carol")) != 1 {
		t.Fatalf("calls: bob=%d carol=%d, want one each", d.count(who("bob")), d.count(who("carol")))
	}
	if d.count(who("alice")) != 0 {
		t.Fatal("must never call self")
	}
	if got := m.State(who("bob")); got != StateConnecting {
		t.Fatalf("bob state = %v, want connecting", got)
	}

	// A second refresh with the same roster places no new calls.
	if err := m.OnRosterChange(context.Background(), roster); err != nil {
		t.Fatal(err)
	}
	if d.count(who("bob")) != 1 {
		t.Fatal("known participant was dialled again")
	}

	d.last(t, who("bob")).connect()
	if got := m.State(who("bob")); got != StateLive {
		t.Fatalf("bob state = %v, want live", got)
	}
	streams := m.RemoteStreams()
	if len(streams) != 1 || streams[who("bob")] == nil {
		t.Fatalf("RemoteStreams = %v", streams)
	}

	var sawConnected bool
	for _, ev := range drain(m) {
		if ev.Type == EventConnected && ev.Remote == who("bob") && ev.Stream != nil {
			sawConnected = true
		}
	}
	if !sawConnected {
		t.Fatal("no connected event for bob")
	}
}

func TestRosterChangeClosesStaleParticipants(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, who("alice"), d)

	if err := m.OnRosterChange(context.Background(), []identity.Participant{who("bob"), who("carol")}); err != nil {
		t.Fatal(err)
	}
	bob := d.last(t, who("bob"))
	bob.connect()
	drain(m)

	if err := m.OnRosterChange(context.Background(), []identity.Participant{who("carol")}); err != nil {
		t.Fatal(err)
	}
	if bob.closeCount() != 1 {
		t.Fatalf("stale call closed %d times, want 1", bob.closeCount())
	}
	if m.State(who("bob")) != StateAbsent {
		t.Fatal("stale participant still tracked")
	}
	if _, ok := m.RemoteStreams()[who("bob")]; ok {
		t.Fatal("stale stream still listed")
	}

	var disconnected int
	for _, ev := range drain(m) {
		if ev.Type == EventDisconnected && ev.Remote == who("bob") {
			disconnected++
		}
	}
	if disconnected != 1 {
		t.Fatalf("got %d disconnected events for bob, want 1", disconnected)
	}
}

func TestInboundFromUnrosteredParticipantSurvivesRefresh(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, who("alice"), d)

	if err := m.OnRosterChange(context.Background(), []identity.Participant{who("carol")}); err != nil {
		t.Fatal(err)
	}
	// bob joined after the last fetch and called us.
	in := &fakeCall{id: "in-bob", remote: who("bob")}
	if err := m.HandleIncoming(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	in.connect()
	drain(m)

	// A failed fetch re-delivers the retained roster, which predates bob.
	for range 3 {
		if err := m.OnRosterChange(context.Background(), []identity.Participant{who("carol")}); err != nil {
			t.Fatal(err)
		}
	}
	if got := m.State(who("bob")); got != StateLive {
		t.Fatalf("bob state = %v, want live", got)
	}
	if in.closeCount() != 0 || m.RemoteStreams()[who("bob")] == nil {
		t.Fatal("unrostered inbound connection was torn down")
	}
	for _, ev := range drain(m) {
		if ev.Remote == who("bob") {
			t.Fatalf("unexpected %s event for bob", ev.Type)
		}
	}

	// Once a roster lists bob, his disappearing from the next one ends the call.
	if err := m.OnRosterChange(context.Background(), []identity.Participant{who("bob"), who("carol")}); err != nil {
		t.Fatal(err)
	}
	if d.count(who("bob")) != 0 {
		t.Fatal("live inbound connection must not be dialled")
	}
	if err := m.OnRosterChange(context.Background(), []identity.Participant{who("carol")}); err != nil {
		t.Fatal(err)
	}
	if in.closeCount() != 1 || m.State(who("bob")) != StateAbsent {
		t.Fatal("participant that left the roster should be closed")
	}
}

func TestDialFailuresAreIsolated(t *testing.T) {
	d := newFakeDialer()
	boom := errors.New("ice gathering failed")
	d.fail[who("bob")] = boom
	m := newTestManager(t, who("alice"), d)

	err := m.OnRosterChange(context.Background(), []identity.Participant{who("bob"), who("carol")})
	if !errors.Is(err, boom) {
		t.Fatalf("OnRosterChange = %v, want the bob failure", err)
	}
	if d.count(who("carol")) != 1 {
		t.Fatal("carol's call should proceed despite bob's failure")
	}
	if m.State(who("bob")) != StateAbsent {
		t.Fatal("failed call must not leave an entry behind")
	}

	var failed bool
	for _, ev := range drain(m) {
		if ev.Type == EventCallFailed && ev.Remote == who("bob") && errors.Is(ev.Err, boom) {
			failed = true
		}
	}
	if !failed {
		t.Fatal("no call-failed event for bob")
	}

	// The next refresh retries.
	delete(d.fail, who("bob"))
	if err := m.OnRosterChange(context.Background(), []identity.Participant{who("bob"), who("carol")}); err != nil {
		t.Fatal(err)
	}
	if d.count(who("bob")) != 1 {
		t.Fatal("failed participant should be dialled on the next refresh")
	}
}

func TestHandleIncoming(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, who("alice"), d)

	in := &fakeCall{id: "in-1", remote: who("bob")}
	if err := m.HandleIncoming(context.Background(), in); err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}
	if !in.answered {
		t.Fatal("inbound call from an unknown participant should be answered")
	}
	in.connect()

	dup := &fakeCall{id: "in-2", remote: who("bob")}
	if err := m.HandleIncoming(context.Background(), dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second inbound = %v, want ErrDuplicate", err)
	}
	if !dup.rejected || dup.answered {
		t.Fatal("duplicate call must be rejected, not answered")
	}

	// A roster refresh listing bob does not dial a second connection.
	if err := m.OnRosterChange(context.Background(), []identity.Participant{who("bob")}); err != nil {
		t.Fatal(err)
	}
	if d.count(who("bob")) != 0 {
		t.Fatal("live inbound connection must not be dialled again")
	}

	failing := &fakeCall{id: "in-3", remote: who("carol"), answerErr: errors.New("bad offer")}
	if err := m.HandleIncoming(context.Background(), failing); err == nil {
		t.Fatal("answer failure should be returned")
	}
	if m.State(who("carol")) != StateAbsent || failing.closeCount() != 1 {
		t.Fatal("failed answer should release the call")
	}
}

func TestSimultaneousCallsSettleOnOneConnection(t *testing.T) {
	tests := []struct {
		name         string
		self, remote string
		wantInbound  bool
	}{
		{"lower identity keeps its own call", "alice", "bob", false},
		{"higher identity yields to the inbound call", "bob", "alice", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDialer()
			m := newTestManager(t, who(tt.self), d)
			if err := m.OnRosterChange(context.Background(), []identity.Participant{who(tt.remote)}); err != nil {
				t.Fatal(err)
			}
			out := d.last(t, who(tt.remote))

			in := &fakeCall{id: "in", remote: who(tt.remote)}
			err := m.HandleIncoming(context.Background(), in)

			if tt.wantInbound {
				if err != nil || !in.answered {
					t.Fatalf("inbound call should be answered, err=%v", err)
				}
				if out.closeCount() != 1 {
					t.Fatal("own outbound call should be abandoned")
				}
				in.connect()
			} else {
				if !errors.Is(err, ErrDuplicate) || !in.rejected {
					t.Fatalf("inbound call should be rejected, err=%v", err)
				}
				if out.closeCount() != 0 {
					t.Fatal("own outbound call must survive")
				}
				out.connect()
			}
			if len(m.RemoteStreams()) != 1 || m.State(who(tt.remote)) != StateLive {
				t.Fatalf("want exactly one live connection, got %v", m.Connections())
			}
		})
	}
}

func TestLateCallbacksFromSupersededCallsAreIgnored(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, who("bob"), d)
	if err := m.OnRosterChange(context.Background(), []identity.Participant{who("alice")}); err != nil {
		t.Fatal(err)
	}
	out := d.last(t, who("alice"))

	in := &fakeCall{id: "in", remote: who("alice")}
	if err := m.HandleIncoming(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	in.connect()

	// The abandoned outbound call reports late events.
	out.handlers.OnStream(media.NewStream("late"))
	out.drop(errors.New("rejected"))

	if m.State(who("alice")) != StateLive {
		t.Fatalf("state = %v, want live", m.State(who("alice")))
	}
	if s := m.RemoteStreams()[who("alice")]; s == nil || s.ID() != "remote-alice" {
		t.Fatal("stream from the superseded call replaced the live one")
	}
}

func TestRemoteCloseDropsEntry(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, who("alice"), d)
	if err := m.OnRosterChange(context.Background(), []identity.Participant{who("bob"), who("carol")}); err != nil {
		t.Fatal(err)
	}
	bob := d.last(t, who("bob"))
	bob.connect()
	bob.drop(errors.New("remote hung up"))

	carol := d.last(t, who("carol"))
	carol.drop(errors.New("rejected"))

	if len(m.Connections()) != 0 {
		t.Fatalf("connections = %v, want none", m.Connections())
	}
	types := map[identity.Participant]EventType{}
	for _, ev := range drain(m) {
		types[ev.Remote] = ev.Type
	}
	if types[who("bob")] != EventDisconnected || types[who("carol")] != EventCallFailed {
		t.Fatalf("final events = %v", types)
	}
}

func TestLeaveAndClose(t *testing.T) {
	d := newFakeDialer()
	m := NewManager(who("alice"), media.NewStream("local"), d, zaptest.NewLogger(t))
	if err := m.OnRosterChange(context.Background(), []identity.Participant{who("bob"), who("carol")}); err != nil {
		t.Fatal(err)
	}
	bob, carol := d.last(t, who("bob")), d.last(t, who("carol"))

	if err := m.Leave(who("bob")); err != nil {
		t.Fatal(err)
	}
	if bob.closeCount() != 1 || m.State(who("bob")) != StateAbsent {
		t.Fatal("Leave should close and forget the connection")
	}
	if err := m.Leave(who("nobody")); err != nil {
		t.Fatal("leaving an unknown participant is a no-op")
	}
	for _, ev := range drain(m) {
		if ev.Remote != who("bob") || ev.Type == EventConnecting {
			continue
		}
		if ev.Type != EventCallFailed || !errors.Is(ev.Err, ErrCancelled) {
			t.Fatalf("leaving a connecting call reported %s (%v), want call-failed", ev.Type, ev.Err)
		}
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if carol.closeCount() != 1 {
		t.Fatal("Close should hang up every connection")
	}
	if err := m.Close(); err != nil {
		t.Fatal("second Close should be a no-op")
	}
	if err := m.OnRosterChange(context.Background(), []identity.Participant{who("dave")}); err != nil || d.count(who("dave")) != 0 {
		t.Fatal("closed manager must not dial")
	}
	in := &fakeCall{remote: who("erin")}
	if err := m.HandleIncoming(context.Background(), in); !errors.Is(err, ErrClosed) || !in.rejected {
		t.Fatal("closed manager must reject inbound calls")
	}
	if m.State(who("carol")) != StateClosed {
		t.Fatal("closed manager reports closed state")
	}
	drain(m)
	if _, ok := <-m.Events(); ok {
		t.Fatal("events channel should be closed")
	}
}

func TestLeaveWhileDialling(t *testing.T) {
	d := newFakeDialer()
	d.gate = make(chan struct{})
	m := newTestManager(t, who("alice"), d)

	done := make(chan error, 1)
	go func() {
		done <- m.OnRosterChange(context.Background(), []identity.Participant{who("bob")})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for m.State(who("bob")) != StateConnecting {
		if time.Now().After(deadline) {
			t.Fatal("dial never started")
		}
		time.Sleep(time.Millisecond)
	}
	if err := m.Leave(who("bob")); err != nil {
		t.Fatal(err)
	}
	close(d.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if d.last(t, who("bob")).closeCount() != 1 {
		t.Fatal("call completing after Leave should be closed")
	}
	if m.State(who("bob")) != StateAbsent {
		t.Fatal("late dial must not resurrect the entry")
	}
}
