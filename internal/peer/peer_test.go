package peer

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/meshroom/internal/config"
	"github.com/mikeyg42/meshroom/internal/identity"
	"github.com/mikeyg42/meshroom/internal/media"
	"github.com/mikeyg42/meshroom/internal/mesh"
	"github.com/mikeyg42/meshroom/internal/signaling"
)

var (
	alice = identity.Participant{UserID: "alice", RoomID: "standup"}
	bob   = identity.Participant{UserID: "bob", RoomID: "standup"}
)

// switchboard routes signals between in-process endpoints, one ordered
// inbox per participant, the way the rendezvous server and the signaling
// dispatch goroutine would.
type switchboard struct {
	mu    sync.Mutex
	boxes map[identity.Participant]chan signaling.Signal
}

func newSwitchboard() *switchboard {
	return &switchboard{boxes: make(map[identity.Participant]chan signaling.Signal)}
}

func (b *switchboard) attach(t *testing.T, who identity.Participant, e *Endpoint) {
	inbox := make(chan signaling.Signal, 256)
	b.mu.Lock()
	b.boxes[who] = inbox
	b.mu.Unlock()

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case sig := <-inbox:
				e.HandleSignal(sig)
			case <-done:
				return
			}
		}
	}()
}

type boardSender struct {
	self  identity.Participant
	board *switchboard

	mu      sync.Mutex
	sent    []signaling.Signal
	tracked map[string]io.Closer
}

func newBoardSender(self identity.Participant, b *switchboard) *boardSender {
	return &boardSender{self: self, board: b, tracked: make(map[string]io.Closer)}
}

func (s *boardSender) Send(_ context.Context, sig signaling.Signal) error {
	sig.From = s.self
	if err := sig.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, sig)
	s.mu.Unlock()

	if s.board == nil {
		return nil
	}
	s.board.mu.Lock()
	inbox := s.board.boxes[sig.To]
	s.board.mu.Unlock()
	if inbox == nil {
		return &signaling.Error{Kind: signaling.ErrorPeerUnavailable}
	}
	inbox <- sig
	return nil
}

func (s *boardSender) Track(id string, closer io.Closer) func() {
	s.mu.Lock()
	s.tracked[id] = closer
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.tracked, id)
		s.mu.Unlock()
	}
}

func (s *boardSender) kinds() []signaling.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []signaling.Kind
	for _, sig := range s.sent {
		out = append(out, sig.Kind)
	}
	return out
}

func (s *boardSender) destroy() {
	s.mu.Lock()
	tracked := s.tracked
	s.tracked = make(map[string]io.Closer)
	s.mu.Unlock()
	for _, c := range tracked {
		_ = c.Close()
	}
}

// toneSource emits a small Opus-like payload every 20ms until closed.
type toneSource struct {
	seq    uint16
	ts     uint32
	closed chan struct{}
	once   sync.Once
}

func newToneSource() *toneSource { return &toneSource{closed: make(chan struct{})} }

func (s *toneSource) ReadPackets() ([]*rtp.Packet, error) {
	select {
	case <-s.closed:
		return nil, io.EOF
	case <-time.After(20 * time.Millisecond):
	}
	s.seq++
	s.ts += 960
	return []*rtp.Packet{{
		Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: s.seq, Timestamp: s.ts, SSRC: 1},
		Payload: []byte{0xfc, 0xff, 0xfe},
	}}, nil
}

func (s *toneSource) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func localAudio(t *testing.T, who identity.Participant) *media.Stream {
	t.Helper()
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	track, err := media.NewLocalTrack("audio-"+who.UserID, who.String(), media.KindAudio, codec, newToneSource(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewLocalTrack: %v", err)
	}
	s := media.NewStream(who.String(), track)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func loopback(se *webrtc.SettingEngine) {
	se.SetIncludeLoopbackCandidate(true)
	se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
}

func newTestEndpoint(t *testing.T, sender Sender) *Endpoint {
	t.Helper()
	e, err := NewEndpoint(sender, config.ICEConfig{}, zaptest.NewLogger(t),
		WithSettingEngine(loopback), WithSendTimeout(time.Second))
	if err != nil {
		t.Fatalf("NewEndpoint: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

type callEvents struct {
	streams chan *media.Stream
	closes  chan error
}

func newCallEvents() *callEvents {
	return &callEvents{streams: make(chan *media.Stream, 4), closes: make(chan error, 4)}
}

func (ev *callEvents) handlers() mesh.Handlers {
	return mesh.Handlers{
		OnStream: func(s *media.Stream) { ev.streams <- s },
		OnClose:  func(err error) { ev.closes <- err },
	}
}

func waitStream(t *testing.T, ev *callEvents, who string) *media.Stream {
	t.Helper()
	select {
	case s := <-ev.streams:
		return s
	case <-time.After(20 * time.Second):
		t.Fatalf("%s never received a remote stream", who)
		return nil
	}
}

func waitClose(t *testing.T, ev *callEvents, who string) error {
	t.Helper()
	select {
	case err := <-ev.closes:
		return err
	case <-time.After(10 * time.Second):
		t.Fatalf("%s call never closed", who)
		return nil
	}
}

func TestCallConnectsBothWays(t *testing.T) {
	board := newSwitchboard()
	aliceEP := newTestEndpoint(t, newBoardSender(alice, board))
	bobEP := newTestEndpoint(t, newBoardSender(bob, board))
	board.attach(t, alice, aliceEP)
	board.attach(t, bob, bobEP)

	bobEvents := newCallEvents()
	bobLocal := localAudio(t, bob)
	bobEP.OnIncoming(func(in mesh.IncomingCall) {
		if in.Remote() != alice {
			t.Errorf("incoming call from %s, want alice", in.Remote())
		}
		if err := in.Answer(context.Background(), bobLocal, bobEvents.handlers()); err != nil {
			t.Errorf("Answer: %v", err)
		}
	})

	aliceEvents := newCallEvents()
	call, err := aliceEP.Dial(context.Background(), bob, localAudio(t, alice), aliceEvents.handlers())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	fromBob := waitStream(t, aliceEvents, "alice")
	fromAlice := waitStream(t, bobEvents, "bob")
	if len(fromBob.AudioTracks()) != 1 || len(fromAlice.AudioTracks()) != 1 {
		t.Fatalf("audio tracks: alice sees %d, bob sees %d", len(fromBob.AudioTracks()), len(fromAlice.AudioTracks()))
	}
	if fromAlice.ID() != alice.String() {
		t.Fatalf("remote stream id = %q", fromAlice.ID())
	}

	got := make(chan struct{}, 1)
	unsubscribe := fromAlice.AudioTracks()[0].Subscribe(media.SinkFunc(func(*rtp.Packet) error {
		select {
		case got <- struct{}{}:
		default:
		}
		return nil
	}))
	defer unsubscribe()
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("no media flowed from alice to bob")
	}
	if sample, ok := bobEP.Samples()[alice]; !ok || sample.Timestamp.IsZero() {
		t.Fatalf("bob has no statistics for alice: %+v", bobEP.Samples())
	}

	if err := call.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := waitClose(t, aliceEvents, "alice"); err != nil {
		t.Fatalf("local hangup reason = %v, want nil", err)
	}
	if err := waitClose(t, bobEvents, "bob"); !errors.Is(err, ErrRemoteHangup) {
		t.Fatalf("remote close reason = %v, want ErrRemoteHangup", err)
	}
	if fromAlice.Active() {
		t.Fatal("remote stream should end with the call")
	}

	select {
	case s := <-aliceEvents.streams:
		t.Fatalf("OnStream fired twice (%s)", s.ID())
	case err := <-aliceEvents.closes:
		t.Fatalf("OnClose fired twice (%v)", err)
	default:
	}
}

func TestRejectedCall(t *testing.T) {
	board := newSwitchboard()
	aliceEP := newTestEndpoint(t, newBoardSender(alice, board))
	bobSender := newBoardSender(bob, board)
	bobEP := newTestEndpoint(t, bobSender)
	board.attach(t, alice, aliceEP)
	board.attach(t, bob, bobEP)

	bobEP.OnIncoming(func(in mesh.IncomingCall) {
		if err := in.Reject(context.Background()); err != nil {
			t.Errorf("Reject: %v", err)
		}
	})

	events := newCallEvents()
	if _, err := aliceEP.Dial(context.Background(), bob, localAudio(t, alice), events.handlers()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := waitClose(t, events, "alice"); !errors.Is(err, ErrRejected) {
		t.Fatalf("close reason = %v, want ErrRejected", err)
	}
	if aliceEP.Calls() != 0 {
		t.Fatal("rejected call still tracked")
	}

	deadline := time.Now().Add(5 * time.Second)
	for bobEP.Calls() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("bob kept the rejected call")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDialUnavailablePeer(t *testing.T) {
	aliceEP := newTestEndpoint(t, newBoardSender(alice, newSwitchboard()))
	events := newCallEvents()

	_, err := aliceEP.Dial(context.Background(), bob, localAudio(t, alice), events.handlers())
	var serr *signaling.Error
	if !errors.As(err, &serr) || serr.Kind != signaling.ErrorPeerUnavailable {
		t.Fatalf("Dial = %v, want peer-unavailable", err)
	}
	if aliceEP.Calls() != 0 {
		t.Fatal("failed dial left a call behind")
	}
	select {
	case err := <-events.closes:
		t.Fatalf("failed dial fired OnClose(%v); the error is the report", err)
	default:
	}
}

func TestInvalidOfferIsRejected(t *testing.T) {
	sender := newBoardSender(bob, nil)
	e := newTestEndpoint(t, sender)
	called := false
	e.OnIncoming(func(mesh.IncomingCall) { called = true })

	e.HandleSignal(signaling.Signal{
		CallID: "c1",
		Kind:   signaling.KindOffer,
		From:   alice,
		To:     bob,
		SDP:    &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
	})
	if called || e.Calls() != 0 {
		t.Fatal("invalid offer reached the incoming handler")
	}
	if kinds := sender.kinds(); len(kinds) != 1 || kinds[0] != signaling.KindReject {
		t.Fatalf("sent %v, want a single reject", kinds)
	}

	// Signals for calls we do not know are dropped silently.
	e.HandleSignal(signaling.Signal{CallID: "nope", Kind: signaling.KindHangup, From: alice, To: bob})
	if len(sender.kinds()) != 1 {
		t.Fatal("unknown call produced a reply")
	}
}

func TestIncomingWithoutHandlerIsRejected(t *testing.T) {
	sender := newBoardSender(bob, nil)
	e := newTestEndpoint(t, sender)

	e.HandleSignal(signaling.Signal{CallID: "c1", Kind: signaling.KindOffer, From: alice, To: bob, SDP: realOffer(t)})
	if kinds := sender.kinds(); len(kinds) != 1 || kinds[0] != signaling.KindReject {
		t.Fatalf("sent %v, want a single reject", kinds)
	}
}

func TestDestroyingSignalingClosesCalls(t *testing.T) {
	sender := newBoardSender(bob, nil)
	e := newTestEndpoint(t, sender)

	incoming := make(chan mesh.IncomingCall, 1)
	e.OnIncoming(func(in mesh.IncomingCall) { incoming <- in })
	e.HandleSignal(signaling.Signal{CallID: "c1", Kind: signaling.KindOffer, From: alice, To: bob, SDP: realOffer(t)})

	var in mesh.IncomingCall
	select {
	case in = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("incoming handler not called")
	}
	events := newCallEvents()
	if err := in.Answer(context.Background(), localAudio(t, bob), events.handlers()); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if err := in.Answer(context.Background(), nil, events.handlers()); !errors.Is(err, ErrAlreadyAnswered) {
		t.Fatalf("second Answer = %v, want ErrAlreadyAnswered", err)
	}

	sender.destroy()
	if err := waitClose(t, events, "bob"); err != nil {
		t.Fatalf("close reason = %v, want nil", err)
	}
	if e.Calls() != 0 {
		t.Fatal("destroyed call still tracked")
	}
	kinds := sender.kinds()
	if kinds[0] != signaling.KindAnswer || !slices.Contains(kinds, signaling.KindHangup) {
		t.Fatalf("sent %v, want the answer first and a hangup", kinds)
	}
}

func TestClosedEndpointRefusesCalls(t *testing.T) {
	e := newTestEndpoint(t, newBoardSender(alice, newSwitchboard()))
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Dial(context.Background(), bob, nil, mesh.Handlers{}); !errors.Is(err, ErrEndpointClosed) {
		t.Fatalf("Dial = %v, want ErrEndpointClosed", err)
	}
}

// realOffer produces a complete offer from a throwaway pion connection.
func realOffer(t *testing.T) *webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatal(err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	return pc.LocalDescription()
}

func TestValidateSDP(t *testing.T) {
	offer := realOffer(t)
	tests := []struct {
		name  string
		sd    *webrtc.SessionDescription
		field string
	}{
		{"nil", nil, "SessionDescription"},
		{"no media", &webrtc.SessionDescription{SDP: "v=0\r\na=ice-ufrag:x\r\n"}, "Media"},
		{"no ice", &webrtc.SessionDescription{SDP: "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=fingerprint:sha-256 AB\r\n"}, "ICE"},
		{"no dtls", &webrtc.SessionDescription{SDP: "v=0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\na=ice-ufrag:x\r\n"}, "DTLS"},
		{"empty fingerprint", &webrtc.SessionDescription{SDP: "m=audio 9 X 111\r\na=ice-ufrag:x\r\na=fingerprint:\r\n"}, "Fingerprint"},
		{"data only", &webrtc.SessionDescription{SDP: "m=application 9 X\r\na=ice-ufrag:x\r\na=fingerprint:sha-256 AB\r\n"}, "Media"},
		{"pion offer", offer, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSDP(tt.sd)
			if tt.field == "" {
				if err != nil {
					t.Fatalf("validateSDP: %v", err)
				}
				return
			}
			var verr *SDPValidationError
			if !errors.As(err, &verr) || verr.Field != tt.field {
				t.Fatalf("validateSDP = %v, want error in %s", err, tt.field)
			}
		})
	}
}
