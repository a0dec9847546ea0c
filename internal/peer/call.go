package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/meshroom/internal/identity"
	"github.com/mikeyg42/meshroom/internal/media"
	"github.com/mikeyg42/meshroom/internal/mesh"
	"github.com/mikeyg42/meshroom/internal/signaling"
)

var errCallClosed = errors.New("peer: call closed")

// Call is one peer connection to one remote participant. Outbound calls
// come from Endpoint.Dial; inbound calls are handed to the OnIncoming
// handler and wait for Answer or Reject.
type Call struct {
	id       string
	remote   identity.Participant
	inbound  bool
	endpoint *Endpoint
	logger   *zap.Logger

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	offer    *webrtc.SessionDescription
	handlers mesh.Handlers
	answered bool
	// Remote candidates wait for the remote description; local ones wait
	// until our description has been sent so they never overtake it.
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit
	signalled     bool
	pendingLocal  []webrtc.ICECandidateInit
	stream        *media.Stream
	closed        bool
	untrack       func()
}

var _ mesh.IncomingCall = (*Call)(nil)

func (e *Endpoint) newCall(id string, remote identity.Participant, inbound bool) *Call {
	return &Call{
		id:       id,
		remote:   remote,
		inbound:  inbound,
		endpoint: e,
		logger:   e.logger.With(zap.String("call_id", id), zap.String("remote", remote.String())),
	}
}

func (c *Call) ID() string                   { return c.id }
func (c *Call) Remote() identity.Participant { return c.remote }

// Stream returns the remote stream once a track has arrived.
func (c *Call) Stream() *media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *Call) open() error {
	pc, err := c.endpoint.api.NewPeerConnection(c.endpoint.pcConfig)
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = pc.Close()
		return errCallClosed
	}
	c.pc = pc
	c.mu.Unlock()

	pc.OnICECandidate(c.onICECandidate)
	pc.OnTrack(c.onTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Info("Connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed:
			go c.shutdown(ErrConnectionFailed, true)
		case webrtc.PeerConnectionStateClosed:
			go c.shutdown(ErrConnectionFailed, false)
		}
	})
	return nil
}

// addLocalTracks binds the shared local tracks to this connection. An
// outbound call also asks to receive the kinds it does not send, so that
// an audio-only participant still sees everyone else's video.
func (c *Call) addLocalTracks(local *media.Stream) error {
	sending := map[webrtc.RTPCodecType]bool{}
	if local != nil {
		for _, t := range local.Tracks() {
			if t.Local() == nil {
				continue
			}
			sender, err := c.pc.AddTrack(t.Local())
			if err != nil {
				return fmt.Errorf("failed to add %s track: %w", t.Kind(), err)
			}
			sending[codecType(t.Kind())] = true
			go drainRTCP(sender)
		}
	}
	if c.inbound {
		return nil
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if sending[kind] {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func codecType(k media.Kind) webrtc.RTPCodecType {
	if k == media.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

// drainRTCP reads sender reports until the sender closes.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// Answer accepts an inbound call: it applies the offer, binds the local
// tracks and sends the answer.
func (c *Call) Answer(ctx context.Context, local *media.Stream, h mesh.Handlers) error {
	c.mu.Lock()
	switch {
	case !c.inbound || c.answered:
		c.mu.Unlock()
		return ErrAlreadyAnswered
	case c.closed:
		c.mu.Unlock()
		return errCallClosed
	}
	c.answered = true
	c.handlers = h
	offer := c.offer
	c.mu.Unlock()

	if err := c.open(); err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(*offer); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	if err := c.flushRemoteCandidates(); err != nil {
		c.logger.Warn("Queued ICE candidate rejected", zap.Error(err))
	}
	if err := c.addLocalTracks(local); err != nil {
		return err
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if err := c.sendDescription(ctx, signaling.KindAnswer, c.pc.LocalDescription()); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	c.logger.Info("Call answered")
	return nil
}

// Reject declines an inbound call and releases it.
func (c *Call) Reject(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.handlers = mesh.Handlers{}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.endpoint.sendTimeout)
	defer cancel()
	err := c.endpoint.sender.Send(ctx, signaling.Signal{CallID: c.id, Kind: signaling.KindReject, To: c.remote})
	c.shutdown(nil, false)
	return err
}

// Close hangs up. It is safe to call more than once.
func (c *Call) Close() error {
	return c.shutdown(nil, true)
}

// abort tears down a call that never reached the caller.
func (c *Call) abort() {
	c.mu.Lock()
	c.handlers = mesh.Handlers{}
	c.mu.Unlock()
	_ = c.shutdown(nil, false)
}

func (c *Call) shutdown(reason error, notify bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pc, stream, h, untrack := c.pc, c.stream, c.handlers, c.untrack
	c.mu.Unlock()

	c.endpoint.forget(c.id)
	if untrack != nil {
		untrack()
	}

	var errs []error
	if notify {
		ctx, cancel := context.WithTimeout(context.Background(), c.endpoint.sendTimeout)
		if err := c.endpoint.sender.Send(ctx, signaling.Signal{CallID: c.id, Kind: signaling.KindHangup, To: c.remote}); err != nil {
			c.logger.Debug("Hangup not delivered", zap.Error(err))
		}
		cancel()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer connection: %w", err))
		}
	}
	if stream != nil {
		if err := stream.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Info("Call closed", zap.NamedError("reason", reason))
	if h.OnClose != nil {
		h.OnClose(reason)
	}
	return errors.Join(errs...)
}

func (c *Call) sendDescription(ctx context.Context, kind signaling.Kind, sd *webrtc.SessionDescription) error {
	ctx, cancel := context.WithTimeout(ctx, c.endpoint.sendTimeout)
	defer cancel()
	if err := c.endpoint.sender.Send(ctx, signaling.Signal{CallID: c.id, Kind: kind, To: c.remote, SDP: sd}); err != nil {
		return err
	}

	c.mu.Lock()
	c.signalled = true
	queued := c.pendingLocal
	c.pendingLocal = nil
	c.mu.Unlock()
	for _, cand := range queued {
		c.sendCandidate(cand)
	}
	return nil
}

func (c *Call) onICECandidate(cand *webrtc.ICECandidate) {
	if cand == nil {
		return
	}
	init := cand.ToJSON()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.signalled {
		c.pendingLocal = append(c.pendingLocal, init)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.sendCandidate(init)
}

func (c *Call) sendCandidate(init webrtc.ICECandidateInit) {
	ctx, cancel := context.WithTimeout(context.Background(), c.endpoint.sendTimeout)
	defer cancel()
	if err := c.endpoint.sender.Send(ctx, signaling.Signal{CallID: c.id, Kind: signaling.KindCandidate, To: c.remote, Candidate: &init}); err != nil {
		c.logger.Warn("Failed to send ICE candidate", zap.Error(err))
	}
}

func (c *Call) applyAnswer(sd *webrtc.SessionDescription) error {
	if c.inbound {
		return errors.New("answer received for an inbound call")
	}
	if err := validateSDP(sd); err != nil {
		return err
	}
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return errCallClosed
	}
	if err := pc.SetRemoteDescription(*sd); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return c.flushRemoteCandidates()
}

func (c *Call) addCandidate(init webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if !c.remoteSet {
		c.pendingRemote = append(c.pendingRemote, init)
		c.mu.Unlock()
		return nil
	}
	pc := c.pc
	c.mu.Unlock()
	return pc.AddICECandidate(init)
}

func (c *Call) flushRemoteCandidates() error {
	c.mu.Lock()
	c.remoteSet = true
	queued := c.pendingRemote
	c.pendingRemote = nil
	pc := c.pc
	c.mu.Unlock()

	var errs []error
	for _, cand := range queued {
		if err := pc.AddICECandidate(cand); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Call) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	track, err := media.TrackFromRemote(remote, c.remote.String(), c.logger)
	if err != nil {
		c.logger.Warn("Failed to wrap remote track", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = track.Stop()
		return
	}
	first := c.stream == nil
	if first {
		c.stream = media.NewStream(c.remote.String())
	}
	c.stream.AddTrack(track)
	stream, h := c.stream, c.handlers
	c.mu.Unlock()

	c.logger.Info("Remote track received",
		zap.String("kind", string(track.Kind())),
		zap.String("codec", track.Codec().MimeType))
	if first && h.OnStream != nil {
		h.OnStream(stream)
	}
}
