// Package peer carries mesh calls over pion peer connections, negotiating
// them through the signaling connection.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/meshroom/internal/config"
	"github.com/mikeyg42/meshroom/internal/identity"
	"github.com/mikeyg42/meshroom/internal/logging"
	"github.com/mikeyg42/meshroom/internal/media"
	"github.com/mikeyg42/meshroom/internal/mesh"
	"github.com/mikeyg42/meshroom/internal/quality"
	"github.com/mikeyg42/meshroom/internal/signaling"
)

var (
	ErrRemoteHangup     = errors.New("peer: remote hung up")
	ErrRejected         = errors.New("peer: call rejected")
	ErrConnectionFailed = errors.New("peer: connection failed")
	ErrEndpointClosed   = errors.New("peer: endpoint closed")
	ErrAlreadyAnswered  = errors.New("peer: call already answered")
)

// Sender is the part of the signaling connection calls need.
// *signaling.Connection satisfies it.
type Sender interface {
	Send(ctx context.Context, sig signaling.Signal) error
	Track(id string, closer io.Closer) (untrack func())
}

type Option func(*Endpoint)

// WithSettingEngine adjusts the pion setting engine before the API is
// built, for example to allow loopback candidates.
func WithSettingEngine(fn func(*webrtc.SettingEngine)) Option {
	return func(e *Endpoint) { e.settings = append(e.settings, fn) }
}

// WithSendTimeout bounds each signaling send made on behalf of a call.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Endpoint) { e.sendTimeout = d }
}

// Endpoint owns the pion API and every call of one participant.
type Endpoint struct {
	sender      Sender
	api         *webrtc.API
	pcConfig    webrtc.Configuration
	logger      *zap.Logger
	settings    []func(*webrtc.SettingEngine)
	sendTimeout time.Duration

	mu       sync.Mutex
	calls    map[string]*Call
	incoming func(*Call)
	closed   bool
}

func NewEndpoint(sender Sender, ice config.ICEConfig, logger *zap.Logger, opts ...Option) (*Endpoint, error) {
	if logger == nil {
		logger = zap.L()
	}
	e := &Endpoint{
		sender:      sender,
		logger:      logger.Named("peer"),
		sendTimeout: 5 * time.Second,
		calls:       make(map[string]*Call),
	}
	for _, opt := range opts {
		opt(e)
	}

	api, err := e.newAPI()
	if err != nil {
		return nil, err
	}
	e.api = api

	if len(ice.STUNServers) > 0 {
		e.pcConfig.ICEServers = []webrtc.ICEServer{{URLs: ice.STUNServers}}
	}
	return e, nil
}

func (e *Endpoint) newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "transport-cc"}, webrtc.RTPCodecTypeVideo)
	mediaEngine.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeAudio)

	settingEngine := webrtc.SettingEngine{LoggerFactory: logging.NewPionFactory(e.logger)}
	for _, fn := range e.settings {
		fn(&settingEngine)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

// OnIncoming registers the handler for inbound offers. The mesh manager
// decides whether to answer or reject.
func (e *Endpoint) OnIncoming(fn func(mesh.IncomingCall)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		e.incoming = nil
		return
	}
	e.incoming = func(c *Call) { fn(c) }
}

// Dial places a call to remote, offering every track of local.
func (e *Endpoint) Dial(ctx context.Context, remote identity.Participant, local *media.Stream, h mesh.Handlers) (mesh.Call, error) {
	c := e.newCall(uuid.NewString(), remote, false)
	c.handlers = h
	if err := e.add(c); err != nil {
		return nil, err
	}
	e.track(c)

	if err := c.open(); err != nil {
		c.abort()
		return nil, err
	}
	if err := c.addLocalTracks(local); err != nil {
		c.abort()
		return nil, err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.abort()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		c.abort()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	if err := c.sendDescription(ctx, signaling.KindOffer, c.pc.LocalDescription()); err != nil {
		c.abort()
		return nil, fmt.Errorf("failed to send offer: %w", err)
	}

	e.logger.Info("Offer sent", zap.String("call_id", c.id), zap.String("remote", remote.String()))
	return c, nil
}

// HandleSignal applies one signal from the rendezvous server.
func (e *Endpoint) HandleSignal(sig signaling.Signal) {
	logger := e.logger.With(
		zap.String("call_id", sig.CallID),
		zap.String("kind", string(sig.Kind)),
		zap.String("from", sig.From.String()))

	if sig.Kind == signaling.KindOffer {
		e.handleOffer(sig, logger)
		return
	}

	e.mu.Lock()
	c := e.calls[sig.CallID]
	e.mu.Unlock()
	if c == nil || c.remote != sig.From {
		logger.Debug("Signal for unknown call dropped")
		return
	}

	switch sig.Kind {
	case signaling.KindAnswer:
		if err := c.applyAnswer(sig.SDP); err != nil {
			logger.Warn("Failed to apply answer", zap.Error(err))
			go c.shutdown(err, true)
		}
	case signaling.KindCandidate:
		if sig.Candidate == nil {
			return
		}
		if err := c.addCandidate(*sig.Candidate); err != nil {
			logger.Warn("Failed to add ICE candidate", zap.Error(err))
		}
	case signaling.KindHangup:
		go c.shutdown(ErrRemoteHangup, false)
	case signaling.KindReject:
		go c.shutdown(ErrRejected, false)
	}
}

func (e *Endpoint) handleOffer(sig signaling.Signal, logger *zap.Logger) {
	if err := validateSDP(sig.SDP); err != nil {
		logger.Warn("Invalid offer", zap.Error(err))
		e.sendReject(sig)
		return
	}

	e.mu.Lock()
	handler := e.incoming
	e.mu.Unlock()
	if handler == nil {
		logger.Warn("No handler for inbound calls, rejecting")
		e.sendReject(sig)
		return
	}

	c := e.newCall(sig.CallID, sig.From, true)
	c.offer = sig.SDP
	if err := e.add(c); err != nil {
		logger.Warn("Offer not accepted", zap.Error(err))
		e.sendReject(sig)
		return
	}
	e.track(c)
	logger.Info("Incoming call")
	// The manager may answer, which sends over signaling; keep that off the
	// dispatch goroutine.
	go handler(c)
}

func (e *Endpoint) sendReject(sig signaling.Signal) {
	ctx, cancel := context.WithTimeout(context.Background(), e.sendTimeout)
	defer cancel()
	_ = e.sender.Send(ctx, signaling.Signal{CallID: sig.CallID, Kind: signaling.KindReject, To: sig.From})
}

func (e *Endpoint) add(c *Call) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEndpointClosed
	}
	if _, ok := e.calls[c.id]; ok {
		return fmt.Errorf("duplicate call id %q", c.id)
	}
	e.calls[c.id] = c
	return nil
}

// track registers c with the signaling connection so that destroying it
// closes the call. A destroyed connection closes c right away.
func (e *Endpoint) track(c *Call) {
	untrack := e.sender.Track(c.id, c)
	c.mu.Lock()
	c.untrack = untrack
	c.mu.Unlock()
}

func (e *Endpoint) forget(id string) {
	e.mu.Lock()
	delete(e.calls, id)
	e.mu.Unlock()
}

// Calls is the number of calls in progress.
func (e *Endpoint) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// Samples returns the statistics of every open peer connection by remote.
// When a remote briefly has two calls, the one carrying its stream wins.
func (e *Endpoint) Samples() map[identity.Participant]quality.Sample {
	e.mu.Lock()
	calls := make([]*Call, 0, len(e.calls))
	for _, c := range e.calls {
		calls = append(calls, c)
	}
	e.mu.Unlock()

	now := time.Now()
	out := make(map[identity.Participant]quality.Sample, len(calls))
	for _, c := range calls {
		c.mu.Lock()
		pc, stream, closed := c.pc, c.stream, c.closed
		c.mu.Unlock()
		if pc == nil || closed {
			continue
		}
		if _, dup := out[c.remote]; dup && stream == nil {
			continue
		}
		out[c.remote] = quality.FromReport(pc.GetStats(), now)
	}
	return out
}

// Close hangs up every call and refuses new ones.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	calls := make([]*Call, 0, len(e.calls))
	for _, c := range e.calls {
		calls = append(calls, c)
	}
	e.mu.Unlock()

	var errs []error
	for _, c := range calls {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
