// Package media models local and remote media streams. A Track is fed by a
// Source through a pump goroutine and fans RTP packets out to Sinks: the
// shared webrtc.TrackLocalStaticRTP every peer connection binds to, and any
// recorder that subscribes.
package media

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

var (
	ErrTrackEnded = errors.New("media: track ended")
	ErrNilSource  = errors.New("media: nil source")
)

// Source produces RTP packets for a track. ReadPackets blocks until packets
// are available and returns an error once the source is closed or exhausted.
type Source interface {
	ReadPackets() ([]*rtp.Packet, error)
	Close() error
}

// Sink consumes packets. Sinks must not modify or retain the packet; clone
// it if it has to outlive the call.
type Sink interface {
	WriteRTP(p *rtp.Packet) error
}

type SinkFunc func(p *rtp.Packet) error

func (f SinkFunc) WriteRTP(p *rtp.Packet) error { return f(p) }

// Track is one audio or video track.
type Track struct {
	id       string
	streamID string
	kind     Kind
	codec    webrtc.RTPCodecCapability
	local    *webrtc.TrackLocalStaticRTP
	logger   *zap.Logger

	enabled atomic.Bool

	mu       sync.Mutex
	src      Source
	sinks    map[uint64]Sink
	nextSink uint64
	stopped  bool
	seq      *sequencer

	done chan struct{}
}

// NewLocalTrack creates a captured track. The returned track owns a
// TrackLocalStaticRTP that can be added to any number of peer connections.
func NewLocalTrack(id, streamID string, kind Kind, codec webrtc.RTPCodecCapability, src Source, logger *zap.Logger) (*Track, error) {
	if src == nil {
		return nil, ErrNilSource
	}
	local, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create local %s track: %w", kind, err)
	}
	t := newTrack(id, streamID, kind, codec, src, logger)
	t.local = local
	t.seq = &sequencer{}
	t.sinks[0] = local
	t.nextSink = 1
	go t.pump()
	return t, nil
}

// NewRemoteTrack wraps a track received from a peer.
func NewRemoteTrack(id, streamID string, kind Kind, codec webrtc.RTPCodecCapability, src Source, logger *zap.Logger) (*Track, error) {
	if src == nil {
		return nil, ErrNilSource
	}
	t := newTrack(id, streamID, kind, codec, src, logger)
	go t.pump()
	return t, nil
}

func newTrack(id, streamID string, kind Kind, codec webrtc.RTPCodecCapability, src Source, logger *zap.Logger) *Track {
	if logger == nil {
		logger = zap.L()
	}
	t := &Track{
		id:       id,
		streamID: streamID,
		kind:     kind,
		codec:    codec,
		src:      src,
		sinks:    make(map[uint64]Sink),
		logger:   logger.Named("track").With(zap.String("track", id), zap.String("kind", string(kind))),
		done:     make(chan struct{}),
	}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string                       { return t.id }
func (t *Track) StreamID() string                 { return t.streamID }
func (t *Track) Kind() Kind                       { return t.kind }
func (t *Track) Codec() webrtc.RTPCodecCapability { return t.codec }

// Local returns the shared local track for peer connections, or nil for a
// remote track.
func (t *Track) Local() *webrtc.TrackLocalStaticRTP { return t.local }

func (t *Track) Remote() bool { return t.local == nil }

func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled gates packet delivery. A disabled track keeps reading its
// source but forwards nothing, so peers see silence or a frozen frame
// without any renegotiation.
func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Subscribe adds a sink and returns a function that removes it.
func (t *Track) Subscribe(s Sink) (unsubscribe func()) {
	t.mu.Lock()
	id := t.nextSink
	t.nextSink++
	t.sinks[id] = s
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.sinks, id)
			t.mu.Unlock()
		})
	}
}

// ReplaceSource swaps the feeding source and closes the previous one. Peers
// and subscribers are untouched; sequence numbers and timestamps stay
// continuous for local tracks.
func (t *Track) ReplaceSource(src Source) error {
	if src == nil {
		return ErrNilSource
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrTrackEnded
	}
	old := t.src
	t.src = src
	if t.seq != nil {
		t.seq.rebase()
	}
	t.mu.Unlock()

	if err := old.Close(); err != nil {
		t.logger.Debug("Closing replaced source failed", zap.Error(err))
	}
	return nil
}

// Stop ends the track and closes its source. Only the owner of the track
// calls Stop; consumers unsubscribe instead.
func (t *Track) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	src := t.src
	t.mu.Unlock()

	return src.Close()
}

// Done is closed when the pump has exited.
func (t *Track) Done() <-chan struct{} { return t.done }

func (t *Track) Ended() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *Track) pump() {
	defer close(t.done)

	for {
		t.mu.Lock()
		src := t.src
		t.mu.Unlock()

		pkts, err := src.ReadPackets()
		if err != nil {
			t.mu.Lock()
			stopped, replaced := t.stopped, t.src != src
			t.mu.Unlock()

			if replaced && !stopped {
				continue
			}
			if !stopped {
				t.mu.Lock()
				t.stopped = true
				t.mu.Unlock()
				t.logger.Debug("Track source ended", zap.Error(err))
			}
			return
		}

		if !t.enabled.Load() {
			continue
		}

		t.mu.Lock()
		if t.src != src {
			t.mu.Unlock()
			continue
		}
		sinks := make([]Sink, 0, len(t.sinks))
		for _, s := range t.sinks {
			sinks = append(sinks, s)
		}
		seq := t.seq
		t.mu.Unlock()

		for _, p := range pkts {
			if p == nil {
				continue
			}
			if seq != nil {
				seq.rewrite(p)
			}
			for _, s := range sinks {
				if err := s.WriteRTP(p); err != nil {
					t.logger.Debug("Sink rejected packet", zap.Error(err))
				}
			}
		}
	}
}

// sequencer keeps RTP sequence numbers and timestamps monotonic across
// source swaps so receivers do not treat the new source as loss.
type sequencer struct {
	mu      sync.Mutex
	started bool
	pending bool
	seqOff  uint16
	tsOff   uint32
	lastSeq uint16
	lastTS  uint32
}

// rebase marks the next packet as the first of a new source.
func (s *sequencer) rebase() {
	s.mu.Lock()
	s.pending = s.started
	s.mu.Unlock()
}

func (s *sequencer) rewrite(p *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending {
		s.seqOff = s.lastSeq + 1 - p.SequenceNumber
		s.tsOff = s.lastTS + 1 - p.Timestamp
		s.pending = false
	}
	p.SequenceNumber += s.seqOff
	p.Timestamp += s.tsOff
	s.lastSeq = p.SequenceNumber
	s.lastTS = p.Timestamp
	s.started = true
}
