package media

import (
	"io"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// remoteSource adapts a webrtc.TrackRemote to Source.
type remoteSource struct {
	track *webrtc.TrackRemote

	mu     sync.Mutex
	closed bool
}

// NewRemoteSource wraps an inbound track. Closing the source unblocks a
// pending read; the track itself ends when its peer connection closes.
func NewRemoteSource(track *webrtc.TrackRemote) Source {
	return &remoteSource{track: track}
}

func (s *remoteSource) ReadPackets() ([]*rtp.Packet, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, io.EOF
	}

	p, _, err := s.track.ReadRTP()
	if err != nil {
		return nil, err
	}
	return []*rtp.Packet{p}, nil
}

func (s *remoteSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.track.SetReadDeadline(time.Now())
}

// KindOf maps a pion codec type onto Kind.
func KindOf(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

// TrackFromRemote builds a remote Track for an inbound pion track.
func TrackFromRemote(remote *webrtc.TrackRemote, streamID string, logger *zap.Logger) (*Track, error) {
	return NewRemoteTrack(remote.ID(), streamID, KindOf(remote.Kind()),
		remote.Codec().RTPCodecCapability, NewRemoteSource(remote), logger)
}
