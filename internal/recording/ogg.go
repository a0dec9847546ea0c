package recording

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/mikeyg42/meshroom/internal/media"
)

// oggMuxer writes a single Opus track with pion's oggwriter.
type oggMuxer struct {
	mu     sync.Mutex
	w      *oggwriter.OggWriter
	closed bool
}

func newOggMuxer(w io.WriteCloser, specs []TrackSpec) (*oggMuxer, error) {
	if len(specs) != 1 || specs[0].Kind != media.KindAudio {
		return nil, fmt.Errorf("%w: audio/ogg holds exactly one audio track", ErrCodecMismatch)
	}
	codec := specs[0].Codec
	channels := codec.Channels
	if channels == 0 {
		channels = 2
	}
	ow, err := oggwriter.NewWith(w, codec.ClockRate, channels)
	if err != nil {
		return nil, fmt.Errorf("failed to create Ogg writer: %w", err)
	}
	return &oggMuxer{w: ow}, nil
}

func (m *oggMuxer) WriteRTP(track int, p *rtp.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("recording: muxer closed")
	}
	if track != 0 {
		return fmt.Errorf("recording: no track %d", track)
	}
	return m.w.WriteRTP(p)
}

func (m *oggMuxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.w.Close()
}
