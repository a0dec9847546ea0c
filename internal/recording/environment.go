package recording

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/meshroom/internal/media"
)

var (
	ErrUnsupportedContainer = errors.New("recording: container not supported")
	ErrCodecMismatch        = errors.New("recording: stream codec does not match container")
)

// TrackSpec describes one track handed to a muxer.
type TrackSpec struct {
	Kind   media.Kind
	Codec  webrtc.RTPCodecCapability
	Width  int
	Height int
}

// Muxer writes RTP packets of several tracks into one container. WriteRTP
// may be called concurrently for different tracks.
type Muxer interface {
	WriteRTP(track int, p *rtp.Packet) error
	Close() error
}

// Environment answers which containers can be produced and builds muxers
// for them.
type Environment interface {
	Supported() bool
	IsTypeSupported(mimeType string) bool
	NewMuxer(mimeType string, w io.WriteCloser, tracks []TrackSpec) (Muxer, error)
}

// defaultEnvironment produces WebM through ebml-go and Ogg/Opus through
// pion's oggwriter. Only VP8 video and Opus audio can be muxed.
type defaultEnvironment struct{}

func DefaultEnvironment() Environment { return defaultEnvironment{} }

func (defaultEnvironment) Supported() bool { return true }

func (defaultEnvironment) IsTypeSupported(mimeType string) bool {
	c, ok := parseContainer(mimeType)
	if !ok {
		return false
	}
	switch c.base {
	case "video/webm":
		return onlyCodecs(c, "vp8", "vp9", "opus")
	case "audio/webm", "audio/ogg":
		return onlyCodecs(c, "opus")
	default:
		return false
	}
}

func onlyCodecs(c container, allowed ...string) bool {
	for _, codec := range c.codecs {
		ok := false
		for _, a := range allowed {
			if codec == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (e defaultEnvironment) NewMuxer(mimeType string, w io.WriteCloser, tracks []TrackSpec) (Muxer, error) {
	if !e.IsTypeSupported(mimeType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContainer, mimeType)
	}
	if len(tracks) == 0 {
		return nil, errors.New("recording: no tracks to mux")
	}
	c, _ := parseContainer(mimeType)

	for _, t := range tracks {
		codec := codecName(t.Codec.MimeType)
		switch t.Kind {
		case media.KindVideo:
			if codec != "vp8" {
				return nil, fmt.Errorf("%w: cannot mux %s video", ErrCodecMismatch, t.Codec.MimeType)
			}
			if c.base != "video/webm" {
				return nil, fmt.Errorf("%w: %s carries no video", ErrCodecMismatch, c.base)
			}
			if len(c.codecs) > 0 && !c.has(codec) {
				return nil, fmt.Errorf("%w: stream video is %s, container wants %v", ErrCodecMismatch, codec, c.codecs)
			}
		case media.KindAudio:
			if codec != "opus" {
				return nil, fmt.Errorf("%w: cannot mux %s audio", ErrCodecMismatch, t.Codec.MimeType)
			}
		}
	}

	if c.base == "audio/ogg" {
		return newOggMuxer(w, tracks)
	}
	return newWebMMuxer(w, tracks)
}

// codecName turns "video/VP8" into "vp8".
func codecName(mimeType string) string {
	if i := strings.IndexByte(mimeType, '/'); i >= 0 {
		mimeType = mimeType[i+1:]
	}
	return strings.ToLower(mimeType)
}
