package media

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera adapters
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone adapters
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers screen capture adapters

	"github.com/mikeyg42/meshroom/internal/config"
)

const defaultMTU = 1200

// Devices opens real capture devices through pion/mediadevices, encoding
// video as VP8 and audio as Opus.
type Devices struct {
	cfg      config.MediaConfig
	selector *mediadevices.CodecSelector
	logger   *zap.Logger
}

func NewDevices(cfg config.MediaConfig, logger *zap.Logger) (*Devices, error) {
	if logger == nil {
		logger = zap.L()
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate
	vpxParams.KeyFrameInterval = cfg.KeyFrameInterval
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 200 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = cfg.AudioBitRate
	opusParams.Latency = opus.Latency20ms

	logger.Debug("Encoder parameters",
		zap.Int("video_bitrate", vpxParams.BitRate),
		zap.Int("keyframe_interval", vpxParams.KeyFrameInterval),
		zap.Int("audio_bitrate", opusParams.BitRate))

	return &Devices{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		logger: logger.Named("devices"),
	}, nil
}

func (d *Devices) VideoCodec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
}

func (d *Devices) AudioCodec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func (d *Devices) Camera() (Source, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(d.cfg.Width)
			c.Height = prop.Int(d.cfg.Height)
			c.FrameRate = prop.Float(d.cfg.FrameRate)
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	return d.firstTrack(stream.GetVideoTracks(), d.VideoCodec().MimeType, "camera")
}

func (d *Devices) Microphone() (Source, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(d.cfg.SampleRate)
			c.ChannelCount = prop.Int(d.cfg.Channels)
			c.Latency = prop.Duration(20 * time.Millisecond)
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("microphone: %w", err)
	}
	return d.firstTrack(stream.GetAudioTracks(), d.AudioCodec().MimeType, "microphone")
}

func (d *Devices) Screen() (Source, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(d.cfg.FrameRate)
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("screen: %w", err)
	}
	return d.firstTrack(stream.GetVideoTracks(), d.VideoCodec().MimeType, "screen")
}

func (d *Devices) firstTrack(tracks []mediadevices.Track, mimeType, label string) (Source, error) {
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%s: no track returned", label)
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}

	track := tracks[0]
	reader, err := track.NewRTPReader(mimeType, rand.Uint32(), defaultMTU)
	if err != nil {
		_ = track.Close()
		return nil, fmt.Errorf("%s: failed to create RTP reader: %w", label, err)
	}
	d.logger.Debug("Device opened", zap.String("device", label), zap.String("codec", mimeType))
	return &deviceSource{track: track, reader: reader}, nil
}

// deviceSource reads encoded RTP from a mediadevices track.
type deviceSource struct {
	track  mediadevices.Track
	reader mediadevices.RTPReadCloser

	once     sync.Once
	closeErr error
}

func (s *deviceSource) ReadPackets() ([]*rtp.Packet, error) {
	pkts, release, err := s.reader.Read()
	if err != nil {
		return nil, err
	}
	// Packets are forwarded synchronously, so the reader's buffers can be
	// handed back once they have been copied out.
	out := make([]*rtp.Packet, 0, len(pkts))
	for _, p := range pkts {
		c := p.Clone()
		out = append(out, c)
	}
	if release != nil {
		release()
	}
	return out, nil
}

func (s *deviceSource) Close() error {
	s.once.Do(func() {
		s.closeErr = errors.Join(s.reader.Close(), s.track.Close())
	})
	return s.closeErr
}
