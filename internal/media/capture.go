package media

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var (
	// ErrVideoUnavailable means the camera could not be opened; capture
	// continues audio-only.
	ErrVideoUnavailable = errors.New("media: video unavailable")
	// ErrMediaUnavailable means no usable media could be acquired at all.
	ErrMediaUnavailable = errors.New("media: no usable media")
	ErrNoVideoTrack     = errors.New("media: no video track to share onto")
	ErrCaptureClosed    = errors.New("media: capture closed")
	ErrAlreadyStarted   = errors.New("media: capture already started")
)

// Device opens capture sources. Implementations encode to the codecs they
// report.
type Device interface {
	VideoCodec() webrtc.RTPCodecCapability
	AudioCodec() webrtc.RTPCodecCapability
	Camera() (Source, error)
	Microphone() (Source, error)
	Screen() (Source, error)
}

// Capture owns the local stream: it acquires devices, holds the mute and
// video flags and is the only place local tracks are stopped.
type Capture struct {
	dev    Device
	logger *zap.Logger

	mu        sync.Mutex
	stream    *Stream
	audio     *Track
	video     *Track
	audioOnly bool
	muted     bool
	videoOff  bool
	sharing   bool
	closed    bool
}

func NewCapture(dev Device, logger *zap.Logger) *Capture {
	if logger == nil {
		logger = zap.L()
	}
	return &Capture{dev: dev, logger: logger.Named("capture")}
}

// Start acquires microphone and camera. A camera failure degrades to an
// audio-only stream; a microphone failure is fatal.
func (c *Capture) Start() (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrCaptureClosed
	}
	if c.stream != nil {
		return nil, ErrAlreadyStarted
	}

	streamID := "local-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	camera, camErr := c.dev.Camera()
	if camErr != nil {
		c.logger.Warn("Camera unavailable, continuing audio-only",
			zap.Error(fmt.Errorf("%w: %v", ErrVideoUnavailable, camErr)))
	}

	mic, err := c.dev.Microphone()
	if err != nil {
		if camera != nil {
			_ = camera.Close()
		}
		return nil, fmt.Errorf("%w: microphone: %v", ErrMediaUnavailable, err)
	}

	audio, err := NewLocalTrack("audio", streamID, KindAudio, c.dev.AudioCodec(), mic, c.logger)
	if err != nil {
		_ = mic.Close()
		if camera != nil {
			_ = camera.Close()
		}
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	stream := NewStream(streamID, audio)
	c.audio = audio

	if camera != nil {
		video, err := NewLocalTrack("video", streamID, KindVideo, c.dev.VideoCodec(), camera, c.logger)
		if err != nil {
			_ = camera.Close()
			c.logger.Warn("Failed to create video track, continuing audio-only", zap.Error(err))
		} else {
			stream.AddTrack(video)
			c.video = video
		}
	}

	c.audioOnly = c.video == nil
	c.stream = stream

	c.logger.Info("Local media acquired",
		zap.String("stream", streamID),
		zap.Bool("audio_only", c.audioOnly))

	return stream, nil
}

// Local returns the local stream, or nil before Start.
func (c *Capture) Local() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *Capture) AudioOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioOnly
}

func (c *Capture) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Capture) VideoOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoOff
}

func (c *Capture) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing
}

func (c *Capture) SetMuted(muted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = muted
	if c.audio != nil {
		c.audio.SetEnabled(!muted)
	}
}

// ToggleMute flips the audio enabled flag and returns the new muted state.
func (c *Capture) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.muted = !c.muted
	if c.audio != nil {
		c.audio.SetEnabled(!c.muted)
	}
	return c.muted
}

func (c *Capture) SetVideoEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoOff = !enabled
	if c.video != nil {
		c.video.SetEnabled(enabled)
	}
}

// ToggleVideo flips the video enabled flag and returns true when video is
// now off.
func (c *Capture) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoOff = !c.videoOff
	if c.video != nil {
		c.video.SetEnabled(!c.videoOff)
	}
	return c.videoOff
}

// StartScreenShare feeds the video track from the screen instead of the
// camera. Peers keep the same track so nothing is renegotiated.
func (c *Capture) StartScreenShare() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCaptureClosed
	}
	if c.video == nil {
		return ErrNoVideoTrack
	}
	if c.sharing {
		return nil
	}

	screen, err := c.dev.Screen()
	if err != nil {
		return fmt.Errorf("failed to open screen source: %w", err)
	}
	if err := c.video.ReplaceSource(screen); err != nil {
		_ = screen.Close()
		return err
	}
	c.sharing = true
	c.logger.Info("Screen share started")
	return nil
}

// StopScreenShare switches the video track back to the camera.
func (c *Capture) StopScreenShare() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sharing || c.video == nil {
		return nil
	}
	camera, err := c.dev.Camera()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVideoUnavailable, err)
	}
	if err := c.video.ReplaceSource(camera); err != nil {
		_ = camera.Close()
		return err
	}
	c.sharing = false
	c.logger.Info("Screen share stopped")
	return nil
}

// Close stops every local track. It is safe to call more than once.
func (c *Capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return nil
	}
	return stream.Stop()
}
