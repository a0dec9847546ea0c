package recording

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/mikeyg42/meshroom/internal/media"
)

const (
	defaultWidth  = 640
	defaultHeight = 480

	videoMaxLate = 256
	audioMaxLate = 32
)

// webmMuxer depacketizes VP8 and Opus RTP into frames and writes them as
// WebM simple blocks. Block timestamps are milliseconds since the muxer was
// created so that tracks starting at different times stay aligned.
type webmMuxer struct {
	mu     sync.Mutex
	tracks []*webmTrack
	start  time.Time
	now    func() time.Time
	closed bool
}

type webmTrack struct {
	writer  webm.BlockWriteCloser
	builder *samplebuilder.SampleBuilder
	video   bool
	clock   uint32

	started  bool
	offsetMs int64
	lastTS   uint32
	ticks    int64
	keyed    bool
}

func newWebMMuxer(w io.WriteCloser, specs []TrackSpec) (*webmMuxer, error) {
	return newWebMMuxerAt(w, specs, time.Now)
}

func newWebMMuxerAt(w io.WriteCloser, specs []TrackSpec, now func() time.Time) (*webmMuxer, error) {
	entries := make([]webm.TrackEntry, 0, len(specs))
	for i, spec := range specs {
		number := uint64(i + 1)
		switch spec.Kind {
		case media.KindVideo:
			width, height := spec.Width, spec.Height
			if width <= 0 || height <= 0 {
				width, height = defaultWidth, defaultHeight
			}
			entries = append(entries, webm.TrackEntry{
				Name:        "Video",
				TrackNumber: number,
				TrackUID:    number,
				CodecID:     "V_VP8",
				TrackType:   1,
				Video: &webm.Video{
					PixelWidth:  uint64(width),
					PixelHeight: uint64(height),
				},
			})
		case media.KindAudio:
			channels := uint64(spec.Codec.Channels)
			if channels == 0 {
				channels = 2
			}
			entries = append(entries, webm.TrackEntry{
				Name:        "Audio",
				TrackNumber: number,
				TrackUID:    number,
				CodecID:     "A_OPUS",
				TrackType:   2,
				Audio: &webm.Audio{
					SamplingFrequency: float64(spec.Codec.ClockRate),
					Channels:          channels,
				},
			})
		default:
			return nil, fmt.Errorf("recording: unknown track kind %q", spec.Kind)
		}
	}

	writers, err := webm.NewSimpleBlockWriter(w, entries)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebM writer: %w", err)
	}

	m := &webmMuxer{start: now(), now: now}
	for i, spec := range specs {
		t := &webmTrack{writer: writers[i], clock: spec.Codec.ClockRate}
		if t.clock == 0 {
			t.clock = 90000
		}
		if spec.Kind == media.KindVideo {
			t.video = true
			t.builder = samplebuilder.New(videoMaxLate, &codecs.VP8Packet{}, t.clock)
		} else {
			t.builder = samplebuilder.New(audioMaxLate, &codecs.OpusPacket{}, t.clock)
		}
		m.tracks = append(m.tracks, t)
	}
	return m, nil
}

func (m *webmMuxer) WriteRTP(track int, p *rtp.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("recording: muxer closed")
	}
	if track < 0 || track >= len(m.tracks) {
		return fmt.Errorf("recording: no track %d", track)
	}
	t := m.tracks[track]

	// The sample builder keeps packets until a frame completes.
	t.builder.Push(p.Clone())
	for s := t.builder.Pop(); s != nil; s = t.builder.Pop() {
		if err := m.writeSample(t, s.Data, s.PacketTimestamp); err != nil {
			return err
		}
	}
	return nil
}

func (m *webmMuxer) writeSample(t *webmTrack, data []byte, ts uint32) error {
	if len(data) == 0 {
		return nil
	}

	keyframe := true
	if t.video {
		keyframe = data[0]&0x01 == 0
		if !t.keyed {
			if !keyframe {
				return nil
			}
			t.keyed = true
		}
	}

	if !t.started {
		t.started = true
		t.offsetMs = m.now().Sub(m.start).Milliseconds()
		t.lastTS = ts
	}
	t.ticks += int64(int32(ts - t.lastTS))
	t.lastTS = ts

	timestamp := t.offsetMs + t.ticks*1000/int64(t.clock)
	if timestamp < 0 {
		timestamp = 0
	}
	if _, err := t.writer.Write(keyframe, timestamp, data); err != nil {
		return fmt.Errorf("failed to write WebM block: %w", err)
	}
	return nil
}

// Close flushes complete frames still held by the sample builders and
// finalizes the container.
func (m *webmMuxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var errs []error
	for _, t := range m.tracks {
		t.builder.Flush()
		for s := t.builder.Pop(); s != nil; s = t.builder.Pop() {
			if err := m.writeSample(t, s.Data, s.PacketTimestamp); err != nil {
				errs = append(errs, err)
			}
		}
		if err := t.writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
