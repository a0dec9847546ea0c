// Package recording captures a media stream into a container file. One
// Engine records at most one stream at a time; every room owns its own
// engine.
package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/mikeyg42/meshroom/internal/media"
)

var (
	ErrAlreadyRecording = errors.New("recording: already recording")
	ErrNotRecording     = errors.New("recording: not recording")
	ErrNoStream         = errors.New("recording: no stream or stream has no tracks")
	ErrUnsupported      = errors.New("recording: not supported in this environment")
	ErrContainerFailed  = errors.New("recording: could not construct any container")
)

const (
	DefaultVideoBitsPerSecond = 2_500_000
	DefaultAudioBitsPerSecond = 128_000
	DefaultTimeslice          = time.Second
)

// Options configure a single recording.
type Options struct {
	MimeType           string
	VideoBitsPerSecond int
	AudioBitsPerSecond int
	Timeslice          time.Duration
	Width              int
	Height             int
}

// Recording is a finished recording.
type Recording struct {
	ID                 string
	Timestamp          time.Time
	Data               []byte
	MimeType           string
	URL                string
	Path               string
	Duration           time.Duration
	VideoBitsPerSecond int
	AudioBitsPerSecond int
}

func (r *Recording) Size() int { return len(r.Data) }

func (r *Recording) Extension() string { return Extension(r.MimeType) }

// Config holds the engine's environment-level settings.
type Config struct {
	// SpoolDir receives a copy of every finished recording; empty disables
	// spooling and leaves URL unset.
	SpoolDir         string
	MinFreeDiskBytes uint64
	Defaults         Options
}

// Engine records one stream at a time.
type Engine struct {
	env    Environment
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	active *session
}

type session struct {
	id     string
	mime   string
	opts   Options
	start  time.Time
	muxer  Muxer
	out    *chunkWriter
	unsubs []func()

	stopTick chan struct{}
	tickDone chan struct{}
}

type EngineOption func(*Engine)

// WithClock replaces time.Now, used for durations and timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(env Environment, cfg Config, logger *zap.Logger, opts ...EngineOption) *Engine {
	if env == nil {
		env = DefaultEnvironment()
	}
	if logger == nil {
		logger = zap.L()
	}
	e := &Engine{
		env:    env,
		cfg:    cfg,
		logger: logger.Named("recording"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsSupported reports whether the environment can record at all.
func (e *Engine) IsSupported() bool { return e.env.Supported() }

// SupportedContainers lists the preferred containers the environment can
// produce, in preference order.
func (e *Engine) SupportedContainers() []string {
	var out []string
	for _, c := range PreferredContainers {
		if e.env.IsTypeSupported(c) {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) IsRecording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active != nil
}

// Start begins recording stream. Its tracks are only subscribed to, never
// stopped by the engine.
func (e *Engine) Start(stream *media.Stream, opts Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		return ErrAlreadyRecording
	}
	if stream == nil || len(stream.Tracks()) == 0 {
		return ErrNoStream
	}
	if !e.env.Supported() {
		return ErrUnsupported
	}

	opts = e.withDefaults(opts)
	tracks := stream.Tracks()
	specs := make([]TrackSpec, len(tracks))
	for i, t := range tracks {
		specs[i] = TrackSpec{Kind: t.Kind(), Codec: t.Codec(), Width: opts.Width, Height: opts.Height}
	}

	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = e.pickContainer()
	}
	if mimeType == "" {
		return ErrUnsupported
	}

	out := &chunkWriter{}
	muxer, err := e.env.NewMuxer(mimeType, out, specs)
	if err != nil && mimeType != DefaultContainer {
		e.logger.Warn("Container construction failed, falling back",
			zap.String("mime_type", mimeType),
			zap.String("fallback", DefaultContainer),
			zap.Error(err))
		mimeType = DefaultContainer
		out = &chunkWriter{}
		muxer, err = e.env.NewMuxer(mimeType, out, specs)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrContainerFailed, err)
	}

	s := &session{
		id:       "rec_" + uuid.NewString(),
		mime:     mimeType,
		opts:     opts,
		start:    e.now(),
		muxer:    muxer,
		out:      out,
		stopTick: make(chan struct{}),
		tickDone: make(chan struct{}),
	}
	for i, t := range tracks {
		idx := i
		s.unsubs = append(s.unsubs, t.Subscribe(media.SinkFunc(func(p *rtp.Packet) error {
			return muxer.WriteRTP(idx, p)
		})))
	}
	go s.tick(opts.Timeslice)

	e.active = s
	e.logger.Info("Recording started",
		zap.String("recording_id", s.id),
		zap.String("stream", stream.ID()),
		zap.String("mime_type", mimeType),
		zap.Int("tracks", len(tracks)))
	return nil
}

func (e *Engine) withDefaults(opts Options) Options {
	d := e.cfg.Defaults
	if opts.MimeType == "" {
		opts.MimeType = d.MimeType
	}
	if opts.VideoBitsPerSecond <= 0 {
		opts.VideoBitsPerSecond = d.VideoBitsPerSecond
	}
	if opts.VideoBitsPerSecond <= 0 {
		opts.VideoBitsPerSecond = DefaultVideoBitsPerSecond
	}
	if opts.AudioBitsPerSecond <= 0 {
		opts.AudioBitsPerSecond = d.AudioBitsPerSecond
	}
	if opts.AudioBitsPerSecond <= 0 {
		opts.AudioBitsPerSecond = DefaultAudioBitsPerSecond
	}
	if opts.Timeslice <= 0 {
		opts.Timeslice = d.Timeslice
	}
	if opts.Timeslice <= 0 {
		opts.Timeslice = DefaultTimeslice
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = d.Width, d.Height
	}
	return opts
}

func (e *Engine) pickContainer() string {
	for _, c := range PreferredContainers {
		if e.env.IsTypeSupported(c) {
			return c
		}
	}
	return ""
}

// Stop finalizes the active recording and returns it. When a spool
// directory is configured the blob is also written there and URL points
// at it; a spooling failure is logged and the recording still returned.
func (e *Engine) Stop(ctx context.Context) (*Recording, error) {
	e.mu.Lock()
	s := e.active
	e.active = nil
	e.mu.Unlock()

	if s == nil {
		return nil, ErrNotRecording
	}

	closeErr := s.finish()
	if closeErr != nil {
		e.logger.Warn("Muxer did not close cleanly", zap.String("recording_id", s.id), zap.Error(closeErr))
	}

	rec := &Recording{
		ID:                 s.id,
		Timestamp:          s.start,
		Data:               s.out.Bytes(),
		MimeType:           s.mime,
		Duration:           e.now().Sub(s.start),
		VideoBitsPerSecond: s.opts.VideoBitsPerSecond,
		AudioBitsPerSecond: s.opts.AudioBitsPerSecond,
	}

	if e.cfg.SpoolDir != "" {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("Skipping spool, context done", zap.String("recording_id", rec.ID), zap.Error(err))
		} else if path, err := Download(rec, e.cfg.SpoolDir, "", e.cfg.MinFreeDiskBytes); err != nil {
			e.logger.Warn("Failed to spool recording", zap.String("recording_id", rec.ID), zap.Error(err))
		} else {
			rec.Path = path
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
			rec.URL = "file://" + filepath.ToSlash(path)
		}
	}

	e.logger.Info("Recording stopped",
		zap.String("recording_id", rec.ID),
		zap.String("mime_type", rec.MimeType),
		zap.Int("bytes", rec.Size()),
		zap.Int("chunks", s.out.Chunks()),
		zap.Duration("duration", rec.Duration))
	return rec, nil
}

// Cleanup stops any active recording and discards its output.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	s := e.active
	e.active = nil
	e.mu.Unlock()

	if s == nil {
		return
	}
	if err := s.finish(); err != nil {
		e.logger.Debug("Discarded recording did not close cleanly", zap.Error(err))
	}
	s.out.Reset()
	e.logger.Info("Recording discarded", zap.String("recording_id", s.id))
}

func (s *session) tick(every time.Duration) {
	defer close(s.tickDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.out.Flush()
		case <-s.stopTick:
			return
		}
	}
}

// finish detaches from the stream, stops the timeslice ticker and closes
// the muxer, moving any trailing bytes into a final chunk.
func (s *session) finish() error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	close(s.stopTick)
	<-s.tickDone
	err := s.muxer.Close()
	s.out.Flush()
	return err
}

// chunkWriter collects muxer output. Flush turns the bytes written since
// the previous flush into one chunk, mirroring timesliced data delivery.
type chunkWriter struct {
	mu      sync.Mutex
	pending bytes.Buffer
	chunks  [][]byte
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending.Write(p)
}

// Close is a no-op; the container writers close their output when they
// finish and the data must stay readable afterwards.
func (w *chunkWriter) Close() error { return nil }

func (w *chunkWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending.Len() == 0 {
		return
	}
	w.chunks = append(w.chunks, bytes.Clone(w.pending.Bytes()))
	w.pending.Reset()
}

func (w *chunkWriter) Chunks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.chunks)
}

func (w *chunkWriter) Bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return bytes.Join(w.chunks, nil)
}

func (w *chunkWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending.Reset()
	w.chunks = nil
}
