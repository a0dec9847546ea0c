// Package session is one participant's presence in one room. It owns the
// local media, the signaling connection, the mesh of peer connections, the
// roster poller and the recorder, and tears all of them down on Leave.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/meshroom/internal/config"
	"github.com/mikeyg42/meshroom/internal/identity"
	"github.com/mikeyg42/meshroom/internal/media"
	"github.com/mikeyg42/meshroom/internal/mesh"
	"github.com/mikeyg42/meshroom/internal/peer"
	"github.com/mikeyg42/meshroom/internal/quality"
	"github.com/mikeyg42/meshroom/internal/recording"
	"github.com/mikeyg42/meshroom/internal/roster"
	"github.com/mikeyg42/meshroom/internal/signaling"
	"github.com/mikeyg42/meshroom/internal/storage"
	"github.com/mikeyg42/meshroom/internal/ui"
)

var (
	ErrLeft               = errors.New("session: already left")
	ErrUnknownParticipant = errors.New("session: no stream for participant")
)

// RosterStore is the membership collaborator. *roster.PostgresStore
// satisfies it.
type RosterStore interface {
	roster.Fetcher
	Join(ctx context.Context, p identity.Participant) error
	Leave(ctx context.Context, p identity.Participant) error
}

// Archiver uploads finished recordings. *storage.Archiver satisfies it.
type Archiver interface {
	Archive(ctx context.Context, rec storage.Archive) (*storage.RecordingMeta, error)
}

// Deps are the collaborators a session is built from. Config, Device and
// Roster are required.
type Deps struct {
	Config   *config.Config
	Device   media.Device
	Roster   RosterStore
	Archiver Archiver
	// Dialer reaches the signaling server; nil uses a WebSocket.
	Dialer signaling.Dialer
	// RecordingEnv defaults to recording.DefaultEnvironment.
	RecordingEnv    recording.Environment
	EndpointOptions []peer.Option
	Logger          *zap.Logger
}

type Options struct {
	Self identity.Participant
	// Record starts recording the local stream right after joining.
	Record bool
	// LeaveTimeout bounds the roster update made by Leave.
	LeaveTimeout time.Duration
}

type Session struct {
	self     identity.Participant
	cfg      *config.Config
	logger   *zap.Logger
	capture  *media.Capture
	local    *media.Stream
	sig      *signaling.Connection
	endpoint *peer.Endpoint
	mesh     *mesh.Manager
	poller   *roster.Poller
	monitor  *quality.Monitor
	store    RosterStore
	recorder *recording.Engine
	archiver Archiver
	opts     Options

	ready     chan struct{}
	fatal     chan error
	stopWork  context.CancelFunc
	workers   sync.WaitGroup
	left      chan struct{}
	leaveOnce sync.Once
	leaveErr  error

	mu      sync.Mutex
	subject identity.Participant
}

// Join acquires media, connects to signaling, starts the mesh and the
// roster poller, and registers the participant with the roster store.
// Anything acquired before a failing step is released.
func Join(ctx context.Context, deps Deps, opts Options) (*Session, error) {
	if deps.Config == nil || deps.Device == nil || deps.Roster == nil {
		return nil, errors.New("session: config, device and roster are required")
	}
	if !opts.Self.Valid() {
		return nil, identity.ErrInvalid
	}
	if opts.LeaveTimeout <= 0 {
		opts.LeaveTimeout = 5 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.L()
	}
	cfg := deps.Config

	s := &Session{
		self:     opts.Self,
		cfg:      cfg,
		logger:   logger.Named("session").With(zap.String("participant", opts.Self.String())),
		store:    deps.Roster,
		archiver: deps.Archiver,
		opts:     opts,
		ready:    make(chan struct{}),
		fatal:    make(chan error, 1),
		left:     make(chan struct{}),
	}

	s.capture = media.NewCapture(deps.Device, logger)
	local, err := s.capture.Start()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire media: %w", err)
	}
	s.local = local
	if s.capture.AudioOnly() {
		s.logger.Warn("Camera unavailable, joining audio-only")
	}

	s.sig, err = signaling.Open(ctx, cfg.Signaling, opts.Self, deps.Dialer, signaling.Events{
		OnOpen: func(peerID string) {
			s.logger.Info("Registered with signaling", zap.String("peer_id", peerID))
		},
		OnDisconnected: func() {
			s.logger.Warn("Signaling disconnected, media connections stay up")
		},
		OnError:  s.onSignalingError,
		OnSignal: s.onSignal,
	}, signaling.WithLogger(logger))
	if err != nil {
		s.abortJoin()
		return nil, fmt.Errorf("failed to open signaling: %w", err)
	}

	s.endpoint, err = peer.NewEndpoint(s.sig, cfg.ICE, logger, deps.EndpointOptions...)
	if err != nil {
		s.abortJoin()
		return nil, err
	}
	s.mesh = mesh.NewManager(opts.Self, local, s.endpoint, logger)
	s.endpoint.OnIncoming(func(in mesh.IncomingCall) {
		_ = s.mesh.HandleIncoming(context.Background(), in)
	})
	close(s.ready)

	if err := s.store.Join(ctx, opts.Self); err != nil {
		s.abortJoin()
		return nil, fmt.Errorf("failed to join room: %w", err)
	}

	s.recorder = recording.NewEngine(deps.RecordingEnv, recording.Config{
		SpoolDir:         cfg.Recording.SpoolDir,
		MinFreeDiskBytes: cfg.Recording.MinFreeDiskBytes,
		Defaults: recording.Options{
			MimeType:           cfg.Recording.MimeType,
			VideoBitsPerSecond: cfg.Recording.VideoBitRate,
			AudioBitsPerSecond: cfg.Recording.AudioBitRate,
			Timeslice:          cfg.Recording.Timeslice,
			Width:              cfg.Media.Width,
			Height:             cfg.Media.Height,
		},
	}, logger)

	s.poller = roster.NewPoller(opts.Self, s.store, s.mesh.OnRosterChange, logger,
		roster.WithInterval(cfg.Roster.PollInterval))
	s.monitor = quality.NewMonitor(s.endpoint.Samples, quality.DefaultInterval, logger)
	workCtx, cancel := context.WithCancel(context.Background())
	s.stopWork = cancel
	s.workers.Add(2)
	go func() {
		defer s.workers.Done()
		_ = s.poller.Run(workCtx)
	}()
	go func() {
		defer s.workers.Done()
		_ = s.monitor.Run(workCtx)
	}()

	if opts.Record {
		if err := s.StartRecording(opts.Self); err != nil {
			s.logger.Warn("Could not start recording", zap.Error(err))
		}
	}

	s.logger.Info("Joined room", zap.Bool("audio_only", s.capture.AudioOnly()))
	return s, nil
}

// abortJoin releases whatever a failed Join acquired, newest first. Closing
// left also releases signals parked in onSignal.
func (s *Session) abortJoin() {
	s.leaveOnce.Do(func() {
		close(s.left)
		s.leaveErr = ErrLeft
	})
	if s.mesh != nil {
		_ = s.mesh.Close()
	}
	if s.endpoint != nil {
		_ = s.endpoint.Close()
	}
	if s.sig != nil {
		_ = s.sig.Destroy()
	}
	_ = s.capture.Close()
}

// onSignal hands signals to the peer endpoint once it exists.
func (s *Session) onSignal(sig signaling.Signal) {
	select {
	case <-s.ready:
	case <-s.left:
		return
	}
	s.endpoint.HandleSignal(sig)
}

func (s *Session) onSignalingError(err error) {
	if errors.Is(err, signaling.ErrReconnectExhausted) {
		s.logger.Error("Signaling lost for good", zap.Error(err))
		select {
		case s.fatal <- err:
		default:
		}
		return
	}
	s.logger.Warn("Signaling error", zap.Error(err))
}

// Run blocks until ctx ends, the session is left, or signaling fails for
// good. Only the last case returns an error; the caller still has to Leave.
func (s *Session) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.left:
		return nil
	case err := <-s.fatal:
		return err
	}
}

func (s *Session) Self() identity.Participant { return s.self }

// Events reports mesh connection changes. The channel closes on Leave.
func (s *Session) Events() <-chan mesh.Event { return s.mesh.Events() }

func (s *Session) Local() *media.Stream { return s.local }

func (s *Session) RemoteStreams() map[identity.Participant]*media.Stream {
	return s.mesh.RemoteStreams()
}

// RefreshRoster fetches the roster now instead of waiting for the next tick.
func (s *Session) RefreshRoster(ctx context.Context) error {
	return s.poller.Refresh(ctx)
}

func (s *Session) ToggleMute() bool  { return s.capture.ToggleMute() }
func (s *Session) ToggleVideo() bool { return s.capture.ToggleVideo() }

func (s *Session) StartScreenShare() error { return s.capture.StartScreenShare() }
func (s *Session) StopScreenShare() error  { return s.capture.StopScreenShare() }

// StartRecording records the local stream when target is the local
// participant or zero, otherwise the live stream of that remote.
func (s *Session) StartRecording(target identity.Participant) error {
	if target == (identity.Participant{}) {
		target = s.self
	}
	stream := s.local
	if target != s.self {
		stream = s.mesh.RemoteStreams()[target]
		if stream == nil {
			return fmt.Errorf("%w: %s", ErrUnknownParticipant, target)
		}
	}
	if err := s.recorder.Start(stream, recording.Options{}); err != nil {
		return err
	}
	s.mu.Lock()
	s.subject = target
	s.mu.Unlock()
	s.logger.Info("Recording started", zap.String("subject", target.String()))
	return nil
}

// StopRecording finishes the recording and, when an archiver is set,
// uploads it. The recording is returned even when archiving fails.
func (s *Session) StopRecording(ctx context.Context) (*recording.Recording, *storage.RecordingMeta, error) {
	rec, err := s.recorder.Stop(ctx)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	subject := s.subject
	s.subject = identity.Participant{}
	s.mu.Unlock()

	s.logger.Info("Recording stopped",
		zap.String("id", rec.ID),
		zap.Duration("duration", rec.Duration),
		zap.Int("bytes", rec.Size()),
		zap.String("url", rec.URL))

	if s.archiver == nil {
		return rec, nil, nil
	}
	meta, err := s.archiver.Archive(ctx, storage.Archive{
		ID:        rec.ID,
		RoomID:    s.self.RoomID,
		Owner:     s.self.UserID,
		Subject:   subject.String(),
		MimeType:  rec.MimeType,
		Extension: rec.Extension(),
		Data:      rec.Data,
		Path:      rec.Path,
		StartedAt: rec.Timestamp,
		Duration:  rec.Duration,
		VideoBPS:  rec.VideoBitsPerSecond,
		AudioBPS:  rec.AudioBitsPerSecond,
	})
	if err != nil {
		return rec, meta, fmt.Errorf("failed to archive recording: %w", err)
	}
	return rec, meta, nil
}

// Recording returns the participant being recorded, if any.
func (s *Session) Recording() (identity.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject, s.recorder.IsRecording()
}

// Snapshot collects what the participant table shows.
func (s *Session) Snapshot() ui.Snapshot {
	snap := ui.Snapshot{
		Self:        s.self,
		Local:       s.local,
		Muted:       s.capture.Muted(),
		VideoOff:    s.capture.VideoOff(),
		Sharing:     s.capture.Sharing(),
		Connections: s.mesh.Connections(),
		Streams:     s.mesh.RemoteStreams(),
		Quality:     s.monitor.Reports(),
	}
	if subject, ok := s.Recording(); ok {
		snap.Recording = subject.String()
	}
	return snap
}

// Leave tears the session down in a fixed order, local media first and the
// roster store last. Every step runs even when an earlier one fails; the
// joined errors are returned, and later calls return the same result.
func (s *Session) Leave(ctx context.Context) error {
	s.leaveOnce.Do(func() {
		close(s.left)
		s.stopWork()
		s.workers.Wait()

		var errs []error
		if err := s.capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stop local media: %w", err))
		}
		if err := s.mesh.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connections: %w", err))
		}
		if err := s.endpoint.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close endpoint: %w", err))
		}
		if err := s.sig.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy signaling: %w", err))
		}
		if s.recorder.IsRecording() {
			s.logger.Warn("Discarding unfinished recording")
		}
		s.recorder.Cleanup()

		leaveCtx, cancel := context.WithTimeout(ctx, s.opts.LeaveTimeout)
		if err := s.store.Leave(leaveCtx, s.self); err != nil {
			errs = append(errs, fmt.Errorf("leave room: %w", err))
		}
		cancel()

		s.leaveErr = errors.Join(errs...)
		if s.leaveErr != nil {
			s.logger.Warn("Left room with errors", zap.Error(s.leaveErr))
		} else {
			s.logger.Info("Left room")
		}
	})
	return s.leaveErr
}
