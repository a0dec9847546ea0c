package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikeyg42/meshroom/internal/config"
	"github.com/mikeyg42/meshroom/internal/identity"
	"github.com/mikeyg42/meshroom/internal/media"
	"github.com/mikeyg42/meshroom/internal/netcheck"
	"github.com/mikeyg42/meshroom/internal/roster"
	"github.com/mikeyg42/meshroom/internal/session"
	"github.com/mikeyg42/meshroom/internal/storage"
	"github.com/mikeyg42/meshroom/internal/ui"
)

var (
	flagRoom   string
	flagUser   string
	flagRecord bool
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a room with camera and microphone",
	Long: `Join a room and connect to every other participant in it.

Commands read from stdin while in the room:
  mute            toggle the microphone
  video           toggle the camera
  share           start or stop sharing the screen
  record [user]   start or stop recording yourself or another participant
  peers           refresh the roster now
  leave           leave the room

Examples:
  meshroom join --room standup --user alice
  meshroom join --room standup --user bob --record --config meshroom.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		self, err := identity.New(flagUser, flagRoom)
		if err != nil {
			return err
		}
		return runJoin(cmd.Context(), self, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagRoom, "room", "", "room to join")
	joinCmd.Flags().StringVar(&flagUser, "user", "", "your user name")
	joinCmd.Flags().BoolVar(&flagRecord, "record", false, "record your own stream from the start")
	_ = joinCmd.MarkFlagRequired("room")
	_ = joinCmd.MarkFlagRequired("user")
}

func runJoin(parent context.Context, self identity.Participant, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	netcheck.ProbeAll(ctx, cfg.ICE.STUNServers, 3*time.Second, logger)

	dev, err := media.NewDevices(cfg.Media, logger)
	if err != nil {
		return fmt.Errorf("failed to open devices: %w", err)
	}

	stores, err := openStores(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer stores.Close()

	sess, err := session.Join(ctx, session.Deps{
		Config:   cfg,
		Device:   dev,
		Roster:   stores.roster,
		Archiver: stores.sessionArchiver(),
		Logger:   logger,
	}, session.Options{Self: self, Record: flagRecord})
	if err != nil {
		return err
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sess.Leave(leaveCtx); err != nil {
			logger.Warn("Leave finished with errors", zap.Error(err))
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	lines := make(chan string)
	go readCommands(in, lines)

	render := func() {
		if err := ui.RenderParticipants(out, sess.Snapshot()); err != nil {
			logger.Debug("Failed to render participants", zap.Error(err))
		}
	}
	render()

	events := sess.Events()
	for {
		select {
		case err := <-runErr:
			return err
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Err != nil {
				fmt.Fprintf(out, "%s: %s (%v)\n", ev.Remote.UserID, ev.Type, ev.Err)
			}
			render()
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			done, err := handleCommand(ctx, sess, line, out)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			if done {
				return nil
			}
			render()
		}
	}
}

func readCommands(in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines <- line
		}
	}
}

// handleCommand runs one stdin command and reports whether the user asked
// to leave.
func handleCommand(ctx context.Context, sess *session.Session, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "leave", "quit", "exit":
		return true, nil
	case "mute":
		fmt.Fprintln(out, toggled("microphone", sess.ToggleMute()))
	case "video":
		fmt.Fprintln(out, toggled("camera", sess.ToggleVideo()))
	case "share":
		if sess.Snapshot().Sharing {
			return false, sess.StopScreenShare()
		}
		return false, sess.StartScreenShare()
	case "record":
		if _, active := sess.Recording(); active {
			rec, meta, err := sess.StopRecording(ctx)
			if rec != nil {
				fmt.Fprintf(out, "recorded %s (%d bytes, %s)\n", rec.ID, rec.Size(), rec.Duration.Round(time.Second))
				if rec.Path != "" {
					fmt.Fprintln(out, "saved to", rec.Path)
				}
			}
			if meta != nil {
				fmt.Fprintf(out, "archived to %s/%s\n", meta.Bucket, meta.ObjectKey)
				if meta.DownloadURL != "" {
					fmt.Fprintln(out, "download:", meta.DownloadURL)
				}
			}
			return false, err
		}
		target := sess.Self()
		if len(fields) > 1 {
			target = identity.Participant{UserID: fields[1], RoomID: sess.Self().RoomID}
		}
		return false, sess.StartRecording(target)
	case "peers":
		return false, sess.RefreshRoster(ctx)
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
	return false, nil
}

// toggled describes a device after a toggle; off is what ToggleMute and
// ToggleVideo return.
func toggled(device string, off bool) string {
	if off {
		return device + " off"
	}
	return device + " on"
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

type namedCheck struct {
	name  string
	check healthChecker
}

// stores holds the roster and archive backends chosen by the config.
type stores struct {
	db       *sqlx.DB
	roster   session.RosterStore
	archiver *storage.Archiver
	checks   []namedCheck
}

// openStores uses Postgres for the roster when roster.database_url is set
// and the rendezvous server otherwise. Archiving needs MinIO; recording
// metadata is written only when Postgres is available too. Every backend
// is health checked before the stores are returned.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger, withRoster bool) (*stores, error) {
	s := &stores{}
	if cfg.Roster.DatabaseURL != "" {
		db, err := storage.OpenPostgres(ctx, cfg.Roster.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
	}
	if withRoster {
		if err := s.openRoster(ctx, cfg, logger); err != nil {
			s.Close()
			return nil, err
		}
	}

	if cfg.ArchiveEnabled() {
		objects, err := storage.NewMinIOStore(ctx, cfg.MinIOStoreConfig(), logger)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to MinIO: %w", err)
		}
		s.checks = append(s.checks, namedCheck{"minio", objects})
		var meta storage.MetadataStore
		if s.db != nil {
			recs, err := storage.NewRecordingStore(ctx, s.db, logger)
			if err != nil {
				s.Close()
				return nil, err
			}
			s.checks = append(s.checks, namedCheck{"recordings", recs})
			meta = recs
		}
		s.archiver = storage.NewArchiver(objects, objects.Bucket(), meta, logger,
			storage.WithURLExpiry(cfg.Storage.MinIO.URLExpiry))
	}

	if err := s.healthCheck(ctx, 5*time.Second); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *stores) openRoster(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if s.db != nil {
		store, err := roster.NewPostgresStore(ctx, s.db, logger)
		if err != nil {
			return err
		}
		s.roster = store
		s.checks = append(s.checks, namedCheck{"roster database", store})
		return nil
	}
	store, err := roster.NewRendezvousStore(cfg.Signaling.URL, nil)
	if err != nil {
		return err
	}
	s.roster = store
	s.checks = append(s.checks, namedCheck{"rendezvous server", store})
	return nil
}

// healthCheck runs every backend's check, failing on the first error.
func (s *stores) healthCheck(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for _, c := range s.checks {
		if err := c.check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s health check failed: %w", c.name, err)
		}
		logger.Debug("Backend healthy", zap.String("backend", c.name))
	}
	return nil
}

// sessionArchiver avoids handing session a typed nil.
func (s *stores) sessionArchiver() session.Archiver {
	if s.archiver == nil {
		return nil
	}
	return s.archiver
}

func (s *stores) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.Debug("Failed to close database", zap.Error(err))
		}
	}
}
