package roster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"github.com/mikeyg42/meshroom/internal/identity"
)

// PostgresStore keeps room membership in the meeting_participants table.
// A participant is present from Join until Leave.
type PostgresStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

type participantRow struct {
	MeetingID string     `db:"meeting_id"`
	UserID    string     `db:"user_id"`
	JoinedAt  time.Time  `db:"joined_at"`
	LeftAt    *time.Time `db:"left_at"`
}

const participantsSchema = `
	CREATE TABLE IF NOT EXISTS meeting_participants (
		meeting_id TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		joined_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		left_at    TIMESTAMPTZ,
		PRIMARY KEY (meeting_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_meeting_participants_present
		ON meeting_participants(meeting_id) WHERE left_at IS NULL;
`

func NewPostgresStore(ctx context.Context, db *sqlx.DB, logger *zap.Logger) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("roster: nil database")
	}
	if logger == nil {
		logger = zap.L()
	}
	s := &PostgresStore{db: db, logger: logger.Named("roster-store")}
	if _, err := s.db.ExecContext(ctx, participantsSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// FetchRoster lists the participants present in roomID, earliest first.
func (s *PostgresStore) FetchRoster(ctx context.Context, roomID string) ([]identity.Participant, error) {
	var rows []participantRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT meeting_id, user_id, joined_at, left_at
		FROM meeting_participants
		WHERE meeting_id = $1 AND left_at IS NULL
		ORDER BY joined_at, user_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch participants: %w", err)
	}

	out := make([]identity.Participant, 0, len(rows))
	for _, r := range rows {
		p, err := identity.New(r.UserID, r.MeetingID)
		if err != nil {
			s.logger.Warn("Skipping malformed participant row", zap.String("user_id", r.UserID))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Join records p as present, refreshing joined_at for a returning user.
func (s *PostgresStore) Join(ctx context.Context, p identity.Participant) error {
	if !p.Valid() {
		return identity.ErrInvalid
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO meeting_participants (meeting_id, user_id, joined_at)
		VALUES (:meeting_id, :user_id, NOW())
		ON CONFLICT (meeting_id, user_id) DO UPDATE SET
			joined_at = NOW(),
			left_at = NULL`,
		participantRow{MeetingID: p.RoomID, UserID: p.UserID})
	if err != nil {
		return fmt.Errorf("failed to join %s: %w", p, err)
	}
	s.logger.Info("Participant joined", zap.String("participant", p.String()))
	return nil
}

// Leave marks p as gone. Leaving twice is not an error.
func (s *PostgresStore) Leave(ctx context.Context, p identity.Participant) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE meeting_participants SET left_at = NOW()
		WHERE meeting_id = $1 AND user_id = $2 AND left_at IS NULL`,
		p.RoomID, p.UserID)
	if err != nil {
		return fmt.Errorf("failed to leave %s: %w", p, err)
	}
	s.logger.Info("Participant left", zap.String("participant", p.String()))
	return nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
