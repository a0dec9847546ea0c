package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

// RecordingMeta is one archived recording as stored in Postgres.
type RecordingMeta struct {
	ID         string        `db:"id"`
	RoomID     string        `db:"room_id"`
	Owner      string        `db:"owner"`
	Subject    string        `db:"subject"`
	MimeType   string        `db:"mime_type"`
	Bucket     string        `db:"bucket"`
	ObjectKey  string        `db:"object_key"`
	SizeBytes  int64         `db:"size_bytes"`
	DurationMs int64         `db:"duration_ms"`
	VideoBPS   int           `db:"video_bps"`
	AudioBPS   int           `db:"audio_bps"`
	StartedAt  time.Time     `db:"started_at"`
	CreatedAt  time.Time     `db:"created_at"`
	Duration   time.Duration `db:"-"`

	// DownloadURL is a presigned link; it expires and is never stored.
	DownloadURL string `db:"-"`
}

// MetadataStore persists recording metadata.
type MetadataStore interface {
	SaveRecording(ctx context.Context, rec *RecordingMeta) error
	ListRecordings(ctx context.Context, roomID string) ([]*RecordingMeta, error)
}

// RecordingStore implements MetadataStore using PostgreSQL
type RecordingStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// OpenPostgres opens and pings a Postgres pool with the pool settings used
// by every store in this module.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewRecordingStore wraps db and creates the recordings table if needed.
func NewRecordingStore(ctx context.Context, db *sqlx.DB, logger *zap.Logger) (*RecordingStore, error) {
	if db == nil {
		return nil, errors.New("storage: nil database")
	}
	if logger == nil {
		logger = zap.L()
	}
	s := &RecordingStore{db: db, logger: logger.Named("postgres-store")}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

const recordingsSchema = `
	CREATE TABLE IF NOT EXISTS recordings (
		id          TEXT PRIMARY KEY,
		room_id     TEXT NOT NULL,
		owner       TEXT NOT NULL,
		subject     TEXT NOT NULL,
		mime_type   TEXT NOT NULL,
		bucket      TEXT NOT NULL DEFAULT '',
		object_key  TEXT NOT NULL DEFAULT '',
		size_bytes  BIGINT NOT NULL DEFAULT 0,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		video_bps   INTEGER NOT NULL DEFAULT 0,
		audio_bps   INTEGER NOT NULL DEFAULT 0,
		started_at  TIMESTAMPTZ NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_recordings_room ON recordings(room_id, started_at DESC);
`

func (s *RecordingStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, recordingsSchema)
	return err
}

// SaveRecording inserts rec, or refreshes the object location of an
// existing row with the same ID.
func (s *RecordingStore) SaveRecording(ctx context.Context, rec *RecordingMeta) error {
	if rec == nil || rec.ID == "" {
		return errors.New("storage: recording id is required")
	}
	if rec.Duration > 0 {
		rec.DurationMs = rec.Duration.Milliseconds()
	}
	query := `
		INSERT INTO recordings (
			id, room_id, owner, subject, mime_type, bucket, object_key,
			size_bytes, duration_ms, video_bps, audio_bps, started_at
		) VALUES (
			:id, :room_id, :owner, :subject, :mime_type, :bucket, :object_key,
			:size_bytes, :duration_ms, :video_bps, :audio_bps, :started_at
		)
		ON CONFLICT (id) DO UPDATE SET
			bucket = EXCLUDED.bucket,
			object_key = EXCLUDED.object_key,
			size_bytes = EXCLUDED.size_bytes
	`
	if _, err := s.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to save recording: %w", err)
	}

	s.logger.Info("Recording saved",
		zap.String("id", rec.ID),
		zap.String("room", rec.RoomID),
		zap.String("key", rec.ObjectKey))
	return nil
}

// ListRecordings returns a room's recordings, newest first.
func (s *RecordingStore) ListRecordings(ctx context.Context, roomID string) ([]*RecordingMeta, error) {
	var out []*RecordingMeta
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, room_id, owner, subject, mime_type, bucket, object_key,
		       size_bytes, duration_ms, video_bps, audio_bps, started_at, created_at
		FROM recordings
		WHERE room_id = $1
		ORDER BY started_at DESC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	for _, r := range out {
		r.Duration = time.Duration(r.DurationMs) * time.Millisecond
	}
	return out, nil
}

func (s *RecordingStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("recordings database unreachable: %w", err)
	}
	return nil
}
