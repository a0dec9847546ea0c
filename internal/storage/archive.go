package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"
)

// Archive is a finished recording handed over for archiving.
type Archive struct {
	ID        string
	RoomID    string
	Owner     string
	Subject   string
	MimeType  string
	Extension string
	Data      []byte
	// Path, when set, points at the spooled copy and is uploaded instead
	// of Data.
	Path      string
	StartedAt time.Time
	Duration  time.Duration
	VideoBPS  int
	AudioBPS  int
}

// DefaultURLExpiry is how long a download link handed out for a recording
// stays valid.
const DefaultURLExpiry = 24 * time.Hour

// ErrNoMetadata is returned by List when no metadata store is configured.
var ErrNoMetadata = errors.New("storage: no metadata store configured")

// Archiver uploads recordings and records where they went.
type Archiver struct {
	objects   ObjectStore
	bucket    string
	meta      MetadataStore
	urlExpiry time.Duration
	logger    *zap.Logger
}

type ArchiverOption func(*Archiver)

// WithURLExpiry sets the lifetime of presigned download links.
func WithURLExpiry(d time.Duration) ArchiverOption {
	return func(a *Archiver) {
		if d > 0 {
			a.urlExpiry = d
		}
	}
}

// NewArchiver returns an archiver. meta may be nil, in which case only the
// blob is uploaded.
func NewArchiver(objects ObjectStore, bucket string, meta MetadataStore, logger *zap.Logger, opts ...ArchiverOption) *Archiver {
	if logger == nil {
		logger = zap.L()
	}
	a := &Archiver{
		objects:   objects,
		bucket:    bucket,
		meta:      meta,
		urlExpiry: DefaultURLExpiry,
		logger:    logger.Named("archive"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ObjectKey is the object name of a room's recording.
func ObjectKey(roomID, id, ext string) string {
	return path.Join("rooms", roomID, "recordings", id+ext)
}

// Archive uploads rec and saves its metadata row. The upload is kept when
// only the metadata write fails.
func (a *Archiver) Archive(ctx context.Context, rec Archive) (*RecordingMeta, error) {
	if a.objects == nil {
		return nil, errors.New("storage: no object store configured")
	}
	if rec.ID == "" || rec.RoomID == "" {
		return nil, errors.New("storage: archive needs a recording id and a room")
	}

	key := ObjectKey(rec.RoomID, rec.ID, rec.Extension)
	opts := []PutOption{
		WithContentType(rec.MimeType),
		WithMetadata(map[string]string{
			"room":    rec.RoomID,
			"owner":   rec.Owner,
			"subject": rec.Subject,
		}),
	}

	size := int64(len(rec.Data))
	var err error
	if rec.Path != "" {
		err = a.objects.PutFile(ctx, key, rec.Path, opts...)
	} else {
		err = a.objects.Put(ctx, key, bytes.NewReader(rec.Data), size, opts...)
	}
	if err != nil {
		a.logger.Warn("Recording upload failed",
			zap.String("id", rec.ID),
			zap.Bool("retryable", IsRetryable(err)),
			zap.Bool("access_denied", IsAccessDenied(err)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to upload recording %s: %w", rec.ID, err)
	}
	a.logger.Info("Recording uploaded", zap.String("id", rec.ID), zap.String("key", key))

	meta := &RecordingMeta{
		ID:        rec.ID,
		RoomID:    rec.RoomID,
		Owner:     rec.Owner,
		Subject:   rec.Subject,
		MimeType:  rec.MimeType,
		Bucket:    a.bucket,
		ObjectKey: key,
		SizeBytes: size,
		Duration:  rec.Duration,
		VideoBPS:  rec.VideoBPS,
		AudioBPS:  rec.AudioBPS,
		StartedAt: rec.StartedAt,
	}
	meta.DurationMs = rec.Duration.Milliseconds()
	a.presign(ctx, meta)

	if a.meta != nil {
		if err := a.meta.SaveRecording(ctx, meta); err != nil {
			return meta, fmt.Errorf("recording %s uploaded but metadata was not saved: %w", rec.ID, err)
		}
	}
	return meta, nil
}

// List returns a room's archived recordings, newest first, each with a
// fresh download link.
func (a *Archiver) List(ctx context.Context, roomID string) ([]*RecordingMeta, error) {
	if a.meta == nil {
		return nil, ErrNoMetadata
	}
	recs, err := a.meta.ListRecordings(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if a.objects != nil {
		for _, r := range recs {
			a.presign(ctx, r)
		}
	}
	return recs, nil
}

// presign fills meta.DownloadURL. A failure only costs the link.
func (a *Archiver) presign(ctx context.Context, meta *RecordingMeta) {
	u, err := a.objects.PresignedURL(ctx, meta.ObjectKey, a.urlExpiry)
	if err != nil {
		a.logger.Warn("Failed to presign recording URL", zap.String("key", meta.ObjectKey), zap.Error(err))
		return
	}
	meta.DownloadURL = u
}
