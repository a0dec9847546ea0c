package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOStore implements ObjectStore using MinIO
type MinIOStore struct {
	client     *minio.Client
	bucket     string
	logger     *zap.Logger
	config     MinIOConfig
	uploadPool chan struct{}
}

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string

	MaxUploads     int
	ConnectTimeout time.Duration

	// Retry settings (best-effort; MinIO client also retries internally)
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c *MinIOConfig) setDefaults() {
	if c.MaxUploads <= 0 {
		c.MaxUploads = 4
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
}

// NewMinIOStore connects to MinIO and makes sure the bucket exists.
func NewMinIOStore(ctx context.Context, config MinIOConfig, logger *zap.Logger) (*MinIOStore, error) {
	if config.Endpoint == "" {
		return nil, errors.New("storage: minio endpoint is required")
	}
	if config.Bucket == "" {
		return nil, errors.New("storage: minio bucket is required")
	}
	config.setDefaults()
	if logger == nil {
		logger = zap.L()
	}

	minioClient, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{
		client:     minioClient,
		bucket:     config.Bucket,
		logger:     logger.Named("minio-store"),
		config:     config,
		uploadPool: make(chan struct{}, config.MaxUploads),
	}
	for i := 0; i < config.MaxUploads; i++ {
		store.uploadPool <- struct{}{}
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	exists, err := minioClient.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		err = minioClient.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		store.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}

	return store, nil
}

func (s *MinIOStore) Bucket() string { return s.bucket }

// newBackoff returns a fresh policy per operation.
func (s *MinIOStore) newBackoff(ctx context.Context) backoff.BackOffContext {
	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	ebo.Reset()
	var b backoff.BackOff = ebo
	if s.config.MaxRetries > 0 {
		b = backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}

// Put uploads an object. Seekable readers are rewound between attempts;
// anything else is tried once.
func (s *MinIOStore) Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error {
	options := applyPutOptions(opts)

	select {
	case <-s.uploadPool:
		defer func() { s.uploadPool <- struct{}{} }()
	case <-ctx.Done():
		return ctx.Err()
	}
	putOpts := minio.PutObjectOptions{
		ContentType:  options.ContentType,
		UserMetadata: options.Metadata,
		CacheControl: options.CacheControl,
	}

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			rs, ok := reader.(io.ReadSeeker)
			if !ok {
				return backoff.Permanent(errors.New("reader not seekable; not retrying"))
			}
			if _, err := rs.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
			}
		}

		body := reader
		if options.ProgressFn != nil {
			body = &progressReader{reader: reader, total: size, progressFn: options.ProgressFn}
		}

		info, err := s.client.PutObject(ctx, s.bucket, key, body, size, putOpts)
		if err != nil {
			if code := minioStatusCode(err); code == 403 || code == 400 {
				return backoff.Permanent(err)
			}
			return err
		}

		s.logger.Debug("Object uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag),
			zap.Int("attempt", attempt))
		return nil
	}

	if err := backoff.Retry(op, s.newBackoff(ctx)); err != nil {
		return &StorageError{
			Op:         "put",
			Key:        key,
			Err:        err,
			StatusCode: minioStatusCode(err),
			Retryable:  ctx.Err() == nil,
		}
	}
	return nil
}

// PutFile uploads a file to storage
func (s *MinIOStore) PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error {
	file, err := os.Open(filePath)
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}

	opts = append([]PutOption{WithContentType(ContentTypeFor(filePath))}, opts...)
	return s.Put(ctx, key, file, stat.Size(), opts...)
}

// PresignedURL generates a pre-signed URL for downloading
func (s *MinIOStore) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		return "", &StorageError{Op: "presign", Key: key, Err: err, StatusCode: minioStatusCode(err)}
	}
	return u.String(), nil
}

// HealthCheck verifies the storage is accessible
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", s.bucket)}
	}
	return nil
}

// progressReader reports per-read progress.
type progressReader struct {
	reader     io.Reader
	total      int64
	read       int64
	progressFn ProgressFunc
	mu         sync.Mutex
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.reader.Read(b)
	p.mu.Lock()
	p.read += int64(n)
	p.progressFn(p.read, p.total)
	p.mu.Unlock()
	return n, err
}

// ContentTypeFor guesses a recording's content type from its file name.
func ContentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".webm":
		return "video/webm"
	case ".ogg":
		return "audio/ogg"
	case ".mp4":
		return "video/mp4"
	case ".mpeg":
		return "video/mpeg"
	default:
		return "application/octet-stream"
	}
}

// minioStatusCode extracts HTTP status code from MinIO error
func minioStatusCode(err error) int {
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode != 0 {
		return resp.StatusCode
	}
	switch resp.Code {
	case "":
		return 0
	case "NoSuchKey", "NoSuchBucket":
		return 404
	case "AccessDenied":
		return 403
	case "InvalidArgument":
		return 400
	default:
		return 500
	}
}
