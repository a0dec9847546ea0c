// Package storage archives finished recordings: the blob goes to an object
// store (MinIO) and a metadata row to Postgres.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ObjectStore is the subset of object storage operations the archive uses.
type ObjectStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, opts ...PutOption) error
	PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
	HealthCheck(ctx context.Context) error
}

// PutOption configures Put operations
type PutOption interface {
	applyPut(*putOptions)
}

type putOptions struct {
	ContentType  string
	Metadata     map[string]string
	CacheControl string
	ProgressFn   ProgressFunc
}

// ProgressFunc is called to report upload progress
type ProgressFunc func(bytesTransferred int64, totalBytes int64)

type contentTypeOption string

func (o contentTypeOption) applyPut(opts *putOptions) { opts.ContentType = string(o) }

type metadataOption map[string]string

func (o metadataOption) applyPut(opts *putOptions) { opts.Metadata = o }

type progressOption struct{ fn ProgressFunc }

func (o progressOption) applyPut(opts *putOptions) { opts.ProgressFn = o.fn }

type cacheControlOption string

func (o cacheControlOption) applyPut(opts *putOptions) { opts.CacheControl = string(o) }

func WithContentType(contentType string) PutOption { return contentTypeOption(contentType) }

func WithMetadata(metadata map[string]string) PutOption { return metadataOption(metadata) }

func WithProgress(fn ProgressFunc) PutOption { return progressOption{fn: fn} }

func WithCacheControl(cacheControl string) PutOption { return cacheControlOption(cacheControl) }

func applyPutOptions(opts []PutOption) *putOptions {
	options := &putOptions{ContentType: "application/octet-stream"}
	for _, opt := range opts {
		opt.applyPut(options)
	}
	return options
}

// StorageError represents a storage operation error
type StorageError struct {
	Op         string
	Key        string
	Err        error
	StatusCode int
	Retryable  bool
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return e.Op + " " + e.Key + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsAccessDenied returns true if the error indicates access was denied
func IsAccessDenied(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr) && serr.StatusCode == 403
}

// IsRetryable reports whether a later attempt of the same operation may
// succeed.
func IsRetryable(err error) bool {
	var serr *StorageError
	return errors.As(err, &serr) && serr.Retryable
}
