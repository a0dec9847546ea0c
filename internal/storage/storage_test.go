package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeObjects struct {
	putErr     error
	presignErr error
	expiry     time.Duration
	puts       map[string][]byte
	files   map[string]string
	options map[string]*putOptions
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		puts:    make(map[string][]byte),
		files:   make(map[string]string),
		options: make(map[string]*putOptions),
	}
}

func (f *fakeObjects) Put(_ context.Context, key string, r io.Reader, _ int64, opts ...PutOption) error {
	if f.putErr != nil {
		return f.putErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.puts[key] = b
	f.options[key] = applyPutOptions(opts)
	return nil
}

func (f *fakeObjects) PutFile(_ context.Context, key, filePath string, opts ...PutOption) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.files[key] = filePath
	f.options[key] = applyPutOptions(opts)
	return nil
}

func (f *fakeObjects) PresignedURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	f.expiry = expiry
	return "https://minio.test/" + key, nil
}

func (f *fakeObjects) HealthCheck(context.Context) error { return nil }

type fakeMeta struct {
	err   error
	saved []*RecordingMeta
}

func (f *fakeMeta) SaveRecording(_ context.Context, rec *RecordingMeta) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, rec)
	return nil
}

func (f *fakeMeta) ListRecordings(_ context.Context, roomID string) ([]*RecordingMeta, error) {
	var out []*RecordingMeta
	for _, r := range f.saved {
		if r.RoomID == roomID {
			out = append(out, r)
		}
	}
	return out, nil
}

func testArchive() Archive {
	return Archive{
		ID:        "rec_1",
		RoomID:    "standup",
		Owner:     "alice",
		Subject:   "bob",
		MimeType:  "video/webm",
		Extension: ".webm",
		Data:      []byte("webm-bytes"),
		StartedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		Duration:  90 * time.Second,
		VideoBPS:  2_500_000,
		AudioBPS:  128_000,
	}
}

func TestArchiveUploadsAndSavesMetadata(t *testing.T) {
	objects, meta := newFakeObjects(), &fakeMeta{}
	a := NewArchiver(objects, "meshroom-recordings", meta, zaptest.NewLogger(t))

	got, err := a.Archive(context.Background(), testArchive())
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}

	key := "rooms/standup/recordings/rec_1.webm"
	if string(objects.puts[key]) != "webm-bytes" {
		t.Fatalf("uploaded objects = %v", objects.puts)
	}
	opts := objects.options[key]
	if opts.ContentType != "video/webm" || opts.Metadata["subject"] != "bob" {
		t.Fatalf("put options = %+v", opts)
	}
	if got.ObjectKey != key || got.Bucket != "meshroom-recordings" || got.DurationMs != 90_000 || got.SizeBytes != 10 {
		t.Fatalf("meta = %+v", got)
	}
	if got.DownloadURL != "https://minio.test/"+key || objects.expiry != DefaultURLExpiry {
		t.Fatalf("download url = %q (expiry %v)", got.DownloadURL, objects.expiry)
	}
	if len(meta.saved) != 1 || meta.saved[0].ID != "rec_1" {
		t.Fatalf("saved = %v", meta.saved)
	}
}

func TestArchiveKeepsUploadWhenPresignFails(t *testing.T) {
	objects := newFakeObjects()
	objects.presignErr = &StorageError{Op: "presign", Err: errors.New("clock skew")}
	a := NewArchiver(objects, "b", nil, zaptest.NewLogger(t))

	got, err := a.Archive(context.Background(), testArchive())
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if got.DownloadURL != "" || len(objects.puts) != 1 {
		t.Fatalf("meta = %+v, puts = %d", got, len(objects.puts))
	}
}

func TestArchiverList(t *testing.T) {
	objects, meta := newFakeObjects(), &fakeMeta{}
	a := NewArchiver(objects, "b", meta, zaptest.NewLogger(t), WithURLExpiry(time.Hour))
	for _, id := range []string{"rec_1", "rec_2"} {
		rec := testArchive()
		rec.ID = id
		if _, err := a.Archive(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}
	other := testArchive()
	other.ID, other.RoomID = "rec_3", "retro"
	if _, err := a.Archive(context.Background(), other); err != nil {
		t.Fatal(err)
	}
	for _, r := range meta.saved {
		r.DownloadURL = ""
	}

	got, err := a.List(context.Background(), "standup")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("listed %d recordings, want 2", len(got))
	}
	for _, r := range got {
		if r.DownloadURL != "https://minio.test/"+r.ObjectKey {
			t.Fatalf("%s download url = %q", r.ID, r.DownloadURL)
		}
	}
	if objects.expiry != time.Hour {
		t.Fatalf("expiry = %v, want 1h", objects.expiry)
	}

	bare := NewArchiver(objects, "b", nil, zaptest.NewLogger(t))
	if _, err := bare.List(context.Background(), "standup"); !errors.Is(err, ErrNoMetadata) {
		t.Fatalf("List without metadata = %v, want ErrNoMetadata", err)
	}
}

func TestArchivePrefersSpooledFile(t *testing.T) {
	objects := newFakeObjects()
	a := NewArchiver(objects, "b", nil, zaptest.NewLogger(t))

	rec := testArchive()
	rec.Path = "/spool/rec_1.webm"
	if _, err := a.Archive(context.Background(), rec); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if objects.files["rooms/standup/recordings/rec_1.webm"] != rec.Path {
		t.Fatalf("file uploads = %v", objects.files)
	}
	if len(objects.puts) != 0 {
		t.Fatal("the in-memory blob should not be uploaded when a spool file exists")
	}
}

func TestArchiveErrors(t *testing.T) {
	tests := []struct {
		name     string
		objects  ObjectStore
		meta     *fakeMeta
		mutate   func(*Archive)
		wantMeta bool
	}{
		{name: "no object store", objects: nil},
		{name: "missing room", objects: newFakeObjects(), mutate: func(a *Archive) { a.RoomID = "" }},
		{name: "upload fails", objects: &fakeObjects{putErr: &StorageError{Op: "put", Err: errors.New("down"), Retryable: true}}},
		{name: "metadata fails", objects: newFakeObjects(), meta: &fakeMeta{err: errors.New("db down")}, wantMeta: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var meta MetadataStore
			if tt.meta != nil {
				meta = tt.meta
			}
			a := NewArchiver(tt.objects, "b", meta, zaptest.NewLogger(t))
			rec := testArchive()
			if tt.mutate != nil {
				tt.mutate(&rec)
			}
			got, err := a.Archive(context.Background(), rec)
			if err == nil {
				t.Fatal("expected an error")
			}
			if (got != nil) != tt.wantMeta {
				t.Fatalf("meta returned = %v, want %v", got != nil, tt.wantMeta)
			}
		})
	}
}

func TestStorageErrorHelpers(t *testing.T) {
	notFound := fmt.Errorf("wrapped: %w", &StorageError{Op: "presign", Key: "k", Err: errors.New("nope"), StatusCode: 404})
	denied := fmt.Errorf("wrapped: %w", &StorageError{Op: "put", Err: errors.New("no"), StatusCode: 403})
	retry := &StorageError{Op: "put", Key: "k", Err: errors.New("timeout"), Retryable: true}

	if !IsAccessDenied(denied) || IsAccessDenied(notFound) {
		t.Error("IsAccessDenied misclassified")
	}
	if !IsRetryable(retry) || IsRetryable(denied) || IsRetryable(errors.New("plain")) {
		t.Error("IsRetryable misclassified")
	}
	if got := retry.Error(); got != "put k: timeout" {
		t.Errorf("Error() = %q", got)
	}
	if got := denied.Error(); got != "wrapped: put: no" {
		t.Errorf("Error() = %q", got)
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := map[string]string{
		"a.webm":     "video/webm",
		"a.OGG":      "audio/ogg",
		"a.mp4":      "video/mp4",
		"a":          "application/octet-stream",
		"dir/x.mpeg": "video/mpeg",
	}
	for in, want := range tests {
		if got := ContentTypeFor(in); got != want {
			t.Errorf("ContentTypeFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewMinIOStoreValidates(t *testing.T) {
	if _, err := NewMinIOStore(context.Background(), MinIOConfig{Bucket: "b"}, zaptest.NewLogger(t)); err == nil {
		t.Fatal("missing endpoint must fail")
	}
	if _, err := NewMinIOStore(context.Background(), MinIOConfig{Endpoint: "localhost:9000"}, zaptest.NewLogger(t)); err == nil {
		t.Fatal("missing bucket must fail")
	}
}
