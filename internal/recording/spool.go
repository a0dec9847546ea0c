package recording

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

var ErrInsufficientSpace = errors.New("recording: insufficient disk space")

// Download writes rec to dir and returns the file path. An empty name uses the
// recording ID; the container's extension is appended when missing. The
// write goes through a temporary file so a partial blob never appears
// under the final name.
func Download(rec *Recording, dir, name string, minFree uint64) (string, error) {
	if rec == nil {
		return "", errors.New("recording: nil recording")
	}
	if name == "" {
		name = rec.ID
	}
	name = filepath.Base(name)
	if ext := rec.Extension(); !strings.HasSuffix(strings.ToLower(name), ext) {
		name += ext
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create spool dir: %w", err)
	}
	if err := checkDiskSpace(dir, uint64(len(rec.Data))+minFree); err != nil {
		return "", err
	}

	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, rec.Data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to write recording: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize recording: %w", err)
	}
	return path, nil
}

// checkDiskSpace verifies dir's filesystem has at least need bytes free.
func checkDiskSpace(dir string, need uint64) error {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return fmt.Errorf("failed to stat %s: %w", dir, err)
	}
	available := stat.Bavail * uint64(stat.Bsize)
	if available < need {
		return fmt.Errorf("%w: %d bytes available, %d required", ErrInsufficientSpace, available, need)
	}
	return nil
}
