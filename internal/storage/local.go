package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era"
)

const tempSuffix = ".tmp"

// LocalStore writes era files to a local output directory.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the output directory if needed and verifies it is
// writable before any fetch is scheduled.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output directory %s: %w", dir, err)
	}

	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("output directory %s is not writable: %w", dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return &LocalStore{dir: dir}, nil
}

// WriteEra writes atomically using a temp file in the same directory and a
// rename onto the final path. The rename is the sole mutator of the final
// path, so an external reader never observes a partial era file.
func (s *LocalStore) WriteEra(ctx context.Context, idx era.Index, data []byte) (*WriteReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, idx.FileName())
	tempPath := path + tempSuffix

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("write temp file %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}

	return &WriteReceipt{
		Era:       idx,
		Path:      path,
		ByteSize:  int64(len(data)),
		Checksum:  checksum(data),
		WrittenAt: time.Now().UTC(),
	}, nil
}

// Exists checks for the era's final file.
func (s *LocalStore) Exists(ctx context.Context, idx era.Index) (bool, error) {
	_, err := os.Stat(filepath.Join(s.dir, idx.FileName()))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// URI returns the canonical file:// URI for the era.
func (s *LocalStore) URI(idx era.Index) string {
	abs, err := filepath.Abs(filepath.Join(s.dir, idx.FileName()))
	if err != nil {
		abs = filepath.Join(s.dir, idx.FileName())
	}
	return "file://" + abs
}

// RemoveTemps deletes leftover temp files in the output directory so a
// cancelled run leaves only fully valid era files behind.
func (s *LocalStore) RemoveTemps() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+era.FileExt+tempSuffix))
	if err != nil {
		return err
	}
	for _, m := range matches {
		os.Remove(m)
	}
	return nil
}

// Close sweeps temp files.
func (s *LocalStore) Close() error {
	return s.RemoveTemps()
}
