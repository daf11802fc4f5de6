// Package storage commits encoded era containers to durable storage.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era"
)

// WriteReceipt confirms an era's bytes are durably present at the final
// path.
type WriteReceipt struct {
	Era       era.Index
	Path      string
	ByteSize  int64
	Checksum  string // sha256:<hex>
	WrittenAt time.Time
}

// EraStore persists encoded era containers. A file at the final path is
// either absent or fully valid; implementations must never expose a
// half-written era.
type EraStore interface {
	// WriteEra commits the encoded bytes for one era. Re-writing an
	// existing era fully replaces it.
	WriteEra(ctx context.Context, idx era.Index, data []byte) (*WriteReceipt, error)

	// Exists reports whether the era's final file is already present.
	Exists(ctx context.Context, idx era.Index) (bool, error)

	// URI returns the canonical URI of the era's final location.
	URI(idx era.Index) string

	// Close releases resources and removes any leftover temporary files.
	Close() error
}

// ErrInvalidBackend is returned for an unrecognized storage backend.
var ErrInvalidBackend = errors.New("storage: invalid backend")

// Config selects and configures the storage backend.
type Config struct {
	Backend   string // "local" | "blob"
	OutputDir string
	Bucket    string // gs://..., s3://..., or file://... bucket URL
	Prefix    string
}

// NewEraStore constructs a store based on the configured backend.
func NewEraStore(ctx context.Context, cfg Config) (EraStore, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.OutputDir)
	case "blob":
		return NewBlobStore(ctx, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidBackend, cfg.Backend)
	}
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
