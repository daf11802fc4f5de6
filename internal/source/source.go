// Package source streams ordered block records from a remote provider.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era"
)

// Block is one ordered block record within an era. The payload is opaque;
// nothing downstream inspects it before encoding. Number is the global
// block number, so the era-relative sequence of a block is
// Number - idx.FirstBlock().
type Block struct {
	Number  uint64
	Payload []byte
}

// BlockSource streams the blocks of a single era in ascending order.
type BlockSource interface {
	// Stream returns a channel of blocks for the given era and a channel
	// reporting a terminal stream error. The block channel is closed when
	// the stream ends, normally or not. Cancelling the context stops the
	// stream and releases the underlying session.
	Stream(ctx context.Context, idx era.Index) (<-chan Block, <-chan error)

	Close() error
}

// Credential is an opaque bearer token for the streaming provider. It is
// passed through unmodified and its contents are never logged.
type Credential string

var (
	// ErrUnauthorized is returned when the provider rejects the credential.
	ErrUnauthorized = errors.New("source: credential rejected")

	// ErrInvalidSourceMode is returned for an unrecognized source mode.
	ErrInvalidSourceMode = errors.New("source: invalid source mode")
)

// Config selects and configures a block source.
type Config struct {
	Mode      string // "stream" | "archive"
	StreamURL string
	Bucket    string // gs://..., s3://..., or file://... bucket URL
	Prefix    string
	Token     Credential
}

// New constructs a block source based on the configured mode.
func New(ctx context.Context, cfg Config) (BlockSource, error) {
	switch cfg.Mode {
	case "stream":
		return NewStreamSource(cfg.StreamURL, cfg.Token), nil
	case "archive":
		return NewArchiveSource(ctx, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSourceMode, cfg.Mode)
	}
}
