package fetcher

import (
	"errors"
	"fmt"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/source"
)

// FailureClass classifies a per-era failure for retry decisions and
// reporting.
type FailureClass int

const (
	FailureTransient   FailureClass = iota // connection drop, timeout, rate limiting
	FailureShortStream                     // stream closed before the expected count
	FailureAuth                            // credential rejected
	FailureProtocol                        // malformed or out-of-order data
	FailureExhausted                       // transient failure persisted past the attempt budget
	FailureWrite                           // durable commit failed
)

func (c FailureClass) String() string {
	switch c {
	case FailureTransient:
		return "transient"
	case FailureShortStream:
		return "short_stream"
	case FailureAuth:
		return "auth"
	case FailureProtocol:
		return "protocol"
	case FailureExhausted:
		return "exhausted_retries"
	case FailureWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure class may be retried.
func (c FailureClass) Retryable() bool {
	return c == FailureTransient || c == FailureShortStream
}

// FetchError is a classified per-era failure.
type FetchError struct {
	Era   era.Index
	Class FailureClass
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("era %d: %s: %v", e.Era, e.Class, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// classify wraps a raw stream error with its failure class. Credential
// rejections are fatal; anything else from the transport is left to the
// retry policy as transient.
func classify(idx era.Index, err error) *FetchError {
	if errors.Is(err, source.ErrUnauthorized) {
		return &FetchError{Era: idx, Class: FailureAuth, Err: err}
	}
	return &FetchError{Era: idx, Class: FailureTransient, Err: err}
}
