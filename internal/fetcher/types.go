package fetcher

import (
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/source"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/storage"
)

// TaskState tracks an era task through the scheduler's state machine:
// Pending → Fetching → (Retrying → Fetching)* → Encoding → Writing → Done,
// or Fetching/Retrying → Failed.
type TaskState int

const (
	StatePending TaskState = iota
	StateFetching
	StateRetrying
	StateEncoding
	StateWriting
	StateDone
	StateFailed
)

func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFetching:
		return "fetching"
	case StateRetrying:
		return "retrying"
	case StateEncoding:
		return "encoding"
	case StateWriting:
		return "writing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EraTask is the scheduler's unit of work for one era. The scheduler owns
// it; a worker borrows it for the duration of one attempt. Accumulated
// blocks are discarded before any retry, so no attempt starts with stale
// partial data.
type EraTask struct {
	Era      era.Index
	State    TaskState
	Attempts int
	Blocks   []source.Block
	LastErr  error
}

// Encoder serializes a complete, ordered block sequence into the era
// container format. The format itself is an external collaborator of the
// fetch pipeline.
type Encoder interface {
	Encode(idx era.Index, blocks []source.Block) ([]byte, error)
}

// FailedEra pairs a failed era index with its terminal failure.
type FailedEra struct {
	Era era.Index
	Err *FetchError
}

// Report is the aggregate outcome of a scheduler run. Eras complete in any
// order; all slices are sorted by era index. Receipts carries the write
// receipt of every era in Done.
type Report struct {
	Done     []era.Index
	Skipped  []era.Index
	Failed   []FailedEra
	Receipts []*storage.WriteReceipt
}

// Err returns a non-nil error when any requested era failed.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	idxs := make([]string, len(r.Failed))
	for i, f := range r.Failed {
		idxs[i] = f.Era.String()
	}
	return fmt.Errorf("%d era(s) failed: %s", len(r.Failed), strings.Join(idxs, ", "))
}
