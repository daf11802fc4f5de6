package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/source"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/storage"
)

// fakePayload is deterministic so retried attempts and differently
// concurrent runs produce identical bytes.
func fakePayload(n uint64) []byte {
	return []byte(fmt.Sprintf("block-%d-payload", n))
}

// fault scripts one failing stream attempt: deliver `after` blocks, then
// misbehave.
type fault struct {
	after int
	err   error // emit a terminal stream error
	short bool  // close the stream early instead
	gap   bool  // emit a block with a skipped sequence number
}

// fakeSource serves deterministic blocks with scripted per-attempt faults.
type fakeSource struct {
	blocksPer uint64
	delay     time.Duration // per-block delay

	mu        sync.Mutex
	faults    map[era.Index][]fault // indexed by attempt number - 1
	attempts  map[era.Index]int
	active    int
	maxActive int
}

func newFakeSource(blocksPer uint64) *fakeSource {
	return &fakeSource{
		blocksPer: blocksPer,
		faults:    make(map[era.Index][]fault),
		attempts:  make(map[era.Index]int),
	}
}

func (f *fakeSource) failAttempt(idx era.Index, fl fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[idx] = append(f.faults[idx], fl)
}

func (f *fakeSource) attemptCount(idx era.Index) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[idx]
}

func (f *fakeSource) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func (f *fakeSource) Stream(ctx context.Context, idx era.Index) (<-chan source.Block, <-chan error) {
	blockCh := make(chan source.Block)
	errCh := make(chan error, 1)

	f.mu.Lock()
	attempt := f.attempts[idx]
	f.attempts[idx] = attempt + 1
	var fl *fault
	if scripted := f.faults[idx]; attempt < len(scripted) {
		fl = &scripted[attempt]
	}
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.mu.Unlock()

	go func() {
		defer close(blockCh)
		defer close(errCh)
		defer func() {
			f.mu.Lock()
			f.active--
			f.mu.Unlock()
		}()

		for i := uint64(0); i < f.blocksPer; i++ {
			if fl != nil && uint64(fl.after) == i {
				switch {
				case fl.short:
					return
				case fl.gap:
					n := idx.FirstBlock() + i + 7
					select {
					case blockCh <- source.Block{Number: n, Payload: fakePayload(n)}:
					case <-ctx.Done():
					}
					return
				default:
					errCh <- fl.err
					return
				}
			}

			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-ctx.Done():
					return
				}
			}

			n := idx.FirstBlock() + i
			select {
			case blockCh <- source.Block{Number: n, Payload: fakePayload(n)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return blockCh, errCh
}

func (f *fakeSource) Close() error { return nil }

// fakeStore is an in-memory EraStore with an optional write barrier.
type fakeStore struct {
	mu      sync.Mutex
	files   map[era.Index][]byte
	barrier chan struct{} // writes wait for this to close, when set
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: make(map[era.Index][]byte)}
}

func (s *fakeStore) WriteEra(ctx context.Context, idx era.Index, data []byte) (*storage.WriteReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.barrier != nil {
		select {
		case <-s.barrier:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	s.files[idx] = append([]byte(nil), data...)
	s.mu.Unlock()
	return &storage.WriteReceipt{
		Era:       idx,
		Path:      idx.FileName(),
		ByteSize:  int64(len(data)),
		WrittenAt: time.Now().UTC(),
	}, nil
}

func (s *fakeStore) Exists(ctx context.Context, idx era.Index) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[idx]
	return ok, nil
}

func (s *fakeStore) URI(idx era.Index) string { return "fake://" + idx.FileName() }

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) fileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}
