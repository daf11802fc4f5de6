package fetcher

import (
	"context"
	"fmt"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/metrics"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/source"
)

// Session ingests the ordered block stream of a single era. One Fetch call
// is one attempt: it holds one open stream for its lifetime and releases it
// on completion, failure, or cancellation.
type Session struct {
	src          source.BlockSource
	blocksPerEra uint64
}

func NewSession(src source.BlockSource, blocksPerEra uint64) *Session {
	if blocksPerEra == 0 {
		blocksPerEra = era.BlocksPerEra
	}
	return &Session{src: src, blocksPerEra: blocksPerEra}
}

// Fetch consumes one complete era from the source. Block numbers must be
// strictly contiguous from the era's first block; a gap or regression fails
// the attempt immediately rather than reordering or buffering. A stream
// that ends before the expected count is a short stream.
func (s *Session) Fetch(ctx context.Context, idx era.Index) ([]source.Block, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel() // releases the underlying stream on any exit

	blockCh, errCh := s.src.Stream(ctx, idx)

	blocks := make([]source.Block, 0, s.blocksPerEra)
	next := idx.FirstBlock()

	for uint64(len(blocks)) < s.blocksPerEra {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case err, ok := <-errCh:
			if !ok {
				// Error channel closed; stream end arrives via blockCh.
				errCh = nil
				continue
			}
			if err != nil {
				return nil, classify(idx, fmt.Errorf("stream era %d: %w", idx, err))
			}

		case b, ok := <-blockCh:
			if !ok {
				// The stream also closes when the attempt is cancelled;
				// report that as cancellation, not a short stream.
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				// Prefer a terminal error over a bare short-stream report.
				if errCh != nil {
					select {
					case err, open := <-errCh:
						if open && err != nil {
							return nil, classify(idx, fmt.Errorf("stream era %d: %w", idx, err))
						}
					default:
					}
				}
				return nil, &FetchError{
					Era:   idx,
					Class: FailureShortStream,
					Err:   fmt.Errorf("stream closed after %d of %d blocks", len(blocks), s.blocksPerEra),
				}
			}
			if b.Number != next {
				return nil, &FetchError{
					Era:   idx,
					Class: FailureProtocol,
					Err:   fmt.Errorf("out-of-order block: want %d, got %d", next, b.Number),
				}
			}
			blocks = append(blocks, b)
			next++
			if m := metrics.Get(); m != nil {
				m.BlocksFetched.Inc()
			}
		}
	}

	return blocks, nil
}
