package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era"
)

// frame is the wire format of one block on the streaming feed: one JSON
// object per line, payload base64-encoded.
type frame struct {
	Number  uint64 `json:"number"`
	Payload []byte `json:"payload"`
}

// StreamSource pulls an era's blocks from an HTTP streaming endpoint. The
// provider emits newline-delimited frames in ascending block order and
// closes the response body at the end of the era.
type StreamSource struct {
	url    string
	token  Credential
	client *http.Client
}

// NewStreamSource creates a streaming source. The token is attached as a
// bearer credential on every request and is otherwise untouched.
func NewStreamSource(url string, token Credential) *StreamSource {
	return &StreamSource{
		url:   url,
		token: token,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Stream implements BlockSource.Stream over HTTP. One open response body is
// held for the lifetime of the session and released on completion, failure,
// or cancellation.
func (s *StreamSource) Stream(ctx context.Context, idx era.Index) (<-chan Block, <-chan error) {
	blockCh := make(chan Block, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(blockCh)
		defer close(errCh)

		url := fmt.Sprintf("%s?era=%d", s.url, idx)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			errCh <- fmt.Errorf("build request: %w", err)
			return
		}
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+string(s.token))
		}

		resp, err := s.client.Do(req)
		if err != nil {
			errCh <- fmt.Errorf("open stream: %w", err)
			return
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusUnauthorized, http.StatusForbidden:
			errCh <- fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
			return
		default:
			errCh <- fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
			return
		}

		dec := json.NewDecoder(resp.Body)
		for {
			var f frame
			if err := dec.Decode(&f); err != nil {
				if errors.Is(err, io.EOF) {
					// Provider closed the feed.
					return
				}
				errCh <- fmt.Errorf("decode frame: %w", err)
				return
			}

			select {
			case blockCh <- Block{Number: f.Number, Payload: f.Payload}:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return blockCh, errCh
}

// Close releases idle connections.
func (s *StreamSource) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
