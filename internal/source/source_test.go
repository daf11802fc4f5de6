package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era"
)

func payloadFor(n uint64) []byte {
	return []byte(fmt.Sprintf("block-%d-payload", n))
}

func seedArchive(t *testing.T, bucket *blob.Bucket, prefix string, idx era.Index) {
	t.Helper()
	ctx := context.Background()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("create zstd encoder: %v", err)
	}
	defer enc.Close()

	for n := idx.FirstBlock(); n <= idx.LastBlock(); n++ {
		key := fmt.Sprintf("%s%012d.zst", prefix, n)
		compressed := enc.EncodeAll(payloadFor(n), nil)
		if err := bucket.WriteAll(ctx, key, compressed, nil); err != nil {
			t.Fatalf("seed block %d: %v", n, err)
		}
	}
}

func drain(t *testing.T, blockCh <-chan Block, errCh <-chan error) ([]Block, error) {
	t.Helper()
	var blocks []Block
	for {
		select {
		case b, ok := <-blockCh:
			if !ok {
				select {
				case err := <-errCh:
					return blocks, err
				default:
					return blocks, nil
				}
			}
			blocks = append(blocks, b)
		case err, ok := <-errCh:
			if ok && err != nil {
				return blocks, err
			}
			errCh = nil
		}
	}
}

func TestArchiveSourceStreamsFullEra(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	seedArchive(t, bucket, "blocks/", 0)

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		t.Fatalf("create zstd decoder: %v", err)
	}
	src := &ArchiveSource{bucket: bucket, prefix: "blocks/", dec: dec}
	defer dec.Close()

	blockCh, errCh := src.Stream(context.Background(), 0)
	blocks, err := drain(t, blockCh, errCh)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	if len(blocks) != era.BlocksPerEra {
		t.Fatalf("got %d blocks, want %d", len(blocks), era.BlocksPerEra)
	}
	for i, b := range blocks {
		if b.Number != uint64(i) {
			t.Fatalf("block %d has number %d", i, b.Number)
		}
		if string(b.Payload) != string(payloadFor(b.Number)) {
			t.Fatalf("block %d payload mismatch", i)
		}
	}
}

func TestArchiveSourceMissingBlock(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()
	seedArchive(t, bucket, "", 0)

	ctx := context.Background()
	if err := bucket.Delete(ctx, fmt.Sprintf("%012d.zst", uint64(100))); err != nil {
		t.Fatalf("delete seeded block: %v", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		t.Fatalf("create zstd decoder: %v", err)
	}
	src := &ArchiveSource{bucket: bucket, dec: dec}
	defer dec.Close()

	blockCh, errCh := src.Stream(ctx, 0)
	blocks, err := drain(t, blockCh, errCh)
	if err == nil {
		t.Fatal("expected error for missing block")
	}
	if len(blocks) != 100 {
		t.Errorf("got %d blocks before the gap, want 100", len(blocks))
	}
}

func TestStreamSourceBearerToken(t *testing.T) {
	const token = "sekret-token"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		for n := uint64(0); n < 3; n++ {
			fmt.Fprintf(w, `{"number":%d,"payload":"AAEC"}`+"\n", n)
		}
	}))
	defer srv.Close()

	src := NewStreamSource(srv.URL, Credential(token))
	defer src.Close()

	blockCh, errCh := src.Stream(context.Background(), 0)
	blocks, err := drain(t, blockCh, errCh)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}
	if blocks[2].Number != 2 {
		t.Errorf("last block number = %d, want 2", blocks[2].Number)
	}
	if len(blocks[0].Payload) != 3 {
		t.Errorf("payload length = %d, want 3", len(blocks[0].Payload))
	}
}

func TestStreamSourceUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	src := NewStreamSource(srv.URL, "wrong")
	defer src.Close()

	blockCh, errCh := src.Stream(context.Background(), 0)
	_, err := drain(t, blockCh, errCh)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
}

func TestNewInvalidMode(t *testing.T) {
	if _, err := New(context.Background(), Config{Mode: "carrier-pigeon"}); !errors.Is(err, ErrInvalidSourceMode) {
		t.Fatalf("error = %v, want ErrInvalidSourceMode", err)
	}
}
