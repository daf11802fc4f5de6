package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era"
)

const blobTempPrefix = "_tmp/"

// BlobStore writes era files to an object store bucket. Object stores have
// no rename, so the commit is a temp-key write followed by a server-side
// copy to the canonical key and a delete of the temp object. Readers only
// ever see the canonical key complete.
type BlobStore struct {
	bucket    *blob.Bucket
	bucketURL string
	prefix    string
}

// NewBlobStore opens the bucket at the given URL (gs://, s3://, file://).
func NewBlobStore(ctx context.Context, bucketURL, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}

	return &BlobStore{
		bucket:    bucket,
		bucketURL: strings.TrimSuffix(bucketURL, "/"),
		prefix:    prefix,
	}, nil
}

func (s *BlobStore) key(idx era.Index) string {
	return s.prefix + idx.FileName()
}

// WriteEra implements EraStore.WriteEra for object stores.
func (s *BlobStore) WriteEra(ctx context.Context, idx era.Index, data []byte) (*WriteReceipt, error) {
	key := s.key(idx)
	tempKey := blobTempPrefix + uuid.New().String() + "-" + idx.FileName()

	if err := s.bucket.WriteAll(ctx, tempKey, data, nil); err != nil {
		return nil, fmt.Errorf("write temp object %s: %w", tempKey, err)
	}

	if err := s.bucket.Copy(ctx, key, tempKey, nil); err != nil {
		s.bucket.Delete(ctx, tempKey)
		return nil, fmt.Errorf("finalize %s: %w", key, err)
	}

	if err := s.bucket.Delete(ctx, tempKey); err != nil {
		// The canonical object is already in place; a stray temp object is
		// swept on Close.
		return nil, fmt.Errorf("remove temp object %s: %w", tempKey, err)
	}

	return &WriteReceipt{
		Era:       idx,
		Path:      key,
		ByteSize:  int64(len(data)),
		Checksum:  checksum(data),
		WrittenAt: time.Now().UTC(),
	}, nil
}

// Exists checks for the era's canonical object.
func (s *BlobStore) Exists(ctx context.Context, idx era.Index) (bool, error) {
	return s.bucket.Exists(ctx, s.key(idx))
}

// URI returns the canonical URI of the era object.
func (s *BlobStore) URI(idx era.Index) string {
	return s.bucketURL + "/" + s.key(idx)
}

// Close sweeps leftover temp objects and releases the bucket.
func (s *BlobStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	iter := s.bucket.List(&blob.ListOptions{Prefix: blobTempPrefix})
	for {
		obj, err := iter.Next(ctx)
		if err != nil {
			break
		}
		s.bucket.Delete(ctx, obj.Key)
	}

	return s.bucket.Close()
}
