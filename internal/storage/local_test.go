package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStoreWriteEra(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	data := []byte("encoded era container bytes")

	receipt, err := store.WriteEra(ctx, 7, data)
	if err != nil {
		t.Fatalf("WriteEra failed: %v", err)
	}

	wantPath := filepath.Join(dir, "era-00007.era1")
	if receipt.Path != wantPath {
		t.Errorf("receipt path = %s, want %s", receipt.Path, wantPath)
	}
	if receipt.ByteSize != int64(len(data)) {
		t.Errorf("receipt byte size = %d, want %d", receipt.ByteSize, len(data))
	}
	if !strings.HasPrefix(receipt.Checksum, "sha256:") {
		t.Errorf("receipt checksum = %q, want sha256 prefix", receipt.Checksum)
	}

	got, err := os.ReadFile(wantPath)
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if string(got) != string(data) {
		t.Error("final file content mismatch")
	}

	// No temp files may remain after a successful commit.
	temps, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(temps) != 0 {
		t.Errorf("temp files left behind: %v", temps)
	}

	exists, err := store.Exists(ctx, 7)
	if err != nil || !exists {
		t.Errorf("Exists(7) = %v, %v, want true, nil", exists, err)
	}
	exists, err = store.Exists(ctx, 8)
	if err != nil || exists {
		t.Errorf("Exists(8) = %v, %v, want false, nil", exists, err)
	}
}

func TestLocalStoreOverwriteReplaces(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	if _, err := store.WriteEra(ctx, 0, []byte("first version of the era")); err != nil {
		t.Fatalf("first WriteEra failed: %v", err)
	}
	if _, err := store.WriteEra(ctx, 0, []byte("second")); err != nil {
		t.Fatalf("second WriteEra failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "era-00000.era1"))
	if err != nil {
		t.Fatalf("read final file: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("file content = %q, want full replacement", got)
	}
}

func TestLocalStoreRemoveTemps(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	if _, err := store.WriteEra(ctx, 1, []byte("committed era")); err != nil {
		t.Fatalf("WriteEra failed: %v", err)
	}

	// Simulate a crash mid-write.
	stray := filepath.Join(dir, "era-00002.era1.tmp")
	if err := os.WriteFile(stray, []byte("partial"), 0644); err != nil {
		t.Fatalf("write stray temp: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Error("stray temp file survived Close")
	}
	if _, err := os.Stat(filepath.Join(dir, "era-00001.era1")); err != nil {
		t.Errorf("committed era file was touched: %v", err)
	}
}

func TestLocalStoreCancelledContext(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.WriteEra(ctx, 3, []byte("data")); err == nil {
		t.Fatal("WriteEra with cancelled context should fail")
	}
	if _, statErr := os.Stat(filepath.Join(dir, "era-00003.era1")); !os.IsNotExist(statErr) {
		t.Error("cancelled write left a final file")
	}
}
