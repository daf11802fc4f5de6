// Package manifest records what a run committed: one entry per finalized
// era file, with its size and checksum. Downstream consumers verify their
// downloads against it, and re-runs over the same directory merge into it
// rather than starting over.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/storage"
)

// FileName is the manifest's name inside the output directory.
const FileName = "manifest.json"

// ErrNoManifest is returned when the directory has no manifest yet.
var ErrNoManifest = errors.New("no manifest found")

// Entry describes one committed era file.
type Entry struct {
	Era       uint64    `json:"era"`
	File      string    `json:"file"`
	ByteSize  int64     `json:"byte_size"`
	Checksum  string    `json:"checksum"`
	WrittenAt time.Time `json:"written_at"`
}

// Manifest is the durable record of committed eras in one output directory.
type Manifest struct {
	BlocksPerEra uint64    `json:"blocks_per_era"`
	UpdatedAt    time.Time `json:"updated_at"`
	Entries      []Entry   `json:"entries"`
}

// Load reads the manifest from dir.
func Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoManifest
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// Merge folds freshly committed receipts into the manifest, replacing any
// previous entry for the same era.
func (m *Manifest) Merge(receipts []*storage.WriteReceipt) {
	byEra := make(map[uint64]Entry, len(m.Entries)+len(receipts))
	for _, e := range m.Entries {
		byEra[e.Era] = e
	}
	for _, r := range receipts {
		byEra[uint64(r.Era)] = Entry{
			Era:       uint64(r.Era),
			File:      r.Era.FileName(),
			ByteSize:  r.ByteSize,
			Checksum:  r.Checksum,
			WrittenAt: r.WrittenAt,
		}
	}

	m.Entries = m.Entries[:0]
	for _, e := range byEra {
		m.Entries = append(m.Entries, e)
	}
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Era < m.Entries[j].Era })
	m.UpdatedAt = time.Now().UTC()
}

// Save persists the manifest to dir atomically.
func Save(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	path := filepath.Join(dir, FileName)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write manifest temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename manifest file: %w", err)
	}
	return nil
}

// Update loads the manifest in dir (starting fresh if none exists), merges
// the receipts, and saves it back.
func Update(dir string, blocksPerEra uint64, receipts []*storage.WriteReceipt) error {
	if len(receipts) == 0 {
		return nil
	}

	m, err := Load(dir)
	if errors.Is(err, ErrNoManifest) {
		m = &Manifest{BlocksPerEra: blocksPerEra}
	} else if err != nil {
		return err
	}

	m.Merge(receipts)
	return Save(dir, m)
}
