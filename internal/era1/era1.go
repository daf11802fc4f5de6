// Package era1 encodes a completed block sequence into the e2store era
// container format: a flat sequence of type-length-value records holding
// snappy-compressed block payloads, followed by an accumulator and a block
// index for random access.
package era1

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/snappy"

	"github.com/withObsrvr/obsrvr-era-fetcher/internal/era"
	"github.com/withObsrvr/obsrvr-era-fetcher/internal/source"
)

// e2store record types.
const (
	TypeCompressedBlock uint16 = 0x04
	TypeAccumulator     uint16 = 0x07
	TypeVersion         uint16 = 0x3265
	TypeBlockIndex      uint16 = 0x3266
)

// headerSize is the fixed e2store record header: type (u16 LE), length
// (u32 LE), reserved (u16).
const headerSize = 8

var ErrEmptyEra = errors.New("era1: empty block sequence")

// Encoder serializes complete eras. It satisfies the fetcher's Encoder
// interface.
type Encoder struct{}

// Encode builds the era container for an ordered, complete block sequence.
// Layout: version record, one compressed-block record per payload, the
// accumulator (sha256 over the raw payloads in order), and the block index.
func (Encoder) Encode(idx era.Index, blocks []source.Block) ([]byte, error) {
	if len(blocks) == 0 {
		return nil, ErrEmptyEra
	}

	var out bytes.Buffer
	written := int64(writeRecord(&out, TypeVersion, nil))

	offsets := make([]int64, 0, len(blocks))
	acc := sha256.New()
	for _, b := range blocks {
		offsets = append(offsets, written)
		compressed, err := snapEncode(b.Payload)
		if err != nil {
			return nil, fmt.Errorf("compress block %d: %w", b.Number, err)
		}
		written += int64(writeRecord(&out, TypeCompressedBlock, compressed))
		acc.Write(b.Payload)
	}

	written += int64(writeRecord(&out, TypeAccumulator, acc.Sum(nil)))

	// Block index: starting number, one offset per block relative to the
	// index record's offset table, then the block count. All u64 LE.
	count := len(blocks)
	index := make([]byte, 16+8*count)
	binary.LittleEndian.PutUint64(index[0:8], idx.FirstBlock())
	base := written + 3*8 // skip the index record header and starting number
	for i, off := range offsets {
		rel := off - base - int64(i)*8
		binary.LittleEndian.PutUint64(index[8+i*8:16+i*8], uint64(rel))
	}
	binary.LittleEndian.PutUint64(index[len(index)-8:], uint64(count))
	writeRecord(&out, TypeBlockIndex, index)

	return out.Bytes(), nil
}

// snapEncode compresses data using the snappy framing format.
func snapEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeRecord(buf *bytes.Buffer, typ uint16, data []byte) int {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], typ)
	binary.LittleEndian.PutUint32(hdr[2:6], uint32(len(data)))
	buf.Write(hdr[:])
	buf.Write(data)
	return headerSize + len(data)
}

// Record is one parsed e2store record.
type Record struct {
	Type uint16
	Data []byte
}

// Records walks the container and returns every record in order.
func Records(data []byte) ([]Record, error) {
	var out []Record
	for off := 0; off < len(data); {
		if len(data)-off < headerSize {
			return nil, fmt.Errorf("era1: truncated record header at offset %d", off)
		}
		typ := binary.LittleEndian.Uint16(data[off : off+2])
		length := int(binary.LittleEndian.Uint32(data[off+2 : off+6]))
		off += headerSize
		if len(data)-off < length {
			return nil, fmt.Errorf("era1: truncated record body at offset %d", off)
		}
		out = append(out, Record{Type: typ, Data: data[off : off+length]})
		off += length
	}
	return out, nil
}

// DecodeBlocks parses a container and returns the starting block number and
// the decompressed payloads in order. Used for validation and tests; the
// fetch path never reads containers back.
func DecodeBlocks(data []byte) (start uint64, payloads [][]byte, err error) {
	records, err := Records(data)
	if err != nil {
		return 0, nil, err
	}
	if len(records) == 0 || records[0].Type != TypeVersion {
		return 0, nil, errors.New("era1: missing version record")
	}

	var count uint64
	haveIndex := false
	for _, rec := range records {
		switch rec.Type {
		case TypeCompressedBlock:
			r := snappy.NewReader(bytes.NewReader(rec.Data))
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(r); err != nil {
				return 0, nil, fmt.Errorf("era1: decompress block %d: %w", len(payloads), err)
			}
			payloads = append(payloads, buf.Bytes())
		case TypeBlockIndex:
			if len(rec.Data) < 16 {
				return 0, nil, errors.New("era1: short block index")
			}
			start = binary.LittleEndian.Uint64(rec.Data[0:8])
			count = binary.LittleEndian.Uint64(rec.Data[len(rec.Data)-8:])
			haveIndex = true
		}
	}

	if !haveIndex {
		return 0, nil, errors.New("era1: missing block index")
	}
	if count != uint64(len(payloads)) {
		return 0, nil, fmt.Errorf("era1: index count %d does not match %d block records", count, len(payloads))
	}
	return start, payloads, nil
}
