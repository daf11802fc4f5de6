// Package era provides era boundary math and range planning for the era fetcher.
package era

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// BlocksPerEra is the fixed number of blocks in one era container.
const BlocksPerEra = 8192

// FileExt is the extension of an era container file.
const FileExt = ".era1"

// ErrInvalidRange is returned when an era range fails validation.
var ErrInvalidRange = errors.New("invalid era range")

// Index identifies one era. Eras are totally ordered and each maps 1:1 to
// one output file.
type Index uint64

// FirstBlock returns the number of the first block in this era.
func (i Index) FirstBlock() uint64 {
	return uint64(i) * BlocksPerEra
}

// LastBlock returns the number of the last block in this era.
func (i Index) LastBlock() uint64 {
	return i.FirstBlock() + BlocksPerEra - 1
}

// FileName returns the output file name for this era: a fixed-width,
// zero-padded index plus the era file extension.
func (i Index) FileName() string {
	return fmt.Sprintf("era-%05d%s", uint64(i), FileExt)
}

func (i Index) String() string {
	return strconv.FormatUint(uint64(i), 10)
}

// ForBlock returns the era containing the given block number.
func ForBlock(number uint64) Index {
	return Index(number / BlocksPerEra)
}

// Plan expands an inclusive [start, end] range into the ordered set of era
// indices to fetch. It has no side effects; validation failures surface as
// ErrInvalidRange before any fetch begins.
func Plan(start, end Index) ([]Index, error) {
	if start > end {
		return nil, fmt.Errorf("%w: start %d > end %d", ErrInvalidRange, start, end)
	}
	out := make([]Index, 0, end-start+1)
	for i := start; i <= end; i++ {
		out = append(out, i)
	}
	return out, nil
}

// ParseRange parses the CLI era range syntax "<start>:<end>". A bare
// "<end>" is shorthand for "0:<end>". Both bounds are inclusive.
func ParseRange(s string) (start, end Index, err error) {
	prefix, suffix, found := strings.Cut(s, ":")
	if !found {
		suffix = prefix
		prefix = ""
	}
	if prefix != "" {
		v, perr := strconv.ParseUint(prefix, 10, 64)
		if perr != nil {
			return 0, 0, fmt.Errorf("%w: start %q is not a valid integer", ErrInvalidRange, prefix)
		}
		start = Index(v)
	}
	v, perr := strconv.ParseUint(suffix, 10, 64)
	if perr != nil {
		return 0, 0, fmt.Errorf("%w: end %q is not a valid integer", ErrInvalidRange, suffix)
	}
	end = Index(v)
	if start > end {
		return 0, 0, fmt.Errorf("%w: start %d > end %d", ErrInvalidRange, start, end)
	}
	return start, end, nil
}
