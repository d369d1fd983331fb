package digestindex

import (
	"encoding/hex"
	"iter"
	"unsafe"

	"github.com/zeebo/xxh3"

	idxerrors "github.com/tamirms/digestindex/errors"
)

// Index is a read-only, sorted set of identifiers supporting exact-match
// membership queries.
//
// An Index is only ever produced by Builder.Finish (or Build), so it is always
// sorted. It is never mutated afterwards.
//
// Thread Safety:
// - Every method is safe for concurrent use without locking
// - Slices returned by the index are never written by it
type Index struct {
	ids []Identifier

	// xxh3-128 over the packed, sorted entries; computed once at Finish.
	checksum xxh3.Uint128
}

// Stats holds index statistics.
type Stats struct {
	NumIdentifiers uint64
	NumDistinct    uint64
	MemoryBytes    uint64
	Checksum       string
}

// Contains reports whether id is in the index.
//
// Binary search over the closed interval [low, high]. Bounds are signed so
// that the empty index and the high = mid-1 step at position 0 cannot wrap.
func (idx *Index) Contains(id Identifier) bool {
	if len(idx.ids) == 0 {
		return false
	}

	low, high := 0, len(idx.ids)-1
	for low <= high {
		mid := low + (high-low)/2
		switch idx.ids[mid].Compare(id) {
		case 0:
			return true
		case -1:
			low = mid + 1
		default:
			high = mid - 1
		}
	}
	return false
}

// Lookup parses s (in either case) and reports whether it is in the index.
// Malformed input returns ErrInvalidIdentifier.
func (idx *Index) Lookup(s string) (bool, error) {
	id, err := ParseIdentifier(s)
	if err != nil {
		return false, err
	}
	return idx.Contains(id), nil
}

// Len returns the number of entries, duplicates included.
func (idx *Index) Len() int {
	return len(idx.ids)
}

// At returns the i-th entry in sorted order. It panics if i is out of range.
func (idx *Index) At(i int) Identifier {
	return idx.ids[i]
}

// All iterates over the entries in sorted order.
func (idx *Index) All() iter.Seq[Identifier] {
	return func(yield func(Identifier) bool) {
		for _, id := range idx.ids {
			if !yield(id) {
				return
			}
		}
	}
}

// Checksum returns the hex form of the content checksum computed at build time.
// Two indexes built from the same multiset of identifiers have equal checksums.
func (idx *Index) Checksum() string {
	b := idx.checksum.Bytes()
	return hex.EncodeToString(b[:])
}

// Stats returns statistics for the index.
func (idx *Index) Stats() *Stats {
	distinct := uint64(0)
	for i := range idx.ids {
		if i == 0 || idx.ids[i] != idx.ids[i-1] {
			distinct++
		}
	}
	return &Stats{
		NumIdentifiers: uint64(len(idx.ids)),
		NumDistinct:    distinct,
		MemoryBytes:    uint64(cap(idx.ids)) * identifierSize,
		Checksum:       idx.Checksum(),
	}
}

// Verify checks the invariants the binary search depends on:
// the entries are in non-decreasing order and match the build-time checksum.
func (idx *Index) Verify() error {
	for i := 1; i < len(idx.ids); i++ {
		if idx.ids[i-1].Compare(idx.ids[i]) > 0 {
			return idxerrors.ErrUnsorted
		}
	}
	if checksumIdentifiers(idx.ids) != idx.checksum {
		return idxerrors.ErrChecksumFailed
	}
	return nil
}

// checksumIdentifiers hashes the packed entries as one contiguous buffer.
func checksumIdentifiers(ids []Identifier) xxh3.Uint128 {
	if len(ids) == 0 {
		return xxh3.Hash128(nil)
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&ids[0])), len(ids)*identifierSize)
	return xxh3.Hash128(raw)
}
