// Package delta computes and applies byte-level copy/insert deltas against a
// source buffer that accumulates every chunk previously fed into a group.
//
// Two matchers share the same opcode output (internal/varint's insert/copy
// codec): a byte-hash matcher indexing three-byte windows of the source
// (bytehash.go), and a line matcher that hashes whole lines before falling
// back to byte comparison (linematch.go). Both are driven through Index, so
// callers never see the matcher difference.
package delta

import "github.com/breezy-team/groupstore/internal/varint"

// MinMatchBytes is the shortest run the byte-hash matcher will emit as a
// copy opcode under normal conditions.
const MinMatchBytes = 4

// SoftMinMatchBytes is the minimum match length used when a caller marks an
// insertion as "soft" (same logical file as the previous insertion), trading
// away small matches for a cleaner, less fragmented delta.
const SoftMinMatchBytes = 16

// Index accumulates source bytes across a sequence of Compute calls and
// keeps a bounded hash index over them so later calls can copy from earlier
// ones. The zero value is not usable; construct with NewIndex.
type Index struct {
	source        []byte
	table         map[uint64][]int32
	indexedUpTo   int // offset into source already folded into table
	maxBytesIndex int // stop adding table entries once source exceeds this
}

// NewIndex creates an Index. maxBytesToIndex caps how much of the source
// buffer is hash-indexed; 0 means unbounded. Source bytes beyond the cap are
// still retained (so copies can still reference them once found by a
// caller-supplied offset) but are never indexed themselves, matching the
// byte-hash matcher's documented degrade-gracefully behaviour.
func NewIndex(maxBytesToIndex int) *Index {
	return &Index{
		table:         make(map[uint64][]int32),
		maxBytesIndex: maxBytesToIndex,
	}
}

// Len returns the number of bytes currently in the source buffer.
func (ix *Index) Len() int { return len(ix.source) }

// AddSource appends data to the source buffer as indexable content, as when
// a fulltext record's own bytes become source for subsequent records.
func (ix *Index) AddSource(data []byte) {
	ix.source = append(ix.source, data...)
	ix.reindex()
}

// AddDeltaSource appends data (a delta's own encoded opcode stream) to the
// source buffer. A previously emitted delta's bytes are themselves valid
// copy material: a literal inserted by one record may be copied again by a
// later one without re-walking back to the original fulltext.
func (ix *Index) AddDeltaSource(data []byte) {
	ix.AddSource(data)
}

// Reset discards all source bytes and index entries, returning ix to its
// post-NewIndex state.
func (ix *Index) Reset() {
	ix.source = ix.source[:0]
	ix.indexedUpTo = 0
	for k := range ix.table {
		delete(ix.table, k)
	}
}

// Truncate discards source bytes from n onward (n <= Len()), for rolling
// back a single uncommitted insertion. Index entries pointing past n are
// left in the table; lookups are always bounds-checked against the current
// source length, so stale entries are simply never matched.
func (ix *Index) Truncate(n int) {
	ix.source = ix.source[:n]
	if ix.indexedUpTo > n {
		ix.indexedUpTo = n
	}
}

func (ix *Index) reindex() {
	limit := len(ix.source)
	if ix.maxBytesIndex > 0 && limit > ix.maxBytesIndex {
		limit = ix.maxBytesIndex
	}
	if limit < 3 {
		return
	}
	start := ix.indexedUpTo
	if start < 2 {
		start = 0
	} else {
		start -= 2 // windows starting up to 2 bytes before indexedUpTo straddle the boundary
	}
	for i := start; i+3 <= limit; i++ {
		h := hashWindow(ix.source[i : i+3])
		ix.table[h] = append(ix.table[h], int32(i))
	}
	ix.indexedUpTo = limit
}

// Compute produces a copy/insert opcode stream that reconstructs target when
// applied to the index's current source buffer. It returns ok=false if no
// delta within maxDeltaSize bytes can be produced, signalling the caller to
// store target as a fulltext instead. When soft is true the matcher
// requires longer runs before preferring a copy over literal insertion.
func (ix *Index) Compute(target []byte, maxDeltaSize int, soft bool) (out []byte, ok bool) {
	minMatch := MinMatchBytes
	if soft {
		minMatch = SoftMinMatchBytes
	}
	out = byteHashDelta(ix, target, minMatch)
	if maxDeltaSize > 0 && len(out) > maxDeltaSize {
		return nil, false
	}
	return out, true
}

// Apply reconstructs the original bytes from a copy/insert opcode stream and
// the given source buffer. Copy offsets are absolute offsets into source.
func Apply(source, encoded []byte) ([]byte, error) {
	out := make([]byte, 0, len(encoded))
	pos := 0
	for pos < len(encoded) {
		isCopy, offset, length, literal, newPos, err := varint.DecodeOpcode(encoded, pos)
		if err != nil {
			return nil, err
		}
		pos = newPos
		if isCopy {
			end := uint64(offset) + uint64(length)
			if end > uint64(len(source)) {
				return nil, ErrCopyOutOfRange
			}
			out = append(out, source[offset:offset+length]...)
		} else {
			out = append(out, literal...)
		}
	}
	return out, nil
}
