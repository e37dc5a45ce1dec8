package delta

import (
	"github.com/breezy-team/groupstore/internal/varint"
	"github.com/zeebo/xxh3"
)

// hashWindow hashes a fixed three-byte window for the source index's hash
// table. xxh3 is already linked in for fast, well-distributed small-key
// hashing; reusing it here avoids hand-rolling a second hash function for
// what is the same "hash a short byte window" job.
func hashWindow(w []byte) uint64 {
	return xxh3.Hash(w)
}

// byteHashDelta finds copy/insert opcodes that rebuild target from
// ix.source, requiring matches of at least minMatch bytes
// before emitting a copy (shorter runs are cheaper to encode as literals).
func byteHashDelta(ix *Index, target []byte, minMatch int) []byte {
	var out []byte
	var pending []byte

	flushPending := func() {
		if len(pending) > 0 {
			out = varint.AppendInsert(out, pending)
			pending = nil
		}
	}

	i := 0
	for i < len(target) {
		if i+3 > len(target) {
			pending = append(pending, target[i:]...)
			break
		}
		h := hashWindow(target[i : i+3])
		candidates := ix.table[h]
		bestLen := 0
		bestOff := int32(-1)
		srcLen := len(ix.source)
		for _, off := range candidates {
			if int(off) >= srcLen {
				continue // stale entry past a Truncate
			}
			n := matchLength(ix.source[off:], target[i:])
			if n > bestLen {
				bestLen = n
				bestOff = off
			}
		}
		if bestLen >= minMatch {
			flushPending()
			emitCopy(&out, uint32(bestOff), uint32(bestLen))
			i += bestLen
			continue
		}
		pending = append(pending, target[i])
		i++
	}
	flushPending()
	return out
}

// emitCopy splits a match longer than 65536 bytes into successive copy
// opcodes, since a single opcode's length field caps out at that value.
func emitCopy(out *[]byte, offset, length uint32) {
	const maxCopy = 65536
	for length > 0 {
		n := length
		if n > maxCopy {
			n = maxCopy
		}
		*out = varint.AppendCopy(*out, offset, n)
		offset += n
		length -= n
	}
}

func matchLength(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
