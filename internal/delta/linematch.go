package delta

import "github.com/breezy-team/groupstore/internal/varint"

// LineIndex is the line-oriented alternative to Index. It hashes whole
// lines (runs ending in '\n', or the final unterminated run) rather than
// three-byte windows, which tends to produce cleaner deltas for line-
// structured text such as source files or text-format manifests, at the
// cost of degenerating to fulltext-sized inserts on binary content with no
// line structure.
type LineIndex struct {
	source []byte
	lines  []lineSpan // spans into source, in order added
	table  map[uint64][]int32
}

type lineSpan struct {
	start, end int32
}

// NewLineIndex creates an empty LineIndex.
func NewLineIndex() *LineIndex {
	return &LineIndex{table: make(map[uint64][]int32)}
}

// AddSource appends data to the source buffer, splitting it into lines and
// indexing each one.
func (lx *LineIndex) AddSource(data []byte) {
	base := int32(len(lx.source))
	lx.source = append(lx.source, data...)
	start := base
	for i, b := range data {
		if b == '\n' {
			end := base + int32(i) + 1
			lx.addLine(start, end)
			start = end
		}
	}
	if start < int32(len(lx.source)) {
		lx.addLine(start, int32(len(lx.source)))
	}
}

func (lx *LineIndex) addLine(start, end int32) {
	idx := int32(len(lx.lines))
	lx.lines = append(lx.lines, lineSpan{start, end})
	h := hashWindow(lx.source[start:end])
	lx.table[h] = append(lx.table[h], idx)
}

// Compute produces a copy/insert opcode stream reconstructing target from
// lx's source buffer, matching whole lines where possible.
func (lx *LineIndex) Compute(target []byte, maxDeltaSize int) (out []byte, ok bool) {
	var pending []byte
	flush := func() {
		if len(pending) > 0 {
			out = varint.AppendInsert(out, pending)
			pending = nil
		}
	}

	pos := 0
	for pos < len(target) {
		end := indexByte(target[pos:], '\n')
		lineEnd := len(target)
		if end >= 0 {
			lineEnd = pos + end + 1
		}
		line := target[pos:lineEnd]
		h := hashWindow(line)
		matched := false
		for _, li := range lx.table[h] {
			span := lx.lines[li]
			if bytesEqual(lx.source[span.start:span.end], line) {
				flush()
				emitCopy(&out, uint32(span.start), uint32(span.end-span.start))
				matched = true
				break
			}
		}
		if !matched {
			pending = append(pending, line...)
		}
		pos = lineEnd
	}
	flush()
	if maxDeltaSize > 0 && len(out) > maxDeltaSize {
		return nil, false
	}
	return out, true
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
