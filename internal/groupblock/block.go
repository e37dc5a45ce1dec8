// Package groupblock implements the framed, deflate-compressed container
// that holds a group's uncompressed content buffer: a sequence of
// (kind, length, payload) records where kind is fulltext or delta.
//
// Format:
//
//	magic:            6 bytes, "gcb1z\n" (deflate) or "gcb1l\n" (reserved, lzma)
//	compressed_len:   ASCII decimal, "\n"-terminated
//	uncompressed_len: ASCII decimal, "\n"-terminated
//	payload:          compressed_len bytes
//
// The uncompressed payload is itself a concatenation of records, each
// kind_byte || varint(content_length) || content_bytes. A fulltext record's
// content is the literal bytes; a delta record's content begins with a
// varint giving the expanded length, followed by copy/insert opcodes to
// apply against the block's own (already decompressed) content buffer.
//
// Grounded on the teacher store's block/footer framing discipline (magic +
// length header before a compressed payload) and its compression package's
// codec-type-byte dispatch, generalized from a fixed block size to the
// incremental, request-driven decompression this format requires.
package groupblock

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/flate"

	"github.com/breezy-team/groupstore/internal/delta"
	"github.com/breezy-team/groupstore/internal/varint"
)

// MagicDeflate and MagicLZMA are the two permitted six-byte magic headers.
// Only deflate is implemented; lzma is reserved so a foreign block at least
// fails with ErrUnsupportedCompressor rather than silent corruption.
var (
	MagicDeflate = []byte("gcb1z\n")
	MagicLZMA    = []byte("gcb1l\n")
)

// incrementalStep is the minimum extra slack decompressed per Ensure call
// beyond the bytes actually requested, so repeated small extractions make
// steady progress instead of re-inflating from the start each time.
const incrementalStep = 32 * 1024

// Kind identifies a record's storage representation inside a block.
type Kind byte

const (
	// KindFulltext marks a record stored as literal bytes.
	KindFulltext Kind = 'f'
	// KindDelta marks a record stored as a delta against the block buffer.
	KindDelta Kind = 'd'
)

// Block is a parsed, lazily-decompressed group block. A parsed Block holds
// the compressed payload and decompresses more of it on demand; Serialize
// (writer.go) turns a content buffer into the wire form.
type Block struct {
	compressed      []byte
	uncompressedLen int

	content  []byte // decompressed so far, content[:decoded] is valid
	decoded  int
	flateR   io.ReadCloser
	flateSrc *bytes.Reader
}

// Parse reads a block's magic, length header, and retains its compressed
// payload without decompressing it. The returned Block decompresses lazily
// as records are extracted.
func Parse(data []byte) (*Block, error) {
	if len(data) < 6 {
		return nil, ErrTruncated
	}
	magic := data[:6]
	switch {
	case bytes.Equal(magic, MagicDeflate):
		// supported
	case bytes.Equal(magic, MagicLZMA):
		return nil, ErrUnsupportedCompressor
	default:
		return nil, ErrBadMagic
	}
	rest := data[6:]

	compLen, n1, err := readDecimalLine(rest)
	if err != nil {
		return nil, err
	}
	rest = rest[n1:]
	uncompLen, n2, err := readDecimalLine(rest)
	if err != nil {
		return nil, err
	}
	rest = rest[n2:]

	if compLen > len(rest) {
		return nil, ErrTruncated
	}
	payload := rest[:compLen]

	return &Block{
		compressed:      payload,
		uncompressedLen: uncompLen,
		content:         make([]byte, uncompLen),
	}, nil
}

func readDecimalLine(b []byte) (int, int, error) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return 0, 0, ErrTruncated
	}
	v, err := strconv.Atoi(string(b[:i]))
	if err != nil || v < 0 {
		return 0, 0, ErrBadBlock
	}
	return v, i + 1, nil
}

// ensure decompresses at least through offset n, or the whole payload if n
// exceeds three quarters of the uncompressed length (at which point further
// incremental reads would be false economy).
func (b *Block) ensure(n int) error {
	if n > b.uncompressedLen {
		n = b.uncompressedLen
	}
	if b.decoded >= n {
		return nil
	}
	target := n + incrementalStep
	if n*4 >= b.uncompressedLen*3 || target > b.uncompressedLen {
		target = b.uncompressedLen
	}

	if b.flateR == nil {
		b.flateSrc = bytes.NewReader(b.compressed)
		b.flateR = flate.NewReader(b.flateSrc)
	}
	need := target - b.decoded
	got, err := io.ReadFull(b.flateR, b.content[b.decoded:b.decoded+need])
	b.decoded += got
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("groupblock: decompress: %w", err)
	}
	if got < need && b.decoded < b.uncompressedLen {
		return ErrCorrupt
	}
	return nil
}

// Extract decompresses through end and returns the reconstructed bytes for
// the record occupying [start, end) in the content buffer.
func (b *Block) Extract(start, end int) ([]byte, error) {
	if err := b.ensure(end); err != nil {
		return nil, err
	}
	if start < 0 || end > b.decoded || start > end {
		return nil, ErrBadRange
	}
	buf := b.content[start:end]
	if len(buf) == 0 {
		return nil, ErrBadRange
	}
	kind := Kind(buf[0])
	contentLen, n, err := varint.Decode(buf, 1)
	if err != nil {
		return nil, ErrCorrupt
	}
	contentStart := n
	if contentStart+int(contentLen) != len(buf) {
		return nil, ErrCorrupt
	}
	payload := buf[contentStart:]

	switch kind {
	case KindFulltext:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case KindDelta:
		expandedLen, n2, err := varint.Decode(payload, 0)
		if err != nil {
			return nil, ErrCorrupt
		}
		out, err := delta.Apply(b.content[:start], payload[n2:])
		if err != nil {
			return nil, fmt.Errorf("groupblock: %w: %v", ErrCorrupt, err)
		}
		if uint32(len(out)) != expandedLen {
			return nil, fmt.Errorf("groupblock: %w: delta reconstructed %d bytes, header declared %d", ErrCorrupt, len(out), expandedLen)
		}
		return out, nil
	default:
		return nil, ErrCorrupt
	}
}

// ContentLen returns the block's total uncompressed content length.
func (b *Block) ContentLen() int { return b.uncompressedLen }

// ContentThrough decompresses through n and returns the content buffer's
// first n bytes. Used by the repack policy to trim a block to its
// last-referenced byte without touching bytes beyond it.
func (b *Block) ContentThrough(n int) ([]byte, error) {
	if err := b.ensure(n); err != nil {
		return nil, err
	}
	return b.content[:n], nil
}
