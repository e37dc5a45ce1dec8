// Package access implements the append-only container that backs group
// block storage: a single-writer stream of named records, read back by
// direct (offset, length) access rather than sequential scan.
//
// Grounded on the teacher store's WAL writer (internal/wal/writer.go) for
// the "single append-only stream, writer tracks a monotonically increasing
// offset, returns what it wrote" shape, generalized from fixed-size,
// checksummed, fragmented physical records to the container format's
// variable-length named records (no fragmentation: a group block is one
// record, and corruption detection is the block's own responsibility, not
// a per-record checksum).
package access

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/breezy-team/groupstore/internal/vfs"
)

// ContainerMagic is the one-line magic every container begins with.
const ContainerMagic = "Bazaar pack format 1 (introduced in 0.18)\n"

const (
	kindBlock = 'B'
	kindEnd   = 'E'
)

// Memo is a read-memo: enough to fetch a previously written record's raw
// content bytes without rescanning the container.
type Memo struct {
	ContainerID uint64
	Offset      int64
	Length      int64
}

// Writer appends named records to a single container file. Its ID
// distinguishes it from other containers the access layer may have open
// (e.g. across a repack), and is embedded in every Memo it returns.
type Writer struct {
	f           vfs.WritableFile
	containerID uint64
	offset      int64
	wroteMagic  bool
}

// NewWriter wraps f (freshly created or positioned at its current end) as a
// container writer identified by containerID.
func NewWriter(f vfs.WritableFile, containerID uint64, initialOffset int64) *Writer {
	return &Writer{f: f, containerID: containerID, offset: initialOffset, wroteMagic: initialOffset > 0}
}

// AddRawRecord appends one block record under names (each name a tuple of
// parts, so a record can be addressed by more than one identifier) and
// returns a Memo addressing exactly the content bytes just written.
func (w *Writer) AddRawRecord(names [][]string, content []byte) (Memo, error) {
	var header bytes.Buffer
	if !w.wroteMagic {
		header.WriteString(ContainerMagic)
		w.wroteMagic = true
	}
	header.WriteByte(kindBlock)
	header.WriteString(strconv.Itoa(len(content)))
	header.WriteByte('\n')
	for _, name := range names {
		header.WriteString(joinNullTuple(name))
		header.WriteByte('\n')
	}
	header.WriteByte('\n') // terminates the name list

	if err := writeAll(w.f, header.Bytes()); err != nil {
		return Memo{}, fmt.Errorf("access: write record header: %w", err)
	}
	w.offset += int64(header.Len())
	contentOffset := w.offset

	if err := writeAll(w.f, content); err != nil {
		return Memo{}, fmt.Errorf("access: write record content: %w", err)
	}
	w.offset += int64(len(content))

	return Memo{ContainerID: w.containerID, Offset: contentOffset, Length: int64(len(content))}, nil
}

// WriteEnd appends the end-of-container marker. No further records may be
// appended afterward.
func (w *Writer) WriteEnd() error {
	if err := writeAll(w.f, []byte{kindEnd, '\n'}); err != nil {
		return fmt.Errorf("access: write end marker: %w", err)
	}
	w.offset += 2
	return nil
}

// Offset returns the writer's current position, usable as the
// initialOffset for a Writer resuming this same container later.
func (w *Writer) Offset() int64 { return w.offset }

func writeAll(f vfs.WritableFile, data []byte) error {
	_, err := f.Write(data)
	return err
}

// ValidateNames checks a full record's name tuples for ASCII whitespace and
// UTF-8 validity. Ordinary reads skip this: it is only run during an
// explicit full-container validation pass.
func ValidateNames(names [][]string) error {
	for _, tuple := range names {
		for _, part := range tuple {
			if !utf8.ValidString(part) {
				return fmt.Errorf("access: record name part is not valid UTF-8: %q", part)
			}
			for _, r := range part {
				if r <= ' ' {
					return ErrNameContainsWhitespace
				}
			}
		}
	}
	return nil
}

func joinNullTuple(parts []string) string {
	var b bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(p)
	}
	return b.String()
}

// splitNullTuple is the inverse of joinNullTuple, used when reading names
// back off the wire.
func splitNullTuple(s string) []string {
	raw := bytes.Split([]byte(s), []byte{0})
	parts := make([]string, len(raw))
	for i, p := range raw {
		parts[i] = string(p)
	}
	return parts
}

// ScanNames reads one record's name list (terminated by a blank line) from
// r, returning the parsed tuples.
func ScanNames(r *bufio.Reader) ([][]string, error) {
	var names [][]string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if line == "\n" {
			return names, nil
		}
		names = append(names, splitNullTuple(line[:len(line)-1]))
	}
}
