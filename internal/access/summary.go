package access

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/pierrec/lz4/v4"

	"github.com/breezy-team/groupstore/internal/vfs"
)

// SummaryEntry is one container record's (names, offset, length) as stored
// in a container's summary sidecar.
type SummaryEntry struct {
	Names  [][]string
	Offset int64
	Length int64
}

// summaryFileSuffix names the sidecar written alongside a container file so
// a reopen can rebuild its index without rescanning the raw container byte
// by byte.
const summaryFileSuffix = ".summary"

// SummaryPath returns the sidecar path for a container at containerPath.
func SummaryPath(containerPath string) string { return containerPath + summaryFileSuffix }

// WriteSummary lz4-compresses and writes entries to f. One line per entry:
// offset, length, then each name's tuple parts joined by NUL and the names
// joined by a tab, matching the wire envelope's parent-list delimiter
// convention (internal/wire uses the same tab/None: scheme for parents).
func WriteSummary(f vfs.WritableFile, entries []SummaryEntry) error {
	var plain bytes.Buffer
	for _, e := range entries {
		plain.WriteString(strconv.FormatInt(e.Offset, 10))
		plain.WriteByte(' ')
		plain.WriteString(strconv.FormatInt(e.Length, 10))
		plain.WriteByte(' ')
		for i, name := range e.Names {
			if i > 0 {
				plain.WriteByte('\t')
			}
			plain.WriteString(joinNullTuple(name))
		}
		plain.WriteByte('\n')
	}

	compressed := make([]byte, lz4.CompressBlockBound(plain.Len()))
	var ht [1 << 16]int
	n, err := lz4.CompressBlock(plain.Bytes(), compressed, ht[:])
	if err != nil {
		return fmt.Errorf("access: compress summary: %w", err)
	}
	if n == 0 {
		// Incompressible (tiny or empty): store the plain bytes with a
		// zero-length header so ReadSummary knows not to decompress.
		if _, err := f.Write(encodeUint32(0)); err != nil {
			return err
		}
		_, err := f.Write(plain.Bytes())
		return err
	}

	if _, err := f.Write(encodeUint32(uint32(plain.Len()))); err != nil {
		return fmt.Errorf("access: write summary header: %w", err)
	}
	_, err = f.Write(compressed[:n])
	return err
}

// ReadSummary decompresses and parses a summary sidecar previously written
// by WriteSummary.
func ReadSummary(data []byte) ([]SummaryEntry, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("access: truncated summary")
	}
	uncompressedLen := decodeUint32(data[:4])
	body := data[4:]

	var plain []byte
	if uncompressedLen == 0 {
		plain = body
	} else {
		plain = make([]byte, uncompressedLen)
		n, err := lz4.UncompressBlock(body, plain)
		if err != nil {
			return nil, fmt.Errorf("access: decompress summary: %w", err)
		}
		plain = plain[:n]
	}

	var entries []SummaryEntry
	sc := bufio.NewScanner(bytes.NewReader(plain))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("access: malformed summary line %q", line)
		}
		offset, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("access: malformed summary offset: %w", err)
		}
		length, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("access: malformed summary length: %w", err)
		}
		var names [][]string
		for _, raw := range strings.Split(parts[2], "\t") {
			names = append(names, splitNullTuple(raw))
		}
		entries = append(entries, SummaryEntry{Names: names, Offset: offset, Length: length})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func encodeUint32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func decodeUint32(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16 | int(b[3])<<24
}
