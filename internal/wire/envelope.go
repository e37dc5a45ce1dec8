// Package wire serializes a manager's factories and block into the envelope
// peers exchange: a deflate-compressed header describing every key's
// parents and intra-block span, followed by the block's own raw bytes.
//
// Grounded on the teacher store's internal/wal writer/reader pair for the
// "fixed magic, then length-prefixed sections" framing discipline,
// generalized from a single length-prefixed payload to the three-section
// (z_header_len, header_len, block_len) layout the envelope requires.
package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/breezy-team/groupstore/internal/groupblock"
	"github.com/breezy-team/groupstore/internal/manager"
)

// Magic is the envelope's one-line identifier.
const Magic = "groupcompress-block\n"

// ErrBadHeader is returned when the decompressed header's line count isn't a
// multiple of four, or the final record lacks its trailing newline.
var ErrBadHeader = fmt.Errorf("wire: header record count is not a multiple of four")

// noneParents is the literal written in place of a parent list for a key
// with no parents.
const noneParents = "None:"

// Encode serializes m's factories and block into the wire envelope.
func Encode(m *manager.Manager) ([]byte, error) {
	header := encodeHeader(m.GetRecordStream())

	var zHeader bytes.Buffer
	w, err := flate.NewWriter(&zHeader, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("wire: deflate writer: %w", err)
	}
	if _, err := w.Write(header); err != nil {
		return nil, fmt.Errorf("wire: deflate header: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("wire: deflate close: %w", err)
	}

	blockBytes, err := blockSerializedBytes(m)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.WriteString(Magic)
	out.WriteString(strconv.Itoa(zHeader.Len()))
	out.WriteByte('\n')
	out.WriteString(strconv.Itoa(len(header)))
	out.WriteByte('\n')
	out.WriteString(strconv.Itoa(len(blockBytes)))
	out.WriteByte('\n')
	out.Write(zHeader.Bytes())
	out.Write(blockBytes)
	return out.Bytes(), nil
}

func encodeHeader(factories []*manager.Factory) []byte {
	var buf bytes.Buffer
	for _, f := range factories {
		buf.WriteString(strings.Join(f.Key, "\x00"))
		buf.WriteByte('\n')

		if len(f.Parents) == 0 {
			buf.WriteString(noneParents)
		} else {
			parts := make([]string, len(f.Parents))
			for i, p := range f.Parents {
				parts[i] = strings.Join(p, "\x00")
			}
			buf.WriteString(strings.Join(parts, "\t"))
		}
		buf.WriteByte('\n')

		buf.WriteString(strconv.Itoa(f.Start))
		buf.WriteByte('\n')
		buf.WriteString(strconv.Itoa(f.End))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// blockSerializedBytes returns m's block in its on-wire (magic + length
// header + deflate payload) form, re-serializing it since Manager only
// keeps the parsed/in-memory form.
func blockSerializedBytes(m *manager.Manager) ([]byte, error) {
	content, err := m.Block().ContentThrough(m.Block().ContentLen())
	if err != nil {
		return nil, fmt.Errorf("wire: read block content: %w", err)
	}
	return groupblock.Serialize(content)
}

// Record is one decoded header entry: a key, its parents, and its
// intra-block span.
type Record struct {
	Key     manager.Key
	Parents []manager.Key
	Start   int
	End     int
}

// Decode parses a wire envelope back into its header records and block
// bytes (still in wire form; the caller parses it with groupblock.Parse).
func Decode(data []byte) (records []Record, blockBytes []byte, err error) {
	if !bytes.HasPrefix(data, []byte(Magic)) {
		return nil, nil, fmt.Errorf("wire: bad magic")
	}
	rest := data[len(Magic):]

	zHeaderLen, rest, err := readDecimal(rest)
	if err != nil {
		return nil, nil, err
	}
	headerLen, rest, err := readDecimal(rest)
	if err != nil {
		return nil, nil, err
	}
	blockLen, rest, err := readDecimal(rest)
	if err != nil {
		return nil, nil, err
	}

	if zHeaderLen > len(rest) {
		return nil, nil, fmt.Errorf("wire: truncated z_header")
	}
	zHeader := rest[:zHeaderLen]
	rest = rest[zHeaderLen:]

	if blockLen > len(rest) {
		return nil, nil, fmt.Errorf("wire: truncated block")
	}
	blockBytes = rest[:blockLen]

	fr := flate.NewReader(bytes.NewReader(zHeader))
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(fr, header); err != nil {
		return nil, nil, fmt.Errorf("wire: inflate header: %w", err)
	}
	fr.Close()

	records, err = decodeHeader(header)
	if err != nil {
		return nil, nil, err
	}
	return records, blockBytes, nil
}

func readDecimal(b []byte) (int, []byte, error) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return 0, nil, fmt.Errorf("wire: truncated length header")
	}
	v, err := strconv.Atoi(string(b[:i]))
	if err != nil || v < 0 {
		return 0, nil, fmt.Errorf("wire: bad length header %q", b[:i])
	}
	return v, b[i+1:], nil
}

func decodeHeader(header []byte) ([]Record, error) {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(header))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !bytes.HasSuffix(header, []byte("\n")) && len(header) > 0 {
		return nil, ErrBadHeader
	}
	if len(lines)%4 != 0 {
		return nil, ErrBadHeader
	}

	records := make([]Record, 0, len(lines)/4)
	for i := 0; i < len(lines); i += 4 {
		key := manager.Key(strings.Split(lines[i], "\x00"))
		var parents []manager.Key
		if lines[i+1] != noneParents {
			for _, p := range strings.Split(lines[i+1], "\t") {
				parents = append(parents, manager.Key(strings.Split(p, "\x00")))
			}
		}
		start, err := strconv.Atoi(lines[i+2])
		if err != nil {
			return nil, fmt.Errorf("wire: bad start %q", lines[i+2])
		}
		end, err := strconv.Atoi(lines[i+3])
		if err != nil {
			return nil, fmt.Errorf("wire: bad end %q", lines[i+3])
		}
		records = append(records, Record{Key: key, Parents: parents, Start: start, End: end})
	}
	return records, nil
}
