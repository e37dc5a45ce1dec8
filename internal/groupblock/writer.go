package groupblock

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/flate"
)

// Serialize deflates content and wraps it in the magic/length header,
// producing the complete wire form of a group block.
func Serialize(content []byte) ([]byte, error) {
	var compressed bytes.Buffer
	w, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("groupblock: deflate writer: %w", err)
	}
	if _, err := w.Write(content); err != nil {
		return nil, fmt.Errorf("groupblock: deflate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("groupblock: deflate close: %w", err)
	}

	out := make([]byte, 0, 6+20+compressed.Len())
	out = append(out, MagicDeflate...)
	out = append(out, []byte(fmt.Sprintf("%d\n", compressed.Len()))...)
	out = append(out, []byte(fmt.Sprintf("%d\n", len(content)))...)
	out = append(out, compressed.Bytes()...)
	return out, nil
}

// FromContent builds a ready-to-extract-from Block directly from an
// uncompressed content buffer, without a round trip through Serialize and
// Parse. Used by the compressor, which already holds the buffer in memory.
func FromContent(content []byte) *Block {
	buf := make([]byte, len(content))
	copy(buf, content)
	return &Block{
		compressed:      nil,
		uncompressedLen: len(content),
		content:         buf,
		decoded:         len(content),
	}
}
