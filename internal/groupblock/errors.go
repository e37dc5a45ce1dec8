package groupblock

import "errors"

var (
	// ErrBadMagic is returned when a block's leading six bytes match neither
	// known compressor magic.
	ErrBadMagic = errors.New("groupblock: unrecognized magic header")
	// ErrUnsupportedCompressor is returned for a recognized but unimplemented
	// compressor (lzma).
	ErrUnsupportedCompressor = errors.New("groupblock: lzma blocks are not supported")
	// ErrTruncated is returned when the header or payload is shorter than
	// its declared length.
	ErrTruncated = errors.New("groupblock: truncated block")
	// ErrBadBlock is returned when a length header is not a valid decimal.
	ErrBadBlock = errors.New("groupblock: malformed length header")
	// ErrBadRange is returned when a requested [start, end) span falls
	// outside the decompressed content buffer.
	ErrBadRange = errors.New("groupblock: record range out of bounds")
	// ErrCorrupt is returned when a record's internal framing (kind byte,
	// length varint, delta opcodes) does not parse.
	ErrCorrupt = errors.New("groupblock: corrupt record")
)
