// Package varint provides the base-128 variable-length integer codec and the
// copy/insert opcode codec used by group blocks and deltas.
//
// Varints use 7-bit groups with MSB continuation, little-endian group order.
// Reference: the teacher store's util/coding-style varint (EncodeVarint32 /
// DecodeVarint32), generalized from a 32-bit-only encoder to one shared
// encoder used for both record lengths and delta offsets/lengths.
package varint

import "errors"

// MaxLength is the maximum number of bytes a varint can occupy for the
// 32-bit range values this codec is used for (content lengths, counts).
const MaxLength = 5

var (
	// ErrTruncated is returned when the buffer ends before a varint terminates.
	ErrTruncated = errors.New("varint: truncated input")
	// ErrOverflow is returned when a varint would not fit in 32 bits.
	ErrOverflow = errors.New("varint: value overflows 32 bits")
)

// Encode appends v to dst as a base-128 varint and returns the extended slice.
func Encode(dst []byte, v uint32) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// Len returns the number of bytes Encode would append for v.
func Len(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// Decode reads a varint from src starting at pos and returns the decoded
// value and the position just past it.
func Decode(src []byte, pos int) (value uint32, newPos int, err error) {
	var shift uint
	for shift < 32 {
		if pos >= len(src) {
			return 0, 0, ErrTruncated
		}
		b := src[pos]
		pos++
		value |= uint32(b&0x7f) << shift
		if b < 0x80 {
			return value, pos, nil
		}
		shift += 7
	}
	return 0, 0, ErrOverflow
}
