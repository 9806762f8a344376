package protocol

import (
	"encoding/binary"
	"math"
)

// SizeLen is the width of the field count and of every size field.
const SizeLen = 4

// Field counts a message may carry: scalars use two fields, lists and arrays four.
const (
	ScalarFieldCount = 2
	TensorFieldCount = 4
)

// Message is one framed exchange: an ordered sequence of byte fields.
// On the wire it is laid out as
//
//	[field_count][size_0]...[size_{n-1}][field_0]...[field_{n-1}]
type Message [][]byte

// ValidFieldCount reports whether n is an allowed field count.
func ValidFieldCount(n int32) bool {
	return n == ScalarFieldCount || n == TensorFieldCount
}

// PutSize writes n as a 4-byte native-endian signed integer.
func PutSize(b []byte, n int) {
	binary.NativeEndian.PutUint32(b, uint32(int32(n)))
}

// ReadSize reads a 4-byte native-endian signed integer.
func ReadSize(b []byte) int32 {
	return int32(binary.NativeEndian.Uint32(b))
}

// Len is the number of bytes Marshal produces for m.
func (m Message) Len() int {
	n := SizeLen * (1 + len(m))
	for _, f := range m {
		n += len(f)
	}
	return n
}

// Marshal concatenates the header and fields of m into one buffer.
func Marshal(m Message) []byte {
	buf := make([]byte, m.Len())
	PutSize(buf, len(m))
	off := SizeLen
	for _, f := range m {
		PutSize(buf[off:], len(f))
		off += SizeLen
	}
	for _, f := range m {
		off += copy(buf[off:], f)
	}
	return buf
}

// Unmarshal splits a complete buffer back into its fields. The declared sizes
// must account for every byte of b.
func Unmarshal(b []byte) (Message, error) {
	if len(b) < SizeLen {
		return nil, malformed("buffer of %d bytes has no field count", len(b))
	}
	count := ReadSize(b)
	if !ValidFieldCount(count) {
		return nil, malformed("field count %d", count)
	}
	header := SizeLen * (1 + int(count))
	if len(b) < header {
		return nil, malformed("buffer of %d bytes truncates the size header", len(b))
	}

	sizes := make([]int, count)
	total := 0
	for i := range sizes {
		s := ReadSize(b[SizeLen*(1+i):])
		if s < 0 {
			return nil, malformed("negative size %d for field %d", s, i)
		}
		sizes[i] = int(s)
		total += int(s)
		if total > math.MaxInt32 {
			return nil, malformed("declared sizes overflow")
		}
	}
	if len(b)-header != total {
		return nil, malformed("declared %d payload bytes, got %d", total, len(b)-header)
	}

	m := make(Message, count)
	off := header
	for i, s := range sizes {
		m[i] = b[off : off+s : off+s]
		off += s
	}
	return m, nil
}
