// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/binary"
	"errors"
)

// Errors for zero-copy decoding.
var (
	ErrBufferTooShort  = errors.New("buffer too short")
	ErrMalformedVarint = errors.New("malformed variable length integer")
)

// MaxVarintLen is the longest uvarint accepted for a payload length.
const MaxVarintLen = binary.MaxVarintLen64

// ZeroCopyReader reads DST envelope fields from a byte slice without copying.
// Slices it returns alias the underlying data.
type ZeroCopyReader struct {
	data   []byte
	offset int
}

// NewZeroCopyReader creates a new reader from a byte slice.
func NewZeroCopyReader(data []byte) *ZeroCopyReader {
	return &ZeroCopyReader{data: data}
}

// Reset resets the reader to use a new byte slice.
func (r *ZeroCopyReader) Reset(data []byte) {
	r.data = data
	r.offset = 0
}

// Remaining returns the number of bytes remaining to be read.
func (r *ZeroCopyReader) Remaining() int {
	return len(r.data) - r.offset
}

// Offset returns the current read position.
func (r *ZeroCopyReader) Offset() int {
	return r.offset
}

// ReadByte reads a single byte.
func (r *ZeroCopyReader) ReadByte() (byte, error) {
	if r.offset >= len(r.data) {
		return 0, ErrBufferTooShort
	}
	b := r.data[r.offset]
	r.offset++
	return b, nil
}

// ReadUint64 reads a big-endian uint64.
func (r *ZeroCopyReader) ReadUint64() (uint64, error) {
	if r.offset+8 > len(r.data) {
		return 0, ErrBufferTooShort
	}
	v := binary.BigEndian.Uint64(r.data[r.offset:])
	r.offset += 8
	return v, nil
}

// ReadUvarint reads an unsigned LEB128 varint.
// A varint cut short by the end of the buffer reports ErrBufferTooShort,
// so callers can wait for more data; an overlong one is ErrMalformedVarint.
func (r *ZeroCopyReader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.offset:])
	switch {
	case n > 0:
		r.offset += n
		return v, nil
	case n == 0:
		if r.Remaining() >= MaxVarintLen {
			return 0, ErrMalformedVarint
		}
		return 0, ErrBufferTooShort
	default:
		return 0, ErrMalformedVarint
	}
}

// ReadN reads exactly n bytes and returns a slice pointing into the original data.
func (r *ZeroCopyReader) ReadN(n int) ([]byte, error) {
	if n < 0 || r.offset+n > len(r.data) {
		return nil, ErrBufferTooShort
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, nil
}

// PeekByte returns the next byte without advancing the offset.
func (r *ZeroCopyReader) PeekByte() (byte, error) {
	if r.offset >= len(r.data) {
		return 0, ErrBufferTooShort
	}
	return r.data[r.offset], nil
}
