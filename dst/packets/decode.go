// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"errors"
	"io"

	"github.com/absmach/fluxpush/dst/codec"
)

// DefaultMaxPayload bounds the payload of a single frame when no explicit
// limit is configured.
const DefaultMaxPayload = 1024 * 1024

const readChunk = 4096

// Decode decodes one frame from the start of buf. It returns the package and
// the number of bytes consumed. ErrIncomplete is returned when buf does not
// yet contain a whole frame; any other error is a *FrameError.
func Decode(buf []byte, maxPayload int) (*Package, int, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	r := codec.NewZeroCopyReader(buf)

	t, err := r.ReadByte()
	if err != nil {
		return nil, 0, ErrIncomplete
	}
	typ := Type(t)
	if !typ.Valid() {
		return nil, 0, &FrameError{Offset: 0, Err: ErrUnknownType}
	}

	flags, err := r.ReadByte()
	if err != nil {
		return nil, 0, ErrIncomplete
	}
	if flags&reservedMask != 0 {
		return nil, 0, &FrameError{Offset: 1, Err: ErrMalformedFlags}
	}
	level := Level(flags & levelMask)
	if !level.Valid() {
		return nil, 0, &FrameError{Offset: 1, Err: ErrInvalidLevel}
	}

	p := &Package{
		typ:    typ,
		level:  level,
		retain: flags&retainFlag != 0,
	}

	if flags&identifierBit != 0 {
		id, err := r.ReadUint64()
		if err != nil {
			return nil, 0, ErrIncomplete
		}
		p.hasIdentifier = true
		p.identifier = id
	}

	lenOffset := r.Offset()
	size, err := r.ReadUvarint()
	switch {
	case errors.Is(err, codec.ErrBufferTooShort):
		return nil, 0, ErrIncomplete
	case err != nil:
		return nil, 0, &FrameError{Offset: lenOffset, Err: ErrMalformedLength}
	}
	if size > uint64(maxPayload) {
		return nil, 0, &FrameError{Offset: lenOffset, Err: ErrFrameTooLarge}
	}

	payload, err := r.ReadN(int(size))
	if err != nil {
		return nil, 0, ErrIncomplete
	}
	if len(payload) > 0 {
		p.parts = [][]byte{bytes.Clone(payload)}
		p.size = len(payload)
	}

	if err := p.Validate(); err != nil {
		return nil, 0, err
	}
	return p, r.Offset(), nil
}

// Decoder reassembles packages from a byte stream delivered in arbitrary
// chunks. It is not safe for concurrent use.
type Decoder struct {
	buf        []byte
	maxPayload int
}

// NewDecoder creates a decoder. maxPayload <= 0 selects DefaultMaxPayload.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{maxPayload: maxPayload}
}

// Write buffers inbound transport bytes. It never fails.
func (d *Decoder) Write(b []byte) (int, error) {
	d.buf = append(d.buf, b...)
	return len(b), nil
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete package, or ErrIncomplete when more data
// is needed. After a *FrameError the decoder must be discarded.
func (d *Decoder) Next() (*Package, error) {
	p, n, err := Decode(d.buf, d.maxPayload)
	if err != nil {
		return nil, err
	}
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
	return p, nil
}

// ReadPackage returns the next package, reading from r as often as needed.
// io.EOF is returned only when r ends on a frame boundary; a stream ending
// mid-frame yields io.ErrUnexpectedEOF.
func (d *Decoder) ReadPackage(r io.Reader) (*Package, error) {
	var chunk [readChunk]byte
	for {
		p, err := d.Next()
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return nil, err
		}

		n, rerr := r.Read(chunk[:])
		if n > 0 {
			d.Write(chunk[:n])
		}
		if rerr != nil {
			if n > 0 {
				continue
			}
			if errors.Is(rerr, io.EOF) && d.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, rerr
		}
	}
}
