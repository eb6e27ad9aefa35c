// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"encoding/binary"
	"io"
)

// Flag bits of the second header byte.
const (
	levelMask     byte = 0x03
	retainFlag    byte = 0x04
	identifierBit byte = 0x08
	reservedMask  byte = 0xF0
)

// maxHeaderLen is type + flags + identifier + the longest uvarint.
const maxHeaderLen = 2 + 8 + binary.MaxVarintLen64

// Header encodes the fixed part of the frame that precedes the payload.
func (p *Package) Header() []byte {
	buf := make([]byte, 0, maxHeaderLen)
	return p.appendHeader(buf)
}

func (p *Package) appendHeader(buf []byte) []byte {
	flags := byte(p.level) & levelMask
	if p.retain {
		flags |= retainFlag
	}
	if p.hasIdentifier {
		flags |= identifierBit
	}
	buf = append(buf, byte(p.typ), flags)
	if p.hasIdentifier {
		buf = binary.BigEndian.AppendUint64(buf, p.identifier)
	}
	return binary.AppendUvarint(buf, uint64(p.size))
}

// Encode composes the frame for p: a freshly built header segment followed
// by the payload parts, which are referenced rather than copied.
func (p *Package) Encode() *Composite {
	c := &Composite{segments: make([][]byte, 0, 1+len(p.parts))}
	p.EncodeTo(c)
	return c
}

// EncodeTo appends the frame for p to c.
func (p *Package) EncodeTo(c *Composite) {
	c.Append(p.Header())
	for _, part := range p.parts {
		c.Append(part)
	}
}

// Pack writes the encoded frame to w.
func (p *Package) Pack(w io.Writer) error {
	_, err := p.Encode().WriteTo(w)
	return err
}
