// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"io"
	"net"
)

// Composite is an output buffer made of independently produced segments.
// Appending a segment stores a reference to it; the bytes are only gathered
// when the composite is written, using a vectored write where the writer
// supports one.
type Composite struct {
	segments net.Buffers
	size     int
}

// NewComposite creates a composite over the given segments.
func NewComposite(segments ...[]byte) *Composite {
	c := &Composite{}
	for _, s := range segments {
		c.Append(s)
	}
	return c
}

// Append adds a segment to the end of the composite. Empty segments are ignored.
func (c *Composite) Append(segment []byte) {
	if len(segment) == 0 {
		return
	}
	c.segments = append(c.segments, segment)
	c.size += len(segment)
}

// AppendComposite appends all segments of other.
func (c *Composite) AppendComposite(other *Composite) {
	for _, s := range other.segments {
		c.Append(s)
	}
}

// Len returns the total number of bytes across all segments.
func (c *Composite) Len() int {
	return c.size
}

// Segments returns the number of segments.
func (c *Composite) Segments() int {
	return len(c.segments)
}

// WriteTo writes every segment to w. The composite itself is left intact
// so it can be written again.
func (c *Composite) WriteTo(w io.Writer) (int64, error) {
	bufs := make(net.Buffers, len(c.segments))
	copy(bufs, c.segments)
	return bufs.WriteTo(w)
}

// Bytes flattens the composite into a newly allocated slice.
func (c *Composite) Bytes() []byte {
	out := make([]byte, 0, c.size)
	for _, s := range c.segments {
		out = append(out, s...)
	}
	return out
}

// Reset drops all segments so the composite can be reused.
func (c *Composite) Reset() {
	clear(c.segments)
	c.segments = c.segments[:0]
	c.size = 0
}
