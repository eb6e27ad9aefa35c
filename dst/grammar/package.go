// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package grammar

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/absmach/fluxpush/internal/bufpool"
)

// Package is a parsed or constructed DST package. Element order is
// significant and is preserved through encoding and decoding.
type Package struct {
	elements []Element
	keyed    map[string]int
	content  []byte
}

// New builds a package from elements, in order.
func New(elements ...Element) (*Package, error) {
	p := newPackage(len(elements))
	for _, e := range elements {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		p.add(e)
	}
	p.content = p.render()
	return p, nil
}

// Plain builds a package of plain elements holding values, in order.
func Plain(values ...string) (*Package, error) {
	elements := make([]Element, len(values))
	for i, v := range values {
		elements[i] = PlainElement(v)
	}
	return New(elements...)
}

// Parse decodes a DST payload.
func Parse(data []byte) (*Package, error) {
	p := newPackage(0)

	var (
		key, value     strings.Builder
		crossSeparator bool
	)

	for i := 0; i < len(data); i++ {
		c := data[i]
		if isDelimiter(c) {
			start := i
			for i+1 < len(data) && isDelimiter(data[i+1]) {
				i++
			}
			if _, ok := delimiters[string(data[start:i+1])]; !ok {
				return nil, &SyntaxError{Offset: start, Err: ErrUnknownDelimiter}
			}
			if !crossSeparator {
				return nil, &SyntaxError{Offset: start, Err: ErrMissingSeparator}
			}
			p.add(Element{Key: key.String(), Value: value.String()})
			key.Reset()
			value.Reset()
			crossSeparator = false
			continue
		}

		if i == len(data)-1 {
			return nil, &SyntaxError{Offset: i, Err: ErrUnterminated}
		}
		switch {
		case c == Separator && !crossSeparator:
			crossSeparator = true
		case crossSeparator:
			value.WriteByte(c)
		default:
			key.WriteByte(c)
		}
	}

	p.content = data
	return p, nil
}

// ParseString decodes a DST payload held in a string.
func ParseString(s string) (*Package, error) {
	return Parse([]byte(s))
}

func newPackage(n int) *Package {
	return &Package{
		elements: make([]Element, 0, n),
		keyed:    make(map[string]int),
	}
}

func (p *Package) add(e Element) {
	idx := len(p.elements)
	p.elements = append(p.elements, e)
	if !e.Plain() {
		p.keyed[e.Key] = idx
	}
}

func (p *Package) render() []byte {
	return bufpool.Render(func(buf *bytes.Buffer) {
		for _, e := range p.elements {
			buf.WriteString(e.Key)
			buf.WriteByte(Separator)
			buf.WriteString(e.Value)
			buf.WriteString(Delimiter)
		}
	})
}

// Get returns the value of the keyed element with the given key.
// If a key occurs more than once the last occurrence wins.
func (p *Package) Get(key string) (string, error) {
	if strings.ContainsRune(key, Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	idx, ok := p.keyed[key]
	if !ok {
		return "", fmt.Errorf("%w: key %q", ErrNoElement, key)
	}
	return p.elements[idx].Value, nil
}

// At returns the value of the plain element at position index in the
// element sequence. Keyed elements are never returned.
func (p *Package) At(index int) (string, bool) {
	if index < 0 || index >= len(p.elements) || !p.elements[index].Plain() {
		return "", false
	}
	return p.elements[index].Value, true
}

// Element returns the element at position index.
func (p *Package) Element(index int) (Element, bool) {
	if index < 0 || index >= len(p.elements) {
		return Element{}, false
	}
	return p.elements[index], true
}

// Elements returns a copy of the element sequence.
func (p *Package) Elements() []Element {
	return append([]Element(nil), p.elements...)
}

// Len returns the number of elements.
func (p *Package) Len() int {
	return len(p.elements)
}

// Keys returns each distinct key once, ordered by the position of the
// occurrence Get resolves to.
func (p *Package) Keys() []string {
	keys := make([]string, 0, len(p.keyed))
	for i, e := range p.elements {
		if !e.Plain() && p.keyed[e.Key] == i {
			keys = append(keys, e.Key)
		}
	}
	return keys
}

// Bytes returns the serialized package. For parsed packages this is the
// original input.
func (p *Package) Bytes() []byte {
	return p.content
}

func (p *Package) String() string {
	return string(p.content)
}
