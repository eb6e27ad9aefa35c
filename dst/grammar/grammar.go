// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package grammar implements the DST text sub-protocol carried inside a
// package payload: an ordered sequence of lines of the form key-value,
// each terminated by a recognised delimiter. Lines with an empty key are
// plain elements addressed by position; the others are addressed by key.
package grammar

import (
	"errors"
	"fmt"
	"strings"
)

// Separator marks the key/value boundary of a line.
const Separator = '-'

// Delimiter is the line delimiter used when serializing.
const Delimiter = "\n"

// delimiters is the allow-list of delimiter runs accepted by the parser.
var delimiters = map[string]struct{}{
	"\n":   {},
	"\r\n": {},
}

var (
	ErrUnterminated     = errors.New("package does not end with a delimiter")
	ErrMissingSeparator = errors.New("line has no separator")
	ErrUnknownDelimiter = errors.New("unknown delimiter sequence")
	ErrInvalidKey       = errors.New("invalid key")
	ErrInvalidValue     = errors.New("invalid value")
	ErrNoElement        = errors.New("no such element")
)

// SyntaxError is returned by Parse for malformed input.
type SyntaxError struct {
	Offset int
	Err    error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("dst: %v at offset %d", e.Err, e.Offset)
}

func (e *SyntaxError) Unwrap() error {
	return e.Err
}

// Element is one line of a DST package.
type Element struct {
	Key   string
	Value string
}

// PlainElement returns an element addressed by position only.
func PlainElement(value string) Element {
	return Element{Value: value}
}

// KeyedElement returns an element addressed by key.
func KeyedElement(key, value string) Element {
	return Element{Key: key, Value: value}
}

// Plain reports whether the element is addressed by position.
func (e Element) Plain() bool {
	return e.Key == ""
}

// Validate checks that the element serializes to exactly one line with a
// single unescaped separator.
func (e Element) Validate() error {
	if strings.ContainsRune(e.Key, Separator) || strings.ContainsAny(e.Key, "\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, e.Key)
	}
	if strings.ContainsAny(e.Value, "\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidValue, e.Value)
	}
	return nil
}

func (e Element) String() string {
	return e.Key + string(Separator) + e.Value
}

func isDelimiter(c byte) bool {
	return c == '\r' || c == '\n'
}
