// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package grammar

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainRender(t *testing.T) {
	p, err := Plain("alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "-alice\n-secret\n", p.String())
	assert.Equal(t, 2, p.Len())

	v, ok := p.At(1)
	assert.True(t, ok)
	assert.Equal(t, "secret", v)
}

func TestEmptyPackage(t *testing.T) {
	p, err := Plain()
	require.NoError(t, err)
	assert.Empty(t, p.Bytes())
	assert.Equal(t, 0, p.Len())

	parsed, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, parsed.Len())
}

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Element
	}{
		{
			name:  "plain elements",
			input: "-news\n-hello\n",
			want:  []Element{PlainElement("news"), PlainElement("hello")},
		},
		{
			name:  "keyed and plain",
			input: "user-alice\n-x\n",
			want:  []Element{KeyedElement("user", "alice"), PlainElement("x")},
		},
		{
			name:  "crlf delimiter",
			input: "-a\r\n-b\n",
			want:  []Element{PlainElement("a"), PlainElement("b")},
		},
		{
			name:  "value keeps later separators",
			input: "range-1-5\n",
			want:  []Element{KeyedElement("range", "1-5")},
		},
		{
			name:  "empty value",
			input: "-\n",
			want:  []Element{PlainElement("")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseString(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Elements())
			assert.Equal(t, tt.input, p.String())
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		err   error
	}{
		{name: "unterminated", input: "-a\n-b", err: ErrUnterminated},
		{name: "unterminated separator", input: "a-", err: ErrUnterminated},
		{name: "missing separator", input: "abc\n", err: ErrMissingSeparator},
		{name: "double newline", input: "-a\n\n", err: ErrUnknownDelimiter},
		{name: "bare carriage return", input: "-a\r", err: ErrUnknownDelimiter},
		{name: "reversed crlf", input: "-a\n\r", err: ErrUnknownDelimiter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseString(tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)

			var se *SyntaxError
			assert.ErrorAs(t, err, &se)
		})
	}
}

func TestGet(t *testing.T) {
	p, err := New(KeyedElement("a", "1"), PlainElement("p"), KeyedElement("b", "x"), KeyedElement("a", "2"))
	require.NoError(t, err)

	v, err := p.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "2", v)

	_, err = p.Get("missing")
	assert.ErrorIs(t, err, ErrNoElement)

	_, err = p.Get("a-b")
	assert.ErrorIs(t, err, ErrInvalidKey)

	assert.Equal(t, []string{"b", "a"}, p.Keys())
}

func TestAtSkipsKeyed(t *testing.T) {
	p, err := ParseString("k-v\n-p\n")
	require.NoError(t, err)

	_, ok := p.At(0)
	assert.False(t, ok)

	v, ok := p.At(1)
	assert.True(t, ok)
	assert.Equal(t, "p", v)

	_, ok = p.At(2)
	assert.False(t, ok)

	e, ok := p.Element(0)
	assert.True(t, ok)
	assert.False(t, e.Plain())
}

func TestNewRejectsInvalidElements(t *testing.T) {
	_, err := New(KeyedElement("a-b", "v"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = Plain("line\nbreak")
	assert.ErrorIs(t, err, ErrInvalidValue)

	_, err = Plain("cr\r")
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		elements []Element
	}{
		{name: "empty"},
		{name: "single plain", elements: []Element{PlainElement("hello")}},
		{name: "single keyed", elements: []Element{KeyedElement("topic", "news")}},
		{name: "separator in value", elements: []Element{KeyedElement("topic", "news"), PlainElement("a-b"), PlainElement("")}},
		{name: "repeated key", elements: []Element{KeyedElement("k", "1"), PlainElement("p"), KeyedElement("k", "2")}},
	}

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		tests = append(tests, struct {
			name     string
			elements []Element
		}{name: fmt.Sprintf("generated %d", i), elements: randomElements(rng)})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig, err := New(tt.elements...)
			require.NoError(t, err)

			parsed, err := Parse(orig.Bytes())
			require.NoError(t, err)
			require.Equal(t, len(tt.elements), parsed.Len())
			assert.Equal(t, orig.Elements(), parsed.Elements())
			assert.Equal(t, orig.Keys(), parsed.Keys())

			last := make(map[string]string)
			for i, e := range tt.elements {
				got, ok := parsed.At(i)
				if e.Plain() {
					assert.True(t, ok)
					assert.Equal(t, e.Value, got)
					continue
				}
				assert.False(t, ok)
				last[e.Key] = e.Value
			}
			assert.Len(t, parsed.Keys(), len(last))
			for key, want := range last {
				got, err := parsed.Get(key)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		})
	}
}

const (
	keyAlphabet   = "abcxyz019_."
	valueAlphabet = "abcxyz019_. -=:"
)

func randomElements(rng *rand.Rand) []Element {
	n := rng.Intn(9)
	elems := make([]Element, 0, n)
	for i := 0; i < n; i++ {
		value := randomString(rng, valueAlphabet, 0, 12)
		if rng.Intn(2) == 0 {
			elems = append(elems, PlainElement(value))
			continue
		}
		elems = append(elems, KeyedElement(randomString(rng, keyAlphabet, 1, 3), value))
	}
	return elems
}

func randomString(rng *rand.Rand, alphabet string, minLen, maxLen int) string {
	b := make([]byte, minLen+rng.Intn(maxLen-minLen+1))
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(b)
}
