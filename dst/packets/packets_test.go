// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeHeaderLayout(t *testing.T) {
	pkg := NewWithID(PublishType, AtLeastOnce, true, 0x0102030405060708, []byte("abc"))

	got := pkg.Encode().Bytes()
	want := []byte{
		byte(PublishType),
		byte(AtLeastOnce) | retainFlag | identifierBit,
		1, 2, 3, 4, 5, 6, 7, 8,
		3,
		'a', 'b', 'c',
	}
	assert.Equal(t, want, got)
}

func TestEncodeWithoutIdentifier(t *testing.T) {
	pkg := New(PingType, NoConfirm, false)
	assert.Equal(t, []byte{byte(PingType), 0, 0}, pkg.Encode().Bytes())
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkg  *Package
	}{
		{name: "connect", pkg: New(ConnectType, NoConfirm, false, []byte("-alice\n-secret\n"))},
		{name: "retained publish", pkg: NewWithID(PublishType, ExactlyOnce, true, 7, []byte("-t\n-m\n"))},
		{name: "ack", pkg: NewWithID(PushMessageAckType, AtLeastOnce, false, 1<<63)},
		{name: "empty payload", pkg: New(DisconnectType, NoConfirm, false)},
		{name: "large payload", pkg: New(PushMessageType, NoConfirm, false, bytes.Repeat([]byte{'x'}, 20000))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.pkg.Encode().Bytes()
			got, n, err := Decode(buf, 0)
			require.NoError(t, err)
			assert.Equal(t, len(buf), n)
			assert.Equal(t, tt.pkg.Type(), got.Type())
			assert.Equal(t, tt.pkg.Level(), got.Level())
			assert.Equal(t, tt.pkg.Retain(), got.Retain())
			wantID, wantOK := tt.pkg.Identifier()
			gotID, gotOK := got.Identifier()
			assert.Equal(t, wantOK, gotOK)
			assert.Equal(t, wantID, gotID)
			assert.Equal(t, tt.pkg.Payload(), got.Payload())
		})
	}
}

func TestMultiPartPayload(t *testing.T) {
	pkg := New(PushMessageType, NoConfirm, false, []byte("-topic\n"), nil, []byte("-msg\n"))
	assert.Len(t, pkg.Parts(), 2)
	assert.Equal(t, 12, pkg.PayloadLen())
	assert.Equal(t, "-topic\n-msg\n", string(pkg.Payload()))

	c := pkg.Encode()
	assert.Equal(t, 3, c.Segments())

	got, _, err := Decode(c.Bytes(), 0)
	require.NoError(t, err)
	assert.Equal(t, "-topic\n-msg\n", string(got.Payload()))
}

func TestDecodeIncomplete(t *testing.T) {
	full := NewWithID(PublishType, AtLeastOnce, false, 9, []byte("-a\n-b\n")).Encode().Bytes()

	for i := 0; i < len(full); i++ {
		_, _, err := Decode(full[:i], 0)
		require.ErrorIs(t, err, ErrIncomplete, "prefix %d", i)
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{name: "unknown type", data: []byte{0, 0, 0}, err: ErrUnknownType},
		{name: "type out of range", data: []byte{13, 0, 0}, err: ErrUnknownType},
		{name: "reserved flag bits", data: []byte{byte(PingType), 0x10, 0}, err: ErrMalformedFlags},
		{name: "invalid level", data: []byte{byte(PingType), 0x03, 0}, err: ErrInvalidLevel},
		{name: "level requires identifier", data: []byte{byte(PublishType), byte(AtLeastOnce), 0}, err: ErrMissingIdentifier},
		{name: "ack requires identifier", data: []byte{byte(PushMessageAckType), 0, 0}, err: ErrMissingIdentifier},
		{
			name: "oversized payload",
			data: []byte{byte(PublishType), 0, 0x81, 0x01},
			err:  ErrFrameTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Decode(tt.data, 128)
			require.Error(t, err)
			assert.True(t, IsFrameError(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestDecoderChunkedStream(t *testing.T) {
	var stream []byte
	for i := range 5 {
		pkg := NewWithID(PushMessageType, AtLeastOnce, false, uint64(i+1), []byte("-t\n-m\n"))
		stream = append(stream, pkg.Encode().Bytes()...)
	}

	d := NewDecoder(0)
	var got []uint64
	for _, b := range stream {
		_, err := d.Write([]byte{b})
		require.NoError(t, err)
		for {
			pkg, err := d.Next()
			if errors.Is(err, ErrIncomplete) {
				break
			}
			require.NoError(t, err)
			id, _ := pkg.Identifier()
			got = append(got, id)
		}
	}

	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
	assert.Equal(t, 0, d.Buffered())
}

func TestDecoderReadPackage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, New(PingType, NoConfirm, false).Pack(&buf))
	require.NoError(t, NewWithID(PublishType, ExactlyOnce, false, 3, []byte("-a\n-b\n")).Pack(&buf))

	d := NewDecoder(0)
	p1, err := d.ReadPackage(&buf)
	require.NoError(t, err)
	assert.Equal(t, PingType, p1.Type())

	p2, err := d.ReadPackage(&buf)
	require.NoError(t, err)
	assert.Equal(t, PublishType, p2.Type())

	_, err = d.ReadPackage(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderReadPackageTruncated(t *testing.T) {
	data := New(PublishType, NoConfirm, false, []byte("-a\n-b\n")).Encode().Bytes()

	d := NewDecoder(0)
	_, err := d.ReadPackage(bytes.NewReader(data[:len(data)-2]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"no_confirm", "NO_CONFIRM", "0"} {
		l, err := ParseLevel(s)
		require.NoError(t, err)
		assert.Equal(t, NoConfirm, l)
	}
	l, err := ParseLevel("exactly_once")
	require.NoError(t, err)
	assert.Equal(t, ExactlyOnce, l)
	assert.True(t, l.RequiresAck())

	_, err = ParseLevel("twice")
	assert.ErrorIs(t, err, ErrInvalidLevel)
}

func TestTypeStrings(t *testing.T) {
	assert.Equal(t, "EXACTLY_ONCE_MESSAGE_ACK", ExactlyOnceMessageAckType.String())
	assert.Equal(t, "UNKNOWN(99)", Type(99).String())
	assert.True(t, PushMessageAckType.IsAck())
	assert.False(t, PushMessageType.IsAck())
}

func TestComposite(t *testing.T) {
	c := NewComposite([]byte("ab"), nil, []byte("cd"))
	assert.Equal(t, 2, c.Segments())
	assert.Equal(t, 4, c.Len())

	other := NewComposite([]byte("ef"))
	c.AppendComposite(other)
	assert.Equal(t, "abcdef", string(c.Bytes()))

	var out bytes.Buffer
	n, err := c.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	out.Reset()
	_, err = c.WriteTo(&out)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", out.String())

	c.Reset()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.Segments())
}
