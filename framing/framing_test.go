package framing

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: []byte{}},
		{name: "one byte", payload: []byte{0x7f}},
		{name: "text", payload: []byte("hello world")},
		{name: "large", payload: bytes.Repeat([]byte{0xab, 0x00}, 70000)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			require.NoError(t, Write(buf, c.payload))

			got, err := Read(buf)
			require.NoError(t, err)
			assert.Equal(t, c.payload, got)

			_, err = Read(buf)
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

func TestEncodeLittleEndianHeader(t *testing.T) {
	b := Encode([]byte("abc"))
	assert.Equal(t, []byte{3, 0, 0, 0, 'a', 'b', 'c'}, b)
}

func TestReadTruncated(t *testing.T) {
	full := Encode([]byte("hello"))

	cases := []struct {
		name string
		b    []byte
	}{
		{name: "partial header", b: full[:2]},
		{name: "header only", b: full[:HeaderSize]},
		{name: "partial payload", b: full[:len(full)-1]},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Read(bytes.NewReader(c.b))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTruncated)
			assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
			assert.False(t, errors.Is(err, io.EOF))
		})
	}
}

func TestReadLimit(t *testing.T) {
	b := Encode(make([]byte, 100))

	_, err := ReadLimit(bytes.NewReader(b), 99)
	assert.ErrorIs(t, err, ErrTooLarge)

	got, err := ReadLimit(bytes.NewReader(b), 100)
	require.NoError(t, err)
	assert.Len(t, got, 100)
}

func TestCopyPreservesFrames(t *testing.T) {
	src := &bytes.Buffer{}
	payloads := [][]byte{[]byte("one"), {}, []byte("three")}
	for _, p := range payloads {
		require.NoError(t, Write(src, p))
	}

	dst := &bytes.Buffer{}
	require.NoError(t, Copy(dst, src))

	for _, p := range payloads {
		got, err := Read(dst)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestCopyTruncatedSource(t *testing.T) {
	b := Encode([]byte("hello"))
	err := Copy(io.Discard, bytes.NewReader(b[:len(b)-2]))
	assert.ErrorIs(t, err, ErrTruncated)
}
