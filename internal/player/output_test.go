package player

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, io.ErrClosedPipe }

func TestWriterSinkCopiesPayloads(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)

	require.NoError(t, sink.Write([]byte{1, 2}))
	require.NoError(t, sink.Write([]byte{3}))
	assert.Equal(t, []byte{1, 2, 3}, buf.Bytes())
	assert.NoError(t, sink.Close())
}

func TestWriterSinkWrapsErrors(t *testing.T) {
	err := NewWriterSink(failingWriter{}).Write([]byte{1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrClosedPipe))
}

func TestWriterSinkClosesCloser(t *testing.T) {
	pr, pw := io.Pipe()
	sink := NewWriterSink(pw)
	require.NoError(t, sink.Close())

	_, err := pr.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
