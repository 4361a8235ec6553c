package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
)

func TestReaderFunc(t *testing.T) {
	ctx := context.Background()
	read := ReaderFunc(strings.NewReader("hello"))

	span := make([]byte, 3)
	assert.Equal(t, int32(3), read(ctx, span, 3))
	assert.Equal(t, "hel", string(span))

	span = make([]byte, 8)
	assert.Equal(t, int32(2), read(ctx, span, 8))
	assert.Equal(t, "lo", string(span[:2]))

	assert.Equal(t, int32(0), read(ctx, span, 8), "EOF")
	assert.Equal(t, int32(0), read(ctx, nil, 0))
}

func TestReaderFunc_Error(t *testing.T) {
	read := ReaderFunc(iotest.ErrReader(errors.New("boom")))
	assert.Equal(t, int32(-1), read(context.Background(), make([]byte, 4), 4))

	read = ReaderFunc(iotest.ErrReader(io.EOF))
	assert.Equal(t, int32(0), read(context.Background(), make([]byte, 4), 4))
}

type shortWriter struct {
	max int
	err error
}

func (w shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.max {
		return w.max, w.err
	}
	return len(p), nil
}

func TestWriterFunc(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	write := WriterFunc(&buf)

	assert.Equal(t, int32(5), write(ctx, []byte("hello"), 5))
	assert.Equal(t, int32(0), write(ctx, nil, 0))
	assert.Equal(t, "hello", buf.String())

	write = WriterFunc(shortWriter{max: 2, err: io.ErrShortWrite})
	assert.Equal(t, int32(2), write(ctx, []byte("hello"), 5))

	write = WriterFunc(shortWriter{max: 0, err: io.ErrClosedPipe})
	assert.Equal(t, int32(-1), write(ctx, []byte("hello"), 5))
}

func TestStdio(t *testing.T) {
	h := Stdio(nil, &bytes.Buffer{}, nil)
	assert.Nil(t, h.ReadStdin)
	assert.NotNil(t, h.WriteStdout)
	assert.Nil(t, h.WriteStderr)
	assert.Nil(t, h.OnMemoryGrowth)
}
