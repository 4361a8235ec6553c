package bridge

import (
	"context"
	"errors"
	"io"
)

// ReaderFunc adapts r to a read_stdin handler. Each call performs at most one
// Read into the span. End of input yields 0; any other read error yields -1
// when nothing was read.
func ReaderFunc(r io.Reader) ReadWriteFunc {
	return func(_ context.Context, span []byte, _ int32) int32 {
		if len(span) == 0 {
			return 0
		}
		n, err := r.Read(span)
		if n > 0 {
			return int32(n)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return -1
		}
		return 0
	}
}

// WriterFunc adapts w to a write_stdout or write_stderr handler. The result
// is the number of bytes w accepted.
func WriterFunc(w io.Writer) ReadWriteFunc {
	return func(_ context.Context, span []byte, _ int32) int32 {
		if len(span) == 0 {
			return 0
		}
		n, err := w.Write(span)
		if err != nil && n == 0 {
			return -1
		}
		return int32(n)
	}
}

// Stdio builds handlers over the given streams. Nil streams leave the
// matching handler unset.
func Stdio(stdin io.Reader, stdout, stderr io.Writer) Handlers {
	var h Handlers
	if stdin != nil {
		h.ReadStdin = ReaderFunc(stdin)
	}
	if stdout != nil {
		h.WriteStdout = WriterFunc(stdout)
	}
	if stderr != nil {
		h.WriteStderr = WriterFunc(stderr)
	}
	return h
}
