package ingest

import (
	"bufio"
	"errors"
	"io"
)

const readChunk = 4096

// LineReader splits a stream into lines while holding at most max bytes of
// any one line. Longer lines are cut at max and the rest is discarded as it
// arrives.
type LineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = 64 << 10
	}
	size := readChunk
	if max < size {
		size = max
	}
	return &LineReader{r: bufio.NewReaderSize(r, size), max: max}
}

// ReadLine returns the next line without its terminator. A final line
// without newline is returned before io.EOF.
func (l *LineReader) ReadLine() (line string, truncated bool, err error) {
	l.buf = l.buf[:0]
	for {
		chunk, err := l.r.ReadSlice('\n')
		content := chunk
		if err == nil {
			content = trimLF(content)
		}
		if room := l.max - len(l.buf); len(content) > room {
			content = content[:room]
			truncated = true
		}
		l.buf = append(l.buf, content...)

		switch {
		case err == nil:
			return trimCR(l.buf), truncated, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(l.buf) > 0 || truncated {
				return trimCR(l.buf), truncated, nil
			}
			return "", false, io.EOF
		default:
			return "", false, err
		}
	}
}

func trimLF(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		return b[:n-1]
	}
	return b
}

func trimCR(b []byte) string {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		return string(b[:n-1])
	}
	return string(b)
}
