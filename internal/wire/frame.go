package wire

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// MaxLine bounds a single frame. An IMAGE line of a multi-monitor desktop
// at full quality stays well inside it.
const MaxLine = 64 << 20

// Reader splits a byte stream into lines.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLine)
	return &Reader{scanner: scanner}
}

// ReadLine returns the next line without its terminator. It returns
// io.EOF when the peer closes the stream.
func (r *Reader) ReadLine() (string, error) {
	if r.scanner.Scan() {
		return strings.TrimSuffix(r.scanner.Text(), "\r"), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Writer writes one line per call. Concurrent WriteLine calls do not
// interleave.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteLine appends the terminator and writes the frame in one call.
func (w *Writer) WriteLine(line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("frame contains a line break")
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(buf)
	return err
}
