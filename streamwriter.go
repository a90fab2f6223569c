package procline

import (
	"bufio"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// streamWriter adapts a heterogeneous InputSource to a single write
// descriptor, feeding one chunk at a time (spec.md §4.2). It classifies
// its source once at construction.
type streamWriter struct {
	name    string
	proc    *OProc
	fd      *os.File
	isTTY   bool
	enc     func(string) []byte

	nextChunk func() (chunk []byte, eof bool)
}

func newStreamWriter(name string, proc *OProc, fd *os.File, isTTY bool, in InputSource, encoding string) *streamWriter {
	w := &streamWriter{name: name, proc: proc, fd: fd, isTTY: isTTY}
	w.enc = encoderFor(encoding)

	switch src := in.(type) {
	case nil:
		w.nextChunk = func() ([]byte, bool) { return nil, true }

	case BytesInput:
		remaining := append([]byte(nil), src...)
		w.nextChunk = chunkedBytesSource(remaining, 1024)

	case TextInput:
		remaining := w.enc(string(src))
		w.nextChunk = chunkedBytesSource(remaining, 1024)

	case IterInput:
		idx := 0
		w.nextChunk = func() ([]byte, bool) {
			if idx >= len(src) {
				return nil, true
			}
			c := src[idx]
			idx++
			return c, false
		}

	case CallableInput:
		w.nextChunk = func() ([]byte, bool) {
			chunk, err := src()
			if err != nil {
				return nil, true
			}
			return chunk, false
		}

	case ReaderInput:
		br := bufio.NewReaderSize(src.Reader, 64*1024)
		buf := make([]byte, 32*1024)
		w.nextChunk = func() ([]byte, bool) {
			n, err := br.Read(buf)
			if n == 0 && err != nil {
				return nil, true
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			return chunk, false
		}

	case QueueInput:
		// A dedicated goroutine can afford to block on the channel
		// directly; there is no multiplexer tick to avoid stalling.
		w.nextChunk = func() ([]byte, bool) {
			chunk, ok := <-src
			if !ok || chunk == nil {
				return nil, true
			}
			return chunk, false
		}

	default:
		w.nextChunk = func() ([]byte, bool) { return nil, true }
	}

	return w
}

func encoderFor(encoding string) func(string) []byte {
	return func(s string) []byte { return []byte(s) }
}

// chunkedBytesSource slices a fixed byte string into pieceSize pieces,
// matching oproc.py's StreamWriter string handling.
func chunkedBytesSource(data []byte, pieceSize int) func() ([]byte, bool) {
	off := 0
	return func() ([]byte, bool) {
		if off >= len(data) {
			return nil, true
		}
		end := off + pieceSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		off = end
		return chunk, false
	}
}

// run drives the writer until its source is exhausted or the descriptor
// is no longer writable, mirroring oproc.py's per-tick write() but as a
// dedicated goroutine (see SPEC_FULL.md §4.4 "io goroutine model").
func (w *streamWriter) run() error {
	defer w.finish()
	for {
		chunk, eof := w.nextChunk()
		if eof {
			return nil
		}
		if len(chunk) == 0 {
			continue
		}
		if _, err := w.fd.Write(chunk); err != nil {
			if isEPIPE(err) {
				// EPIPE on write is converted to a clean completion
				// here, whether or not this stdin is part of a Pipe
				// chain; the child's own exit status is still what
				// Wait reports.
				return nil
			}
			return err
		}
	}
}

func (w *streamWriter) finish() {
	if w.isTTY {
		if veof, err := ttyVEOF(w.fd); err == nil {
			w.fd.Write([]byte{veof})
			return
		}
	}
	w.fd.Close()
}

func isEPIPE(err error) bool {
	if pe, ok := err.(*os.PathError); ok {
		return pe.Err == unix.EPIPE
	}
	return err == io.ErrClosedPipe
}

// ttyVEOF returns the terminal's configured VEOF byte, per oproc.py's
// StreamWriter.write EOF handling. If the termios query fails it returns
// Ctrl-D (4) together with the error; finish then closes the descriptor
// instead of writing a byte.
func ttyVEOF(fd *os.File) (byte, error) {
	t, err := unix.IoctlGetTermios(int(fd.Fd()), unix.TCGETS)
	if err != nil {
		return 4, err
	}
	return t.Cc[unix.VEOF], nil
}
