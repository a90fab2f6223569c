package procline

import (
	"os"
	"sync"
)

// streamReader reads from one output descriptor, routes bytes through a
// bufferer, and fans each produced piece out to capture, pipe-queue, and
// sink, per spec.md §4.3.
type streamReader struct {
	name string
	proc *OProc
	fd   *os.File

	buf  *bufferer
	sink Sink

	captureMu sync.Mutex
	capture   [][]byte // bounded deque; oldest dropped on overflow
	capMax    int

	pipeQ *pipeQueue
	// captureEnabled gates appendCapture: false when the caller asked to
	// suppress capture (Options.NoOut/NoErr) and Tee wasn't requested to
	// override that suppression for this stream, per spec.md §4.3's
	// "capture may be suppressed for performance" / §3's "tee" row.
	captureEnabled bool

	stdin chan<- []byte

	stopped bool
	readBuf []byte
}

func newStreamReader(name string, proc *OProc, fd *os.File, bs BufSize, capMax int, sink Sink, pipeQ *pipeQueue, captureEnabled bool, stdin chan<- []byte) *streamReader {
	readSize := 64 * 1024
	switch bs.Mode {
	case Unbuffered:
		readSize = 1
	case Chunked:
		if bs.N > 0 {
			readSize = bs.N
		}
	}
	return &streamReader{
		name:           name,
		proc:           proc,
		fd:             fd,
		buf:            newBufferer(bs),
		sink:           sink,
		capMax:         capMax,
		pipeQ:          pipeQ,
		captureEnabled: captureEnabled,
		stdin:          stdin,
		readBuf:        make([]byte, readSize),
	}
}

// run reads until EOF or error, then finalizes: flushes the bufferer,
// closes the pipe-queue (if any) with the EOF sentinel, and closes the
// descriptor.
func (r *streamReader) run(started *sync.WaitGroup) error {
	// Barrier rendezvous: sinks are only invoked once both stream readers
	// of an OProc have started, so stdout/stderr are coherent on the
	// error path (spec.md §4.3).
	if started != nil {
		started.Done()
		started.Wait()
	}
	defer r.finish()

	for {
		n, err := r.fd.Read(r.readBuf)
		if n > 0 {
			for _, piece := range r.buf.process(r.readBuf[:n]) {
				r.deliver(piece)
			}
		}
		if err != nil {
			return nil
		}
	}
}

func (r *streamReader) finish() {
	if rest := r.buf.flush(); len(rest) > 0 {
		r.deliver(rest)
	}
	if r.pipeQ != nil {
		r.pipeQ.closeEOF()
	}
	r.fd.Close()
}

func (r *streamReader) deliver(chunk []byte) {
	if !r.stopped {
		switch s := r.sink.(type) {
		case ChunkSink:
			if s != nil && s(chunk) {
				r.stopped = true
			}
		case ChunkStdinSink:
			if s != nil && s(chunk, r.stdin) {
				r.stopped = true
			}
		case ChunkStdinProcSink:
			if s != nil && s(chunk, r.stdin, r.proc) {
				r.stopped = true
			}
		case WriterSink:
			if s.Writer != nil {
				s.Write(chunk)
			}
		}
	}

	if r.pipeQ != nil {
		r.pipeQ.push(chunk)
	}

	r.appendCapture(chunk)
}

func (r *streamReader) appendCapture(chunk []byte) {
	if !r.captureEnabled {
		return
	}
	r.captureMu.Lock()
	defer r.captureMu.Unlock()
	r.capture = append(r.capture, chunk)
	total := 0
	for _, c := range r.capture {
		total += len(c)
	}
	for total > r.capMax && len(r.capture) > 0 {
		total -= len(r.capture[0])
		r.capture = r.capture[1:]
	}
}

// bytes returns the concatenated captured output so far.
func (r *streamReader) bytes() []byte {
	r.captureMu.Lock()
	defer r.captureMu.Unlock()
	total := 0
	for _, c := range r.capture {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range r.capture {
		out = append(out, c...)
	}
	return out
}
