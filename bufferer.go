package procline

import "bytes"

// BufSize is a tagged union describing how a stream is chunked, per
// spec.md §3's in_bufsize/out_bufsize/err_bufsize/internal_bufsize option.
type BufSize struct {
	// Mode selects which of the three buffering strategies applies.
	Mode BufMode
	// N is the chunk size when Mode == Chunked; ignored otherwise.
	N int
}

// BufMode enumerates the three buffering strategies of spec.md §4.1.
type BufMode int

const (
	// Unbuffered emits every chunk verbatim, as soon as it is read.
	Unbuffered BufMode = iota
	// LineBuffered emits complete lines (newline retained) and holds back
	// any trailing partial line until the next read or Flush.
	LineBuffered
	// Chunked emits successive N-byte slices, holding back any remainder.
	Chunked
)

// Unbuf is the zero-value BufSize: bufsize == 0 in spec.md's terms.
func Unbuf() BufSize { return BufSize{Mode: Unbuffered} }

// LineBuf is bufsize == 1 in spec.md's terms.
func LineBuf() BufSize { return BufSize{Mode: LineBuffered} }

// ChunkBuf is bufsize == N > 1 in spec.md's terms.
func ChunkBuf(n int) BufSize { return BufSize{Mode: Chunked, N: n} }

// bufferer is a pure byte-buffer reassembler parameterized by a BufSize.
// It carries a small residual buffer and never mutates the slices it is
// given; Process and Flush together preserve byte-exact concatenation,
// i.e. for any sequence of Process calls followed by one Flush, the
// concatenation of everything emitted equals the concatenation of
// everything fed in.
type bufferer struct {
	mode BufMode
	n    int // chunk size for Chunked
	resid []byte
}

func newBufferer(bs BufSize) *bufferer {
	b := &bufferer{mode: bs.Mode, n: bs.N}
	if b.mode == Chunked && b.n <= 0 {
		b.mode = Unbuffered
	}
	return b
}

// process consumes chunk and returns zero or more complete pieces to emit.
// chunk is never retained or mutated; returned slices are fresh copies,
// safe for the caller to hold onto indefinitely.
func (b *bufferer) process(chunk []byte) [][]byte {
	switch b.mode {
	case Unbuffered:
		if len(chunk) == 0 {
			return nil
		}
		out := make([]byte, len(chunk))
		copy(out, chunk)
		return [][]byte{out}

	case LineBuffered:
		var out [][]byte
		b.resid = append(b.resid, chunk...)
		for {
			idx := bytes.IndexByte(b.resid, '\n')
			if idx < 0 {
				break
			}
			line := make([]byte, idx+1)
			copy(line, b.resid[:idx+1])
			out = append(out, line)
			b.resid = b.resid[idx+1:]
		}
		// Keep the residual compact so it doesn't retain the backing
		// array of a much larger read.
		if len(b.resid) > 0 {
			fresh := make([]byte, len(b.resid))
			copy(fresh, b.resid)
			b.resid = fresh
		} else {
			b.resid = nil
		}
		return out

	case Chunked:
		var out [][]byte
		b.resid = append(b.resid, chunk...)
		for len(b.resid) >= b.n {
			piece := make([]byte, b.n)
			copy(piece, b.resid[:b.n])
			out = append(out, piece)
			b.resid = b.resid[b.n:]
		}
		if len(b.resid) > 0 {
			fresh := make([]byte, len(b.resid))
			copy(fresh, b.resid)
			b.resid = fresh
		} else {
			b.resid = nil
		}
		return out

	default:
		return nil
	}
}

// flush returns and clears whatever residual bytes remain buffered.
func (b *bufferer) flush() []byte {
	if len(b.resid) == 0 {
		return nil
	}
	out := b.resid
	b.resid = nil
	return out
}
