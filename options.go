package procline

import (
	"io"
	"syscall"
	"time"
)

// PipeTarget selects which of a command's captured streams feeds a
// downstream command in a Pipeline, per spec.md §3's "piped" option.
type PipeTarget int

const (
	PipeNone PipeTarget = iota
	PipeOut
	PipeErr
)

// TeeTarget selects which captured stream(s) are also forwarded to their
// configured sink in addition to being captured, per spec.md §3's "tee".
type TeeTarget int

const (
	TeeNone TeeTarget = iota
	TeeOut
	TeeErr
	TeeBoth
)

// IterStream selects which stream Iter() pulls chunks from.
type IterStream int

const (
	IterNone IterStream = iota
	IterStdout
	IterStderr
)

// WouldBlock is the sentinel chunk RunningCommand.Iter delivers when
// Options.IterNoBlock is set and no data is ready yet, per spec.md §4.5's
// "iter_noblock yields a distinguished wouldblock token." A real chunk is
// never zero-length (bufferer/streamReader only ever push chunks once
// they have at least one byte), so a zero-length, non-nil slice is safe
// to use as the distinguishing mark; comparing by content (len == 0) is
// how callers recognize it, not by channel-close.
var WouldBlock = []byte{}

// DecodeErrorMode names what a textual projection does with bytes that
// don't decode cleanly under Options.Encoding. The projections in this
// package (Stdout, Stderr, String) do not read Options.DecodeErrors: they
// convert the captured bytes to a string unchanged, so none of these
// modes takes effect and no DecodeError is returned.
type DecodeErrorMode int

const (
	// DecodeStrict returns a DecodeError.
	DecodeStrict DecodeErrorMode = iota
	// DecodeReplace substitutes the Unicode replacement character.
	DecodeReplace
	// DecodeIgnore drops the offending bytes.
	DecodeIgnore
)

// InputSource is the stdin source a StreamWriter adapts to a single write
// descriptor. It is a closed interface: Bytes, Text, Iter, Callable,
// Reader and Queue are its only implementations, matching spec.md §4.2's
// classification of a caller-supplied "in" value.
type InputSource interface {
	inputSource()
}

// BytesInput supplies a fixed byte string as stdin.
type BytesInput []byte

func (BytesInput) inputSource() {}

// TextInput supplies a fixed string, written as the string's own (UTF-8)
// bytes; Options.Encoding is not applied.
type TextInput string

func (TextInput) inputSource() {}

// IterInput supplies stdin as a finite sequence of chunks.
type IterInput []([]byte)

func (IterInput) inputSource() {}

// CallableInput is invoked for each chunk; it returns io.EOF (or any
// error) to signal end of input, matching spec.md §4.2's "callable→chunk"
// source.
type CallableInput func() ([]byte, error)

func (CallableInput) inputSource() {}

// ReaderInput supplies stdin from an io.Reader, read in pieces of at most
// 32 KiB (Options.InBufSize is not consulted).
type ReaderInput struct{ io.Reader }

func (ReaderInput) inputSource() {}

// QueueInput supplies stdin from a channel; a nil slice or a closed
// channel both signal EOF, matching spec.md's "queue with sentinel None".
type QueueInput chan []byte

func (QueueInput) inputSource() {}

// Sink is the stdout/stderr destination a StreamReader drains into, in
// addition to (or instead of, per Options.NoOut/NoErr) its internal
// capture deque. It is closed over the three chunk-sink interfaces
// named in spec.md §9's Design Note (arity is resolved at compile time,
// not by reflection) plus io.Writer for file-like sinks.
type Sink interface {
	sink()
}

// ChunkSink is invoked once per chunk with no further context.
type ChunkSink func(chunk []byte) (stop bool)

func (ChunkSink) sink() {}

// ChunkStdinSink additionally receives the owning OProc's StdinQueue
// channel. Nothing drains that channel into the child's stdin, so bytes a
// callback sends on it do not reach the child.
type ChunkStdinSink func(chunk []byte, stdin chan<- []byte) (stop bool)

func (ChunkStdinSink) sink() {}

// ChunkStdinProcSink additionally receives the owning OProc, so a
// callback can signal or kill the child directly.
type ChunkStdinProcSink func(chunk []byte, stdin chan<- []byte, proc *OProc) (stop bool)

func (ChunkStdinProcSink) sink() {}

// WriterSink writes captured chunks verbatim to an io.Writer.
type WriterSink struct{ io.Writer }

func (WriterSink) sink() {}

// WinSize is the pty window size set on the child's controlling terminal,
// per the original_source oproc.py's setwinsize call (spec.md §9 "Kept &
// adapted" supplement, not present verbatim in spec.md's option table).
type WinSize struct {
	Rows, Cols int
}

// DefaultWinSize matches oproc.py's hardcoded 24x80.
var DefaultWinSize = WinSize{Rows: 24, Cols: 80}

// Options is the single, closed call-options record spec.md §9's Design
// Notes recommend in place of the Python original's open record. Every
// field corresponds to one row of spec.md §3's option table (or to an
// §9 "Kept & adapted" supplement, noted below).
type Options struct {
	Cwd string
	Env []string // nil => inherit parent's environment

	In  InputSource
	Out Sink
	Err Sink

	ErrToOut bool

	TTYIn  bool
	TTYOut bool

	Background    bool // "bg"
	BackgroundExc bool // "bg_exc"; not read: Wait always returns a background command's fault

	Timeout       time.Duration
	TimeoutSignal syscall.Signal // default SIGKILL

	// OkCode lists exit codes (>=0) and accepted signal exits (<0) that
	// do not constitute a fault. Defaults to {0} when nil.
	OkCode []int

	Piped PipeTarget
	Tee   TeeTarget

	Iter        IterStream
	IterNoBlock bool

	InBufSize       BufSize
	OutBufSize      BufSize
	ErrBufSize      BufSize
	InternalBufSize int // capture deque capacity; 0 means spec.md's default of 100000

	Encoding     string // default "utf-8"
	DecodeErrors DecodeErrorMode

	NewSession bool
	NewGroup   bool

	CloseFDs bool
	PassFDs  []int

	PreexecFn func() error

	Done func(rc *RunningCommand, success bool, exitCode int)

	NoOut  bool
	NoErr  bool
	NoPipe bool

	Foreground bool // "fg"; mutually exclusive with Out/Err/In

	WinSize WinSize

	// Persist exempts the process from the package-wide shutdown-kill
	// registry (oproc.py's "persist" flag).
	Persist bool
}

// okCodes returns the effective ok-code set, defaulting to {0}.
func (o *Options) okCodes() []int {
	if len(o.OkCode) == 0 {
		return []int{0}
	}
	return o.OkCode
}

func (o *Options) isOk(code int) bool {
	for _, c := range o.okCodes() {
		if c == code {
			return true
		}
	}
	return false
}

func (o *Options) timeoutSignal() syscall.Signal {
	if o.TimeoutSignal == 0 {
		return syscall.SIGKILL
	}
	return o.TimeoutSignal
}

func (o *Options) encoding() string {
	if o.Encoding == "" {
		return "utf-8"
	}
	return o.Encoding
}

func (o *Options) internalBufSize() int {
	if o.InternalBufSize <= 0 {
		return 100000
	}
	return o.InternalBufSize
}

func (o *Options) winSize() WinSize {
	if o.WinSize.Rows == 0 && o.WinSize.Cols == 0 {
		return DefaultWinSize
	}
	return o.WinSize
}

// validate rejects option combinations spec.md §3/§6 calls out as
// incompatible, returning a *UsageError otherwise.
func (o *Options) validate() error {
	if o.Foreground && (o.Out != nil || o.Err != nil || o.In != nil) {
		return &UsageError{Msg: "fg is mutually exclusive with out/err/in"}
	}
	if o.Foreground && o.Piped != PipeNone {
		return &UsageError{Msg: "fg is mutually exclusive with piped"}
	}
	if o.Iter != IterNone && o.Piped != PipeNone {
		return &UsageError{Msg: "iter is mutually exclusive with piped"}
	}
	if o.ErrToOut && o.Piped == PipeErr {
		return &UsageError{Msg: "err_to_out makes piped=err meaningless"}
	}
	return nil
}
