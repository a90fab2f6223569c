package procline

import (
	"strconv"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// RunningCommand is the public handle wrapping one OProc (or, via
// Pipeline, a sequence of them): synchronous wait, iteration, stdout/
// stderr as bytes/text, composition as input to another command,
// cooperative cancellation — spec.md §4.5.
type RunningCommand struct {
	Args []string
	opts *Options

	proc     *OProc
	pipeline *Pipeline // non-nil when this handle wraps a multi-stage chain

	waited   bool
	waitCode int
	waitErr  error

	iterCh chan []byte
}

// RunningCommandBuilder accumulates prefix commands pushed via the
// context-manager idiom (spec.md §9's "with this command as a prefix"
// Design Note) before a call resolves and starts an OProc.
type RunningCommandBuilder struct {
	mu      sync.Mutex
	prefix  []string
	log     *zap.SugaredLogger
}

var defaultBuilder = &RunningCommandBuilder{}

// NewBuilder returns a fresh execution context with its own prefix stack,
// independent of the package-level default.
func NewBuilder() *RunningCommandBuilder {
	return &RunningCommandBuilder{}
}

// PushPrefix bakes args onto this builder's prefix stack for subsequent
// calls, implementing the "with cmd:" scoping idiom as an explicit stack
// rather than thread-local state.
func (b *RunningCommandBuilder) PushPrefix(args ...string) (pop func()) {
	b.mu.Lock()
	b.prefix = append(b.prefix, args...)
	n := len(args)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.prefix = b.prefix[:len(b.prefix)-n]
		b.mu.Unlock()
	}
}

// Run starts a RunningCommand for an already-resolved path, with args
// placed after this builder's current prefix, matching spec.md §4.5's
// construction contract: validate options, build the argv, instantiate
// the OProc, and — unless Background is set — wait immediately. Path
// resolution is left to the caller (Command does it via LookPath).
func (b *RunningCommandBuilder) Run(path string, args []string, opts *Options) (*RunningCommand, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	fullArgs := append(append([]string{}, b.prefix...), args...)
	b.mu.Unlock()

	argv := append([]string{path}, fullArgs...)

	// Resolve downstream-input wiring implied by composing a prior
	// RunningCommand as stdin: handled by the caller via Options.In =
	// QueueInput(upstream.outputQueue()) before calling Run (see
	// pipeline.go, which is the one caller that does this).

	proc, err := startOProc(path, argv, opts, b.log)
	if err != nil {
		return nil, err
	}

	rc := &RunningCommand{Args: argv, opts: opts, proc: proc}

	if opts.Iter != IterNone {
		rc.startIter()
	}

	if !opts.Background {
		if _, err := rc.Wait(); err != nil {
			return rc, err
		}
	}

	return rc, nil
}

// Command is the package-level convenience entry point: it resolves name
// via LookPath (the external-collaborator layer spec.md §1 describes)
// and starts it with opts against the default builder.
func Command(name string, opts *Options, arg ...string) (*RunningCommand, error) {
	path := name
	if !strings.Contains(name, "/") {
		resolved, err := LookPath(name)
		if err != nil {
			return nil, &CommandNotFoundError{Name: name, Err: err}
		}
		path = resolved
	}
	return defaultBuilder.Run(path, arg, opts)
}

func (rc *RunningCommand) startIter() {
	rc.iterCh = make(chan []byte, 16)
	var q *pipeQueue
	switch rc.opts.Iter {
	case IterStdout:
		if rc.proc.outPipeQ == nil {
			rc.proc.opts.Piped = PipeOut
			rc.proc.outPipeQ = newPipeQueue(64)
			rc.proc.stdoutR.pipeQ = rc.proc.outPipeQ
		}
		q = rc.proc.outPipeQ
	case IterStderr:
		if rc.proc.stderrR != nil && rc.proc.errPipeQ == nil {
			rc.proc.errPipeQ = newPipeQueue(64)
			rc.proc.stderrR.pipeQ = rc.proc.errPipeQ
		}
		q = rc.proc.errPipeQ
	}
	if q == nil {
		close(rc.iterCh)
		return
	}
	go func() {
		defer close(rc.iterCh)
		for {
			if rc.opts.IterNoBlock {
				select {
				case chunk, ok := <-q.ch:
					if !ok {
						return
					}
					rc.iterCh <- chunk
				default:
					rc.iterCh <- WouldBlock
				}
				continue
			}
			chunk, ok := q.recv()
			if !ok {
				return
			}
			rc.iterCh <- chunk
		}
	}()
}

// Iter returns a channel of output chunks, closed once the underlying
// stream reaches EOF, for callers that selected Options.Iter. Draining
// it fully and then calling Wait observes the rules of spec.md §4.5's
// iteration: a fault is raised from Wait, not from the channel itself.
// When Options.IterNoBlock is also set, a zero-length WouldBlock chunk
// stands in for "no data ready yet" instead of the goroutine blocking,
// per spec.md §4.5's iter_noblock.
func (rc *RunningCommand) Iter() <-chan []byte {
	return rc.iterCh
}

// Wait blocks for the child (or, via Pipeline, the whole chain); it sets
// the exit code and converts a non-ok exit into the appropriate fault
// type, per spec.md §4.5/§7. Calling Wait more than once is safe; only
// the first call actually blocks, subsequent calls replay its result.
func (rc *RunningCommand) Wait() (int, error) {
	if rc.waited {
		return rc.waitCode, rc.waitErr
	}
	rc.waited = true

	if rc.pipeline != nil {
		rc.waitCode, rc.waitErr = rc.pipeline.wait()
		return rc.waitCode, rc.waitErr
	}

	code, err := rc.proc.Wait()
	if err != nil {
		rc.waitErr = err
		return 0, err
	}
	rc.waitCode = code

	if !rc.opts.isOk(code) {
		rc.waitErr = rc.faultForExit(code)
	}
	if rc.opts.Done != nil {
		rc.opts.Done(rc, rc.waitErr == nil, code)
	}
	return rc.waitCode, rc.waitErr
}

func (rc *RunningCommand) fullCommandText() string {
	return strings.Join(rc.Args, " ")
}

// faultForExit converts a combined exit/signal code that fell outside
// OkCode into the corresponding typed fault, per spec.md §7. TimeoutFault
// always wins when the process was killed by timeout enforcement.
func (rc *RunningCommand) faultForExit(code int) error {
	command := rc.fullCommandText()
	if code < 0 {
		sig := syscall.Signal(-code)
		if rc.proc != nil && rc.proc.TimedOut() {
			return &TimeoutError{Command: command, Signal: sig}
		}
		return &SignalError{Command: command, Signal: sig}
	}
	var state *ProcessState
	if rc.proc != nil {
		state = rc.proc.state
	}
	return &ExitError{
		ProcessState: state,
		Command:      command,
		Stdout:       truncateForFault(rc.StdoutBytes()),
		Stderr:       truncateForFault(rc.StderrBytes()),
	}
}

// faultOutputLimit is the prefix/suffix size an ExitError keeps of each
// stream, per spec.md §7's "truncated with a note when large."
const faultOutputLimit = 10 << 10

// truncateForFault runs b through a prefixSuffixSaver so a fault carrying
// a very large capture doesn't itself balloon in size.
func truncateForFault(b []byte) []byte {
	if len(b) <= 2*faultOutputLimit {
		return b
	}
	saver := &prefixSuffixSaver{N: faultOutputLimit}
	saver.Write(b)
	return saver.Bytes()
}

// StdoutBytes returns the captured stdout so far.
func (rc *RunningCommand) StdoutBytes() []byte {
	if rc.pipeline != nil {
		return rc.pipeline.stdoutBytes()
	}
	return rc.proc.StdoutBytes()
}

// StderrBytes returns the captured stderr so far.
func (rc *RunningCommand) StderrBytes() []byte {
	if rc.pipeline != nil {
		return rc.pipeline.stderrBytes()
	}
	return rc.proc.StderrBytes()
}

// Stdout returns captured stdout as a string. The bytes are converted
// unchanged; Options.Encoding and Options.DecodeErrors are not applied.
func (rc *RunningCommand) Stdout() string { return string(rc.StdoutBytes()) }

// Stderr returns captured stderr as a string, converted the same way as
// Stdout.
func (rc *RunningCommand) Stderr() string { return string(rc.StderrBytes()) }

// String implements the str(handle) projection of spec.md §4.5.
func (rc *RunningCommand) String() string { return rc.Stdout() }

// Bytes implements the bytes(handle) projection of spec.md §4.5.
func (rc *RunningCommand) Bytes() []byte { return rc.StdoutBytes() }

// Int parses captured stdout, trimmed, as a base-10 integer, matching
// spec.md §4.5's "coercions to numeric return handle_text.strip()
// parsed."
func (rc *RunningCommand) Int() (int, error) {
	return strconv.Atoi(strings.TrimSpace(rc.Stdout()))
}

// Equal reports whether two handles captured identical stdout, per
// spec.md §4.5's equality rule.
func (rc *RunningCommand) Equal(other *RunningCommand) bool {
	if other == nil {
		return false
	}
	return string(rc.StdoutBytes()) == string(other.StdoutBytes())
}

// SendSignal sends sig to the underlying process (or, for a pipeline,
// every stage).
func (rc *RunningCommand) SendSignal(sig syscall.Signal) error {
	if rc.pipeline != nil {
		return rc.pipeline.sendSignal(sig)
	}
	return rc.proc.SendSignal(sig)
}

// Terminate sends SIGTERM to the underlying process(es).
func (rc *RunningCommand) Terminate() error {
	if rc.pipeline != nil {
		return rc.pipeline.terminate()
	}
	return rc.proc.Terminate()
}

// Kill sends SIGKILL to the underlying process(es).
func (rc *RunningCommand) Kill() error {
	if rc.pipeline != nil {
		return rc.pipeline.kill()
	}
	return rc.proc.Kill()
}

// Proc exposes the sole OProc this handle wraps, or nil for a pipeline.
func (rc *RunningCommand) Proc() *OProc { return rc.proc }

// outputQueue returns the pipe-queue a downstream command composes
// against when this RunningCommand is passed as another command's input,
// per spec.md §4.6. which *pipeQueue to hand back depends on Options.Piped.
func (rc *RunningCommand) outputQueue() *pipeQueue {
	if rc.pipeline != nil {
		return rc.pipeline.lastStage().outputQueueFor(rc.opts)
	}
	return rc.proc.outputQueueFor(rc.opts)
}

func (p *OProc) outputQueueFor(opts *Options) *pipeQueue {
	switch opts.Piped {
	case PipeErr:
		return p.errPipeQ
	default:
		return p.outPipeQ
	}
}
