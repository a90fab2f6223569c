package procline

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// OProc is a single child process: it owns the fork/exec, the descriptor
// and tty topology, the per-stream io goroutines, signal delivery and exit
// reaping, per spec.md §4.4.
type OProc struct {
	Pid int

	command string // full command text, for fault messages
	opts    *Options

	cmd *exec.Cmd

	stdinFD  *os.File // parent-side write end (master pty, or pipe write end)
	stdoutFD *os.File // parent-side read end (always a pty master)
	stderrFD *os.File // nil when ErrToOut

	stdinW  *streamWriter
	stdoutR *streamReader
	stderrR *streamReader

	stdinQueue chan []byte // handed to ChunkStdinSink/ChunkStdinProcSink callbacks; not drained

	outPipeQ *pipeQueue // non-nil when Piped == PipeOut
	errPipeQ *pipeQueue // non-nil when Piped == PipeErr

	ioGroup *errgroup.Group

	waitMu    sync.Mutex
	waitOnce  sync.Once
	state     *ProcessState
	waitErr   error
	exitCode  int
	timedOut  bool
	reaped    bool

	doneCallbacks []func(success bool, exitCode int)

	timeoutTimer *time.Timer

	log *zap.SugaredLogger
}

// startOProc forks and execs cmd/args under the topology opts describes,
// and launches its io goroutines. It either returns a fully live OProc
// with a valid Pid, or a *ForkError / *CommandNotFoundError — a partially
// initialized OProc never escapes, per spec.md §3's invariant.
func startOProc(path string, args []string, opts *Options, log *zap.SugaredLogger) (*OProc, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	p := &OProc{
		command:    commandText(path, args),
		opts:       opts,
		stdinQueue: make(chan []byte, 16),
		log:        log.With("command", commandText(path, args)),
	}

	if opts.Foreground {
		return startForegroundOProc(path, args, opts, p)
	}

	var stdinSlave, stdoutSlave, stderrSlave *os.File
	cleanup := func() {
		for _, f := range []*os.File{p.stdinFD, p.stdoutFD, p.stderrFD, stdinSlave, stdoutSlave, stderrSlave} {
			if f != nil {
				f.Close()
			}
		}
	}

	var err error
	if opts.TTYIn {
		p.stdinFD, stdinSlave, err = openPty()
	} else {
		stdinSlave, p.stdinFD, err = os.Pipe()
	}
	if err != nil {
		cleanup()
		return nil, &ForkError{Command: p.command, Err: fmt.Errorf("stdin setup: %w", err)}
	}

	p.stdoutFD, stdoutSlave, err = openPty()
	if err != nil {
		cleanup()
		return nil, &ForkError{Command: p.command, Err: fmt.Errorf("stdout pty setup: %w", err)}
	}

	if !opts.ErrToOut {
		p.stderrFD, stderrSlave, err = openPty()
		if err != nil {
			cleanup()
			return nil, &ForkError{Command: p.command, Err: fmt.Errorf("stderr pty setup: %w", err)}
		}
	}

	cmd := &exec.Cmd{Path: path, Args: args}
	cmd.Dir = opts.Cwd
	cmd.Env = opts.Env
	cmd.Stdin = stdinSlave
	cmd.Stdout = stdoutSlave
	if opts.ErrToOut {
		cmd.Stderr = stdoutSlave
	} else {
		cmd.Stderr = stderrSlave
	}
	for _, fd := range opts.PassFDs {
		cmd.ExtraFiles = append(cmd.ExtraFiles, os.NewFile(uintptr(fd), fmt.Sprintf("passfd%d", fd)))
	}

	sys := &syscall.SysProcAttr{}
	if opts.NewSession {
		sys.Setsid = true
	}
	if opts.NewGroup {
		sys.Setpgid = true
	}
	if opts.TTYIn {
		// Stdin is ChildFiles index 0: the pty slave becomes the
		// child's controlling terminal, replacing the original
		// Python's manual /dev/tty open/close/setsid dance with what
		// the Go runtime already does atomically around fork+exec.
		sys.Setctty = true
		sys.Ctty = 0
		if !sys.Setsid {
			sys.Setsid = true
		}
	}
	cmd.SysProcAttr = sys

	if opts.PreexecFn != nil {
		// Go's fork+exec path runs entirely inside the runtime between
		// fork and exec; there is no safe hook point to run arbitrary
		// Go code there (unlike the original's preexec_fn, which ran
		// in the freshly forked child before exec). We run it in the
		// parent immediately before Start as the closest honest
		// approximation, and document the gap here rather than pretend
		// to support true child-side preexec hooks.
		if err := opts.PreexecFn(); err != nil {
			cleanup()
			return nil, &ForkError{Command: p.command, Err: err}
		}
	}

	// Raw mode, echo and window size are applied before Start so the
	// child's very first output already bypasses \r\n translation.
	if opts.TTYIn {
		disableEcho(p.stdinFD)
	}
	setRaw(p.stdoutFD)
	if p.stderrFD != nil {
		setRaw(p.stderrFD)
	}
	setWinSize(p.stdoutFD, opts.winSize())

	if err := cmd.Start(); err != nil {
		cleanup()
		if os.IsNotExist(err) {
			return nil, &CommandNotFoundError{Name: path, Err: err}
		}
		return nil, &ForkError{Command: p.command, Err: err}
	}

	// The child now holds its own copies; close ours.
	for _, f := range []*os.File{stdinSlave, stdoutSlave, stderrSlave} {
		if f != nil {
			f.Close()
		}
	}

	p.cmd = cmd
	p.Pid = cmd.Process.Pid
	p.log = p.log.With("pid", p.Pid)
	p.log.Debug("started process")

	defaultRegistry.add(p)

	// Iter also drains a pipe-queue; it is created here, before the io
	// goroutines start, so no chunk and no EOF can precede it.
	if opts.Piped == PipeOut || opts.Iter == IterStdout {
		p.outPipeQ = newPipeQueue(64)
	}
	if (opts.Piped == PipeErr || opts.Iter == IterStderr) && p.stderrFD != nil {
		p.errPipeQ = newPipeQueue(64)
	}

	p.stdinW = newStreamWriter("stdin", p, p.stdinFD, opts.TTYIn, opts.In, opts.encoding())

	captureOut := !opts.NoOut || opts.Tee == TeeOut || opts.Tee == TeeBoth
	p.stdoutR = newStreamReader("stdout", p, p.stdoutFD, opts.OutBufSize, opts.internalBufSize(), opts.Out, p.outPipeQ, captureOut, p.stdinQueue)

	if p.stderrFD != nil {
		captureErr := !opts.NoErr || opts.Tee == TeeErr || opts.Tee == TeeBoth
		p.stderrR = newStreamReader("stderr", p, p.stderrFD, opts.ErrBufSize, opts.internalBufSize(), opts.Err, p.errPipeQ, captureErr, p.stdinQueue)
	}

	p.launchIO()

	if opts.Timeout > 0 {
		p.timeoutTimer = time.AfterFunc(opts.Timeout, func() {
			p.timedOut = true
			p.log.Debugw("timeout expired, sending signal", "signal", opts.timeoutSignal())
			p.SendSignal(opts.timeoutSignal())
		})
	}

	return p, nil
}

// startForegroundOProc runs the child wired directly to the parent's own
// stdio, per spec.md §3's "fg" running synchronously against the parent's
// controlling terminal. None of the pty/pipe topology, stream goroutines,
// or capture bufferers apply: options.validate already rejected Out/Err/
// In/Piped alongside Foreground, so there is nothing for them to drain.
func startForegroundOProc(path string, args []string, opts *Options, p *OProc) (*OProc, error) {
	cmd := &exec.Cmd{Path: path, Args: args}
	cmd.Dir = opts.Cwd
	cmd.Env = opts.Env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	for _, fd := range opts.PassFDs {
		cmd.ExtraFiles = append(cmd.ExtraFiles, os.NewFile(uintptr(fd), fmt.Sprintf("passfd%d", fd)))
	}

	sys := &syscall.SysProcAttr{}
	if opts.NewSession {
		sys.Setsid = true
	}
	if opts.NewGroup {
		sys.Setpgid = true
	}
	cmd.SysProcAttr = sys

	if opts.PreexecFn != nil {
		if err := opts.PreexecFn(); err != nil {
			return nil, &ForkError{Command: p.command, Err: err}
		}
	}

	if err := cmd.Start(); err != nil {
		if os.IsNotExist(err) {
			return nil, &CommandNotFoundError{Name: path, Err: err}
		}
		return nil, &ForkError{Command: p.command, Err: err}
	}

	p.cmd = cmd
	p.Pid = cmd.Process.Pid
	p.log = p.log.With("pid", p.Pid)
	p.log.Debug("started foreground process")

	defaultRegistry.add(p)

	if opts.Timeout > 0 {
		p.timeoutTimer = time.AfterFunc(opts.Timeout, func() {
			p.timedOut = true
			p.log.Debugw("timeout expired, sending signal", "signal", opts.timeoutSignal())
			p.SendSignal(opts.timeoutSignal())
		})
	}

	return p, nil
}

func commandText(path string, args []string) string {
	s := path
	for _, a := range args[1:] {
		s += " " + a
	}
	return s
}

// launchIO starts one goroutine per stream under a shared errgroup,
// rendezvousing the two readers so sinks only fire once both stdout and
// stderr are live (spec.md §4.3's barrier), per SPEC_FULL.md §4.4's "io
// goroutine model" note.
func (p *OProc) launchIO() {
	var g errgroup.Group
	p.ioGroup = &g

	var started sync.WaitGroup
	readers := 0
	if p.stdoutR != nil {
		readers++
	}
	if p.stderrR != nil {
		readers++
	}
	started.Add(readers)

	g.Go(func() error { return p.stdinW.run() })
	if p.stdoutR != nil {
		g.Go(func() error { return p.stdoutR.run(&started) })
	}
	if p.stderrR != nil {
		g.Go(func() error { return p.stderrR.run(&started) })
	}
}

// AddDoneCallback registers cb to run exactly once after reap, inside
// Wait, per spec.md §4.4.
func (p *OProc) AddDoneCallback(cb func(success bool, exitCode int)) {
	p.doneCallbacks = append(p.doneCallbacks, cb)
}

// SendSignal delivers sig to the child pid.
func (p *OProc) SendSignal(sig syscall.Signal) error {
	p.log.Debugw("sending signal", "signal", sig)
	return (&Process{Pid: p.Pid}).Signal(sig)
}

// Terminate sends SIGTERM.
func (p *OProc) Terminate() error { return p.SendSignal(syscall.SIGTERM) }

// Kill sends SIGKILL.
func (p *OProc) Kill() error { return p.SendSignal(syscall.SIGKILL) }

// KillGroup sends SIGKILL to the process group (requires NewGroup).
func (p *OProc) KillGroup() error {
	p.log.Debug("killing group")
	return unixKillGroup(p.Pid, syscall.SIGKILL)
}

// Alive reports whether the child is still running, per spec.md §4.4's
// wait-lock-guarded non-blocking poll. It performs a real
// waitpid(WNOHANG) via Process.WaitNoHang and caches a successful reap
// into the same state a blocking Wait would have produced, so a later
// Wait call replays it instead of reaping twice. A caller racing a
// concurrent blocking Wait never contends waitpid: it just reports
// "alive until proven otherwise."
func (p *OProc) Alive() bool {
	if p.state != nil {
		return false
	}
	if !p.waitMu.TryLock() {
		return true
	}
	defer p.waitMu.Unlock()

	if p.state != nil {
		return false
	}
	if ps, err := (&Process{Pid: p.Pid}).WaitNoHang(); err == nil && ps != nil {
		p.state = ps
		p.exitCode = p.state.ExitOrSignal()
	}
	return p.state == nil
}

// StdoutBytes returns the bytes captured so far from stdout.
func (p *OProc) StdoutBytes() []byte {
	if p.stdoutR == nil {
		return nil
	}
	return p.stdoutR.bytes()
}

// StderrBytes returns the bytes captured so far from stderr.
func (p *OProc) StderrBytes() []byte {
	if p.stderrR == nil {
		return nil
	}
	return p.stderrR.bytes()
}

// OutPipeQueue exposes the downstream pipe-queue when Piped == PipeOut.
func (p *OProc) OutPipeQueue() *pipeQueue { return p.outPipeQ }

// ErrPipeQueue exposes the downstream pipe-queue when Piped == PipeErr.
func (p *OProc) ErrPipeQueue() *pipeQueue { return p.errPipeQ }

// StdinQueue exposes the channel handed to ChunkStdinSink/ChunkStdinProcSink
// callbacks. Nothing reads from it: bytes sent on it do not reach the
// child's stdin, and a send blocks once its 16-slot buffer is full.
func (p *OProc) StdinQueue() chan<- []byte { return p.stdinQueue }

// TimedOut reports whether wall-clock enforcement fired before the child
// exited on its own.
func (p *OProc) TimedOut() bool { return p.timedOut }

// Reaped reports whether Wait has already run to completion.
func (p *OProc) Reaped() bool { return p.reaped }

// Wait blocks until the child has exited and its io goroutines have
// joined, decodes its exit status, fires done-callbacks exactly once, and
// returns the combined exit/signal code of spec.md §6. It is safe to call
// Wait concurrently; only the first caller actually waits.
func (p *OProc) Wait() (int, error) {
	p.waitOnce.Do(func() {
		p.waitMu.Lock()
		defer p.waitMu.Unlock()

		p.log.Debug("waiting for completion")
		if p.state == nil {
			waitErr := p.cmd.Wait()
			if ps := p.cmd.ProcessState; ps != nil {
				p.state = newProcessStateFromOS(ps)
				p.exitCode = p.state.ExitOrSignal()
			} else if waitErr != nil {
				p.waitErr = waitErr
			}
		}
		// Else: a prior Alive() call already reaped the child via
		// WaitNoHang; cmd.Wait would either block forever (nothing left
		// to wait on) or return ECHILD, so we reuse its cached state.
		if p.timeoutTimer != nil {
			p.timeoutTimer.Stop()
		}

		// Join every stream goroutine; all three close their
		// descriptors and flush their bufferers as they finish, per
		// spec.md §4.4's "this is the sole thread that touches the
		// child's descriptors" — here, the sole goroutine group.
		if p.ioGroup != nil {
			p.ioGroup.Wait()
		}

		success := p.opts.isOk(p.exitCode)
		for _, cb := range p.doneCallbacks {
			cb(success, p.exitCode)
		}
		p.reaped = true
		defaultRegistry.remove(p)
	})

	if p.waitErr != nil {
		return 0, p.waitErr
	}
	return p.exitCode, nil
}
