package procline

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Process stores the information about a process created by Start.
type Process struct {
	Pid int
}

// Signal sends a signal to the Process.
func (p *Process) Signal(sig os.Signal) error {
	if p.Pid <= 0 {
		return os.ErrInvalid
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		return os.ErrInvalid
	}
	return unix.Kill(p.Pid, s)
}

// unixKillGroup sends sig to the process group led by pid.
func unixKillGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return os.ErrInvalid
	}
	return unix.Kill(-pid, sig)
}

// WaitNoHang performs a single non-blocking waitpid(WNOHANG) attempt and
// returns (nil, nil) if the child has not exited yet, per spec.md §4.4's
// "alive is implemented by a non-blocking waitpid guarded by the
// wait-lock." OProc.Alive is the sole caller; the blocking reap path goes
// through os/exec.Cmd.Wait instead (see OProc.Wait), since cmd already
// owns the child's stdio plumbing and must be the one to observe its own
// exit in the common case.
func (p *Process) WaitNoHang() (*ProcessState, error) {
	if p.Pid <= 0 {
		return nil, os.ErrInvalid
	}
	var status unix.WaitStatus
	var rusage unix.Rusage
	pid, err := unix.Wait4(p.Pid, &status, unix.WNOHANG, &rusage)
	if err != nil {
		return nil, err
	}
	if pid == 0 {
		return nil, nil
	}
	return &ProcessState{
		pid:    pid,
		status: status,
		rusage: &rusage,
	}, nil
}

// ProcessState stores information about a process, as reported by Wait.
type ProcessState struct {
	pid    int             // The process's id.
	status unix.WaitStatus // The status returned by wait syscall
	rusage *unix.Rusage    // Resource usage info
}

// Pid returns the process id of the exited process.
func (p *ProcessState) Pid() int {
	return p.pid
}

// Exited reports whether the program has exited.
// On Unix systems this reports true if the program exited due to calling exit,
// but false if the program terminated due to a signal.
func (p *ProcessState) Exited() bool {
	return p.status.Exited()
}

// Success reports whether the program exited successfully,
// such as with exit status 0 on Unix.
func (p *ProcessState) Success() bool {
	return p.status.ExitStatus() == 0
}

// ExitCode returns the exit code of the exited process, or -1
// if the process hasn't exited or was terminated by a signal.
func (p *ProcessState) ExitCode() int {
	if !p.status.Exited() {
		return -1
	}
	return p.status.ExitStatus()
}

// Sys returns system-dependent exit information about
// the process.
func (p *ProcessState) Sys() interface{} {
	return p.status
}

// SysUsage returns system-dependent resource usage information about
// the exited process.
func (p *ProcessState) SysUsage() interface{} {
	return p.rusage
}

// SystemTime returns the system CPU time of the exited process and its children.
func (p *ProcessState) SystemTime() time.Duration {
	if p.rusage == nil {
		return 0
	}
	return time.Duration(p.rusage.Stime.Nano()) * time.Nanosecond
}

// UserTime returns the user CPU time of the exited process and its children.
func (p *ProcessState) UserTime() time.Duration {
	if p.rusage == nil {
		return 0
	}
	return time.Duration(p.rusage.Utime.Nano()) * time.Nanosecond
}

// Signaled reports whether the process was terminated by a signal.
func (p *ProcessState) Signaled() bool {
	return p.status.Signaled()
}

// TermSignal returns the signal that terminated the process, if any.
func (p *ProcessState) TermSignal() syscall.Signal {
	return p.status.Signal()
}

// ExitOrSignal returns the combined exit-code encoding spec.md §6
// describes: the normal exit code in [0,255], or -signum if the process
// was killed by a signal.
func (p *ProcessState) ExitOrSignal() int {
	if p.status.Signaled() {
		return -int(p.status.Signal())
	}
	return p.status.ExitStatus()
}

// newProcessStateFromOS adapts an *os.ProcessState (as populated by
// os/exec.Cmd.Wait, per the teacher's spawn_other.go convertSyscallRusage
// pattern) into our own ProcessState.
func newProcessStateFromOS(ps *os.ProcessState) *ProcessState {
	if ps == nil {
		return nil
	}
	var rusage *unix.Rusage
	if r, ok := ps.SysUsage().(*syscall.Rusage); ok && r != nil {
		rusage = &unix.Rusage{
			Utime:    unix.Timeval{Sec: r.Utime.Sec, Usec: r.Utime.Usec},
			Stime:    unix.Timeval{Sec: r.Stime.Sec, Usec: r.Stime.Usec},
			Maxrss:   r.Maxrss,
			Ixrss:    r.Ixrss,
			Idrss:    r.Idrss,
			Isrss:    r.Isrss,
			Minflt:   r.Minflt,
			Majflt:   r.Majflt,
			Nswap:    r.Nswap,
			Inblock:  r.Inblock,
			Oublock:  r.Oublock,
			Msgsnd:   r.Msgsnd,
			Msgrcv:   r.Msgrcv,
			Nsignals: r.Nsignals,
			Nvcsw:    r.Nvcsw,
			Nivcsw:   r.Nivcsw,
		}
	}
	return &ProcessState{
		pid:    ps.Pid(),
		status: unix.WaitStatus(ps.Sys().(syscall.WaitStatus)),
		rusage: rusage,
	}
}

// String returns a human-readable string representation of the ProcessState.
func (p *ProcessState) String() string {
	if p == nil {
		return "<nil>"
	}
	status := p.Sys().(unix.WaitStatus)
	switch {
	case status.Exited():
		code := status.ExitStatus()
		if code == 0 {
			return "exit status 0"
		}
		return fmt.Sprintf("exit status %d", code)
	case status.Signaled():
		sig := status.Signal()
		s := sig.String()
		if status.CoreDump() {
			s += " (core dumped)"
		}
		return "signal: " + s
	case status.Stopped():
		sig := status.StopSignal()
		return "stop signal: " + sig.String()
	case status.Continued():
		return "continued"
	}
	return fmt.Sprintf("unknown status: %v", status)
}
