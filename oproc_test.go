package procline

import (
	"syscall"
	"testing"
	"time"
)

func startTestOProc(t *testing.T, name string, opts *Options, args ...string) *OProc {
	t.Helper()
	path, err := LookPath(name)
	if err != nil {
		t.Fatalf("LookPath(%q): %v", name, err)
	}
	if opts == nil {
		opts = &Options{}
	}
	argv := append([]string{path}, args...)
	p, err := startOProc(path, argv, opts, nil)
	if err != nil {
		t.Fatalf("startOProc: %v", err)
	}
	return p
}

// TestOProcAliveThenReaped checks Alive() reports true while the child
// runs and false once Wait has reaped it.
func TestOProcAliveThenReaped(t *testing.T) {
	p := startTestOProc(t, "sh", nil, "-c", "sleep 0.1")
	if !p.Alive() {
		t.Fatal("Alive() = false immediately after start, want true")
	}
	code, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if p.Alive() {
		t.Error("Alive() = true after Wait, want false")
	}
}

// TestOProcAliveDetectsSelfExit checks Alive() catches a child that has
// already exited on its own, via its own non-blocking waitpid, without
// anyone having called Wait() yet.
func TestOProcAliveDetectsSelfExit(t *testing.T) {
	p := startTestOProc(t, "true", nil)
	deadline := time.Now().Add(2 * time.Second)
	for p.Alive() {
		if time.Now().After(deadline) {
			t.Fatal("Alive() kept reporting true long after the child should have exited")
		}
		time.Sleep(5 * time.Millisecond)
	}
	code, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

// TestOProcExitCodePropagates checks a nonzero normal exit decodes to the
// same positive code, per spec.md §6.
func TestOProcExitCodePropagates(t *testing.T) {
	p := startTestOProc(t, "sh", nil, "-c", "exit 17")
	code, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != 17 {
		t.Errorf("exit code = %d, want 17", code)
	}
}

// TestOProcKillEncodesNegativeSignal checks a process killed by signal
// decodes to -signum, per spec.md §6's combined exit/signal encoding.
func TestOProcKillEncodesNegativeSignal(t *testing.T) {
	p := startTestOProc(t, "sleep", nil, "5")
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	code, _ := p.Wait()
	if code != -int(syscall.SIGKILL) {
		t.Errorf("exit code = %d, want %d", code, -int(syscall.SIGKILL))
	}
}

// TestOProcStdoutCapture checks the default capture path fills
// StdoutBytes with the child's output.
func TestOProcStdoutCapture(t *testing.T) {
	p := startTestOProc(t, "echo", nil, "captured")
	if _, err := p.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := string(p.StdoutBytes()); got != "captured\n" {
		t.Errorf("StdoutBytes() = %q, want %q", got, "captured\n")
	}
}

// TestOProcTimeoutKillsChild checks the timeout timer actually delivers
// the configured signal before the wall clock would otherwise allow the
// child to exit on its own.
func TestOProcTimeoutKillsChild(t *testing.T) {
	start := time.Now()
	p := startTestOProc(t, "sleep", &Options{
		Timeout:       50 * time.Millisecond,
		TimeoutSignal: syscall.SIGKILL,
	}, "5")
	code, _ := p.Wait()
	elapsed := time.Since(start)
	if elapsed > 2*time.Second {
		t.Fatalf("took %v, want well under the 5s sleep duration", elapsed)
	}
	if !p.TimedOut() {
		t.Error("TimedOut() = false, want true")
	}
	if code != -int(syscall.SIGKILL) {
		t.Errorf("exit code = %d, want %d", code, -int(syscall.SIGKILL))
	}
}

// TestOProcForegroundSkipsCapture checks a Foreground child runs to
// completion wired straight to the parent's own stdio, with none of the
// pty/capture machinery engaged (StdoutBytes stays empty even though the
// child writes to its real stdout).
func TestOProcForegroundSkipsCapture(t *testing.T) {
	p := startTestOProc(t, "sh", &Options{Foreground: true}, "-c", "echo hi; exit 0")
	code, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	if got := p.StdoutBytes(); got != nil {
		t.Errorf("StdoutBytes() = %q, want nil: fg must not capture", got)
	}
}

// TestOProcForegroundPropagatesSignalExit checks a foreground child killed
// by signal still decodes to -signum, same as the non-fg path.
func TestOProcForegroundPropagatesSignalExit(t *testing.T) {
	p := startTestOProc(t, "sleep", &Options{Foreground: true}, "5")
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	code, _ := p.Wait()
	if code != -int(syscall.SIGKILL) {
		t.Errorf("exit code = %d, want %d", code, -int(syscall.SIGKILL))
	}
}

// TestOProcDoneCallback checks a registered done callback runs exactly
// once, inside Wait, with the right success flag.
func TestOProcDoneCallback(t *testing.T) {
	p := startTestOProc(t, "false", nil)
	var calls int
	var gotSuccess bool
	p.AddDoneCallback(func(success bool, exitCode int) {
		calls++
		gotSuccess = success
	})
	if _, err := p.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("done callback ran %d times, want 1", calls)
	}
	if gotSuccess {
		t.Error("success = true for a `false` exit, want false")
	}
}
