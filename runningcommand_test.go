package procline

import (
	"strings"
	"syscall"
	"testing"
	"time"
)

// TestCommandEchoCapturesStdout runs a trivial command and checks its
// stdout is captured and decoded.
func TestCommandEchoCapturesStdout(t *testing.T) {
	rc, err := Command("echo", nil, "hello", "procline")
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if got := strings.TrimRight(rc.Stdout(), "\n"); got != "hello procline" {
		t.Errorf("Stdout() = %q, want %q", got, "hello procline")
	}
}

// TestCommandFalseReturnsExitError checks a nonzero exit is surfaced as
// *ExitError from the blocking Command() call, per spec.md §7.
func TestCommandFalseReturnsExitError(t *testing.T) {
	_, err := Command("false", nil)
	if err == nil {
		t.Fatal("want non-nil error from `false`")
	}
	if _, ok := err.(*ExitError); !ok {
		t.Errorf("error type = %T, want *ExitError", err)
	}
}

// TestCommandOkCodeAcceptsNonZero checks a custom OkCode set silences the
// fault for the exit codes it names, per spec.md §3's "ok_code" option.
func TestCommandOkCodeAcceptsNonZero(t *testing.T) {
	rc, err := Command("sh", &Options{OkCode: []int{7}}, "-c", "exit 7")
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	code, waitErr := rc.Wait()
	if waitErr != nil {
		t.Errorf("Wait() error = %v, want nil", waitErr)
	}
	if code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
}

// TestCommandBytesInputRoundTrips feeds fixed bytes as stdin through cat
// and checks they come back unchanged on stdout.
func TestCommandBytesInputRoundTrips(t *testing.T) {
	rc, err := Command("cat", &Options{In: BytesInput("round trip me")})
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if got := rc.Stdout(); got != "round trip me" {
		t.Errorf("Stdout() = %q, want %q", got, "round trip me")
	}
}

// TestCommandTrUppercases pipes bytes through tr to check stdin/stdout
// wiring end to end against a real text-transforming utility.
func TestCommandTrUppercases(t *testing.T) {
	rc, err := Command("tr", &Options{In: BytesInput("abcXYZ")}, "a-z", "A-Z")
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if got := rc.Stdout(); got != "ABCXYZ" {
		t.Errorf("Stdout() = %q, want %q", got, "ABCXYZ")
	}
}

// TestCommandBackgroundWaitsExplicitly checks Background defers blocking
// to an explicit Wait call.
func TestCommandBackgroundWaitsExplicitly(t *testing.T) {
	rc, err := Command("sh", &Options{Background: true}, "-c", "sleep 0.05; exit 0")
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	code, err := rc.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

// TestCommandTimeoutRaisesTimeoutFault checks wall-clock enforcement kills
// a long-running child and Wait reports *TimeoutError, per spec.md §3's
// "timeout"/"timeout_signal" options.
func TestCommandTimeoutRaisesTimeoutFault(t *testing.T) {
	rc, err := Command("sleep", &Options{
		Background: true,
		Timeout:    50 * time.Millisecond,
	}, "3")
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	_, waitErr := rc.Wait()
	if waitErr == nil {
		t.Fatal("want a timeout fault, got nil error")
	}
	te, ok := waitErr.(*TimeoutError)
	if !ok {
		t.Fatalf("error type = %T, want *TimeoutError", waitErr)
	}
	if te.Signal != syscall.SIGKILL {
		t.Errorf("TimeoutError.Signal = %v, want SIGKILL (default)", te.Signal)
	}
}

// TestCommandTimeoutSignalOverride checks a custom TimeoutSignal is what
// actually gets delivered and reported.
func TestCommandTimeoutSignalOverride(t *testing.T) {
	rc, err := Command("sleep", &Options{
		Background:    true,
		Timeout:       50 * time.Millisecond,
		TimeoutSignal: syscall.SIGTERM,
	}, "3")
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	_, waitErr := rc.Wait()
	te, ok := waitErr.(*TimeoutError)
	if !ok {
		t.Fatalf("error type = %T, want *TimeoutError", waitErr)
	}
	if te.Signal != syscall.SIGTERM {
		t.Errorf("TimeoutError.Signal = %v, want SIGTERM", te.Signal)
	}
}

// TestCommandWaitIsIdempotent checks a second Wait call replays the first
// call's result rather than blocking or re-reaping.
func TestCommandWaitIsIdempotent(t *testing.T) {
	rc, err := Command("true", nil)
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	code1, err1 := rc.Wait()
	code2, err2 := rc.Wait()
	if code1 != code2 || err1 != err2 {
		t.Errorf("Wait() not idempotent: (%d,%v) vs (%d,%v)", code1, err1, code2, err2)
	}
}

// TestCommandIntCoercion checks the numeric projection parses trimmed
// stdout, per spec.md §4.5's "int(handle)" rule.
func TestCommandIntCoercion(t *testing.T) {
	rc, err := Command("echo", nil, "42")
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	n, err := rc.Int()
	if err != nil {
		t.Fatalf("Int() error = %v", err)
	}
	if n != 42 {
		t.Errorf("Int() = %d, want 42", n)
	}
}

// TestCommandDoneCallbackFires checks Options.Done runs once, after reap,
// with the right success/exitCode values.
func TestCommandDoneCallbackFires(t *testing.T) {
	var called bool
	var gotSuccess bool
	var gotCode int
	opts := &Options{}
	opts.Done = func(rc *RunningCommand, success bool, exitCode int) {
		called = true
		gotSuccess = success
		gotCode = exitCode
	}
	_, err := Command("true", opts)
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}
	if !called {
		t.Fatal("Done callback never fired")
	}
	if !gotSuccess || gotCode != 0 {
		t.Errorf("Done(success=%v, code=%d), want (true, 0)", gotSuccess, gotCode)
	}
}

// TestBuilderPushPrefix checks a builder's prefix is prepended to every
// command it runs, per spec.md §9's context-manager Design Note.
func TestBuilderPushPrefix(t *testing.T) {
	b := NewBuilder()
	pop := b.PushPrefix("-n")
	rc, err := b.Run(mustLookPath(t, "echo"), []string{"no newline"}, nil)
	pop()
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rc.Stdout() != "no newline" {
		t.Errorf("Stdout() = %q, want %q (no trailing newline)", rc.Stdout(), "no newline")
	}
}

// TestCommandIterStdoutYieldsChunks checks Options.Iter drains the same
// bytes that StdoutBytes would have captured, in order.
func TestCommandIterStdoutYieldsChunks(t *testing.T) {
	rc, err := defaultBuilder.Run(mustLookPath(t, "printf"), []string{"%s", "a", "b", "c"}, &Options{
		Iter:       IterStdout,
		Background: true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	var got []byte
	for chunk := range rc.Iter() {
		got = append(got, chunk...)
	}
	if _, err := rc.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if string(got) != "abc" {
		t.Errorf("iterated bytes = %q, want %q", got, "abc")
	}
}

// TestCommandIterNoBlockYieldsWouldBlock checks Options.IterNoBlock
// delivers the WouldBlock sentinel instead of stalling the consumer while
// the child has produced no data yet, then still delivers the real chunk
// once the child writes and exits, per spec.md §4.5's iter_noblock.
func TestCommandIterNoBlockYieldsWouldBlock(t *testing.T) {
	rc, err := defaultBuilder.Run(mustLookPath(t, "sh"), []string{"-c", "sleep 0.2; echo late"}, &Options{
		Iter:        IterStdout,
		IterNoBlock: true,
		Background:  true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	sawWouldBlock := false
	var got []byte
	for chunk := range rc.Iter() {
		if len(chunk) == 0 {
			sawWouldBlock = true
			continue
		}
		got = append(got, chunk...)
	}
	if _, err := rc.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !sawWouldBlock {
		t.Error("never saw a WouldBlock token before the child's real output")
	}
	if string(got) != "late\n" {
		t.Errorf("iterated bytes = %q, want %q", got, "late\n")
	}
}

func mustLookPath(t *testing.T, name string) string {
	t.Helper()
	path, err := LookPath(name)
	if err != nil {
		t.Fatalf("LookPath(%q): %v", name, err)
	}
	return path
}
