package procline

import (
	"testing"
)

// TestPipeTwoStagesUppercases checks a two-stage pipeline (echo | tr)
// produces the same bytes a shell pipeline would, exercising the
// pipe-queue composition path end to end.
func TestPipeTwoStagesUppercases(t *testing.T) {
	rc, err := Pipe(nil, []PipelineStage{
		{Path: mustLookPath(t, "echo"), Args: []string{"hello pipeline"}},
		{Path: mustLookPath(t, "tr"), Args: []string{"a-z", "A-Z"}},
	})
	if err != nil {
		t.Fatalf("Pipe() error = %v", err)
	}
	code, waitErr := rc.Wait()
	if waitErr != nil {
		t.Fatalf("Wait() error = %v", waitErr)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
	want := "HELLO PIPELINE\n"
	if got := rc.Stdout(); got != want {
		t.Errorf("Stdout() = %q, want %q", got, want)
	}
}

// TestPipeThreeStages checks a longer chain (printf | tr | cat) still
// assembles byte-for-byte, per spec.md §8's pipeline-equivalence property.
func TestPipeThreeStages(t *testing.T) {
	rc, err := Pipe(nil, []PipelineStage{
		{Path: mustLookPath(t, "printf"), Args: []string{"a b c"}},
		{Path: mustLookPath(t, "tr"), Args: []string{" ", "\n"}},
		{Path: mustLookPath(t, "cat"), Args: nil},
	})
	if err != nil {
		t.Fatalf("Pipe() error = %v", err)
	}
	if _, waitErr := rc.Wait(); waitErr != nil {
		t.Fatalf("Wait() error = %v", waitErr)
	}
	want := "a\nb\nc"
	if got := rc.Stdout(); got != want {
		t.Errorf("Stdout() = %q, want %q", got, want)
	}
}

// TestPipeTerminalFaultWins checks that when only the terminal stage
// fails, the pipeline's fault is that stage's, per spec.md §4.6's
// precedence rule. Every stage is forced Background during construction
// so none reaps before the others (spec.md §4.6's reap ordering); Pipe
// itself then waits on the whole chain left to right and surfaces the
// terminal stage's fault, mirroring a single command's blocking Run.
func TestPipeTerminalFaultWins(t *testing.T) {
	rc, err := Pipe(nil, []PipelineStage{
		{Path: mustLookPath(t, "echo"), Args: []string{"ok"}},
		{Path: mustLookPath(t, "sh"), Args: []string{"-c", "cat >/dev/null; exit 3"}},
	})
	if err == nil {
		t.Fatal("want a fault from the failing terminal stage")
	}
	ee, ok := err.(*ExitError)
	if !ok {
		t.Fatalf("error type = %T, want *ExitError", err)
	}
	if ee.ExitCode() != 3 {
		t.Errorf("ExitCode() = %d, want 3", ee.ExitCode())
	}
	if rc == nil {
		t.Fatal("want a non-nil handle even when the terminal stage already faulted")
	}
	if _, waitErr := rc.Wait(); waitErr == nil {
		t.Error("a later Wait() should still replay the same fault")
	}
}

// TestPipeRejectsForegroundNonFirstStage checks fg is rejected on any
// stage beyond the first, per spec.md §4.6.
func TestPipeRejectsForegroundNonFirstStage(t *testing.T) {
	_, err := Pipe(nil, []PipelineStage{
		{Path: mustLookPath(t, "echo"), Args: []string{"x"}},
		{Path: mustLookPath(t, "cat"), Opts: &Options{Foreground: true}},
	})
	if err == nil {
		t.Fatal("want a UsageError for fg on a non-first stage")
	}
	if _, ok := err.(*UsageError); !ok {
		t.Errorf("error type = %T, want *UsageError", err)
	}
}

// TestPipeRejectsEmpty checks Pipe with no stages is rejected up front.
func TestPipeRejectsEmpty(t *testing.T) {
	_, err := Pipe(nil, nil)
	if err == nil {
		t.Fatal("want a UsageError for an empty pipeline")
	}
}

