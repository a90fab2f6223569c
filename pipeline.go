package procline

import (
	"syscall"
)

// PipelineStage describes one P1 | P2 | ... | Pn stage before it is
// started, per spec.md §4.6.
type PipelineStage struct {
	Path string
	Args []string
	Opts *Options
}

// Pipeline is a multi-stage chain of OProcs wired upstream-stdout (or
// stderr) to downstream-stdin through in-process pipe-queues, per
// spec.md §4.6. Composition always goes through a stage's pipe-queue
// (queue.go), never a raw OS pipe shared directly between two children,
// since every stage already needs per-chunk capture/tee/iter bookkeeping
// that only the queue path provides. One consequence: a downstream write
// never observes a raw-pipe EPIPE from an upstream exiting early —
// SPEC_FULL.md §9(b)'s EPIPE policy is enforced purely by streamWriter
// treating an EPIPE write error as a clean completion, with no OS-pipe
// corollary to additionally mask.
type Pipeline struct {
	stages []*RunningCommand
}

// Pipe starts every stage of a pipeline, wiring each stage's chosen
// output (Opts.Piped, defaulting to PipeOut) into the next stage's stdin.
// fg is rejected on any stage beyond the first per spec.md §4.6's "fg is
// incompatible with pipelines containing more than one stage."
func Pipe(b *RunningCommandBuilder, stages []PipelineStage) (*RunningCommand, error) {
	if len(stages) == 0 {
		return nil, &UsageError{Msg: "pipeline requires at least one stage"}
	}
	if b == nil {
		b = defaultBuilder
	}
	for i, st := range stages {
		if i > 0 && st.Opts != nil && st.Opts.Foreground {
			return nil, &UsageError{Msg: "fg is incompatible with pipelines of more than one stage"}
		}
	}

	// The pipeline-level Background intent comes from the terminal
	// stage's own Opts, before we force every stage (including it)
	// Background below so none of them reaps early. Reaping early would
	// let the terminal stage's done-callback fire during this
	// construction loop, strictly before any upstream's — violating
	// spec.md §4.6/§5's left-to-right reap/callback ordering.
	wantBackground := false
	if last := stages[len(stages)-1].Opts; last != nil {
		wantBackground = last.Background
	}

	rcs := make([]*RunningCommand, 0, len(stages))
	for i, st := range stages {
		opts := st.Opts
		if opts == nil {
			opts = &Options{}
		}
		if i < len(stages)-1 && opts.Piped == PipeNone {
			opts.Piped = PipeOut
		}
		opts.Background = true
		if i > 0 {
			upstream := rcs[i-1]
			q := upstream.outputQueue()
			opts.In = queueInputFromPipeQueue(q)
		}

		rc, err := b.Run(st.Path, st.Args, opts)
		if rc == nil {
			// A stage failed to even fork/exec: tear down what we
			// already started and surface the failure immediately.
			for _, started := range rcs {
				started.Kill()
				started.Wait()
			}
			return nil, err
		}
		rcs = append(rcs, rc)
	}

	terminal := rcs[len(rcs)-1]
	pl := &Pipeline{stages: rcs}
	handle := &RunningCommand{
		Args:     terminal.Args,
		opts:     terminal.opts,
		proc:     terminal.proc,
		pipeline: pl,
	}
	handle.opts.Background = wantBackground

	if wantBackground {
		return handle, nil
	}

	_, err := pl.wait()
	return handle, err
}

// queueInputFromPipeQueue adapts a pipeQueue into the QueueInput shape a
// streamWriter already knows how to drain, bridging the pipe-queue's
// closed-channel EOF convention into a plain channel the writer reads.
func queueInputFromPipeQueue(q *pipeQueue) QueueInput {
	if q == nil {
		ch := make(chan []byte)
		close(ch)
		return QueueInput(ch)
	}
	return QueueInput(q.ch)
}

func (p *Pipeline) lastStage() *OProc {
	return p.stages[len(p.stages)-1].proc
}

// wait blocks on every stage in left-to-right order — each stage's own
// process and io goroutines already run independently of when we observe
// their completion, so waiting in order costs nothing and is what lets
// each stage's own RunningCommand.Wait fire its Options.Done callback in
// the left-to-right order spec.md §5 requires, with no separate
// bookkeeping needed here. Fault precedence then follows spec.md §4.6/
// §7: TimeoutFault anywhere wins; otherwise the terminal stage's own
// fault wins; otherwise the first upstream fault (left to right) wins.
func (p *Pipeline) wait() (int, error) {
	codes := make([]int, len(p.stages))
	errs := make([]error, len(p.stages))
	for i, stage := range p.stages {
		codes[i], errs[i] = stage.Wait()
	}

	for _, err := range errs {
		if _, ok := err.(*TimeoutError); ok {
			return codes[len(codes)-1], err
		}
	}
	if last := len(errs) - 1; errs[last] != nil {
		return codes[last], errs[last]
	}
	for i := 0; i < len(errs)-1; i++ {
		if errs[i] != nil {
			return codes[len(codes)-1], errs[i]
		}
	}
	return codes[len(codes)-1], nil
}

func (p *Pipeline) stdoutBytes() []byte {
	return p.stages[len(p.stages)-1].StdoutBytes()
}

func (p *Pipeline) stderrBytes() []byte {
	return p.stages[len(p.stages)-1].StderrBytes()
}

func (p *Pipeline) terminate() error {
	var firstErr error
	for _, s := range p.stages {
		if err := s.proc.Terminate(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pipeline) kill() error {
	var firstErr error
	for _, s := range p.stages {
		if err := s.proc.Kill(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pipeline) sendSignal(sig syscall.Signal) error {
	var firstErr error
	for _, s := range p.stages {
		if err := s.proc.SendSignal(sig); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
