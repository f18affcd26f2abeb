package engines

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/yee94/takopi/pkg/events"
)

const (
	// DefaultGracePeriod is how long a SIGTERMed child gets before
	// SIGKILL.
	DefaultGracePeriod = 2 * time.Second

	// DefaultStderrTail is how many trailing stderr lines are retained
	// for diagnostics.
	DefaultStderrTail = 20

	// maxLineBytes bounds a single JSONL line.
	maxLineBytes = 4 * 1024 * 1024
)

// JSONLRunner drives a Backend's CLI as a child process and turns its
// newline-delimited JSON output into the uniform event stream. It
// enforces the single-session invariants: exactly one Started reaches
// downstream, nothing follows Completed, and at most one process owns a
// resume token at a time.
type JSONLRunner struct {
	backend    Backend
	locks      *LockRegistry
	logger     *slog.Logger
	grace      time.Duration
	stderrTail int
}

// RunnerOption configures a JSONLRunner.
type RunnerOption func(*JSONLRunner)

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *JSONLRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithGracePeriod overrides the SIGTERM-to-SIGKILL window.
func WithGracePeriod(d time.Duration) RunnerOption {
	return func(r *JSONLRunner) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithStderrTail overrides how many stderr lines are kept.
func WithStderrTail(n int) RunnerOption {
	return func(r *JSONLRunner) {
		if n > 0 {
			r.stderrTail = n
		}
	}
}

// NewJSONLRunner creates a runner for the given backend. The lock
// registry is shared across runners so a token is owned by at most one
// process regardless of which runner spawned it.
func NewJSONLRunner(backend Backend, locks *LockRegistry, opts ...RunnerOption) *JSONLRunner {
	r := &JSONLRunner{
		backend:    backend,
		locks:      locks,
		logger:     slog.Default(),
		grace:      DefaultGracePeriod,
		stderrTail: DefaultStderrTail,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("engine", backend.Engine())
	return r
}

// Engine returns the backend's engine id.
func (r *JSONLRunner) Engine() string { return r.backend.Engine() }

// Codec returns the backend's resume codec.
func (r *JSONLRunner) Codec() events.ResumeCodec { return r.backend.Codec() }

// Run starts one invocation. Each call spawns a fresh process.
func (r *JSONLRunner) Run(ctx context.Context, req Request) *Stream {
	s := newStream()
	go r.run(ctx, req, s)
	return s
}

func (r *JSONLRunner) run(ctx context.Context, req Request, s *Stream) {
	engine := r.backend.Engine()

	// The session lock is held from acquisition until the process has
	// been reaped and the stream closed.
	var release func()
	defer func() {
		if release != nil {
			release()
		}
	}()

	if req.Resume != nil {
		rel, err := r.locks.Acquire(ctx, *req.Resume)
		if err != nil {
			s.finish(err)
			return
		}
		release = rel
	}

	spec, err := r.backend.BuildCommand(req)
	if err != nil {
		r.emitStartFailure(ctx, s, fmt.Sprintf("%s could not build command: %v", engine, err), req.Resume)
		return
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = req.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		r.emitStartFailure(ctx, s, fmt.Sprintf("%s failed to start: %v", engine, err), req.Resume)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.emitStartFailure(ctx, s, fmt.Sprintf("%s failed to start: %v", engine, err), req.Resume)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.emitStartFailure(ctx, s, fmt.Sprintf("%s failed to start: %v", engine, err), req.Resume)
		return
	}

	if err := cmd.Start(); err != nil {
		r.emitStartFailure(ctx, s, fmt.Sprintf("%s failed to start: %v", engine, err), req.Resume)
		return
	}
	r.logger.Debug("engine started", "pid", cmd.Process.Pid, "dir", req.Dir)

	// Write the payload and close stdin right away so engines that wait
	// for EOF proceed.
	if len(spec.Stdin) > 0 {
		if _, err := stdin.Write(spec.Stdin); err != nil {
			r.logger.Warn("stdin write failed", "error", err)
		}
	}
	_ = stdin.Close()

	ring := newLineRing(r.stderrTail)
	var drainWG sync.WaitGroup
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			ring.Add(sc.Text())
		}
		if err := sc.Err(); err != nil {
			ring.Add(fmt.Sprintf("(stderr truncated: %v)", err))
		}
		// The pipe must reach EOF even when the scanner gave up, or the
		// child blocks writing and Wait never returns.
		_, _ = io.Copy(io.Discard, stderr)
	}()

	// The watcher tears the child down on cancellation. Reaping itself
	// is shielded: the grace window runs on the wall clock, not on ctx.
	procDone := make(chan struct{})
	var watchWG sync.WaitGroup
	watchWG.Add(1)
	go func() {
		defer watchWG.Done()
		select {
		case <-ctx.Done():
			r.terminate(cmd, procDone)
		case <-procDone:
		}
	}()

	st := &ingest{engine: engine, expected: req.Resume}
	translator := r.backend.NewTranslator()

	var protoErr *ProtocolError
	interrupted := false

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		evs, err := st.Line(sc.Bytes(), translator)
		if err != nil {
			// Fatal protocol violation: stop translating, bring the
			// child down, keep draining the pipe until it exits.
			if pe, ok := err.(*ProtocolError); ok {
				protoErr = pe
			} else {
				protoErr = &ProtocolError{Engine: engine, Message: err.Error()}
			}
			st.aborted = true
			_ = signalGroup(cmd.Process, syscall.SIGTERM)
			continue
		}
		for _, ev := range evs {
			if started, ok := ev.(events.Started); ok && release == nil {
				rel, err := r.locks.Acquire(ctx, started.Resume)
				if err != nil {
					interrupted = true
					break
				}
				release = rel
			}
			if !r.emit(ctx, s, ev) {
				interrupted = true
				break
			}
		}
		if interrupted {
			st.aborted = true
		}
	}
	if scanErr := sc.Err(); scanErr != nil && protoErr == nil && !interrupted {
		// An unreadable stdout (an oversized line, usually) ends the run:
		// warn, bring the child down, and let the synthesis path below
		// emit the failing Completed.
		r.logger.Warn("stdout scan failed", "error", scanErr)
		if !st.completed {
			r.emit(ctx, s, events.WarningNote(engine, "stdout-scan",
				fmt.Sprintf("%s stdout unreadable: %v", engine, scanErr)))
		}
		st.aborted = true
		_ = signalGroup(cmd.Process, syscall.SIGTERM)
	}
	// Drain whatever the scanner left behind so the child reaches EOF.
	_, _ = io.Copy(io.Discard, stdout)

	drainWG.Wait()
	waitErr := cmd.Wait()
	close(procDone)
	watchWG.Wait()

	if st.firstDropped != "" {
		r.logger.Debug("dropped jsonl after terminal event", "line", st.firstDropped)
	}

	switch {
	case protoErr != nil:
		s.finish(protoErr)
	case (interrupted || ctx.Err() != nil) && !st.completed:
		s.finish(ctx.Err())
	case !st.completed:
		rc := exitCode(waitErr)
		if rc != 0 {
			r.processErrorEvents(ctx, s, st, rc, ring.Tail())
		} else {
			r.streamEndEvents(ctx, s, st)
		}
		s.finish(nil)
	default:
		s.finish(nil)
	}
}

// processErrorEvents reports a non-zero exit as a warning note plus a
// failing Completed. Last-resort fallback: it must never fail.
func (r *JSONLRunner) processErrorEvents(ctx context.Context, s *Stream, st *ingest, rc int, stderrTail string) {
	engine := r.backend.Engine()
	message := fmt.Sprintf("%s exited with code %d", engine, rc)
	if stderrTail != "" {
		message += "\n" + stderrTail
	}
	r.emit(ctx, s, events.WarningNote(engine, "process-exit", message))
	r.emit(ctx, s, events.Completed{
		Engine: engine,
		OK:     false,
		Error:  fmt.Sprintf("%s failed (rc=%d)", engine, rc),
		Resume: st.resume(),
	})
}

// streamEndEvents reports a clean exit that never produced a result
// event. Last-resort fallback: it must never fail.
func (r *JSONLRunner) streamEndEvents(ctx context.Context, s *Stream, st *ingest) {
	engine := r.backend.Engine()
	r.emit(ctx, s, events.Completed{
		Engine: engine,
		OK:     false,
		Error:  fmt.Sprintf("%s finished without a result event", engine),
		Resume: st.resume(),
	})
}

func (r *JSONLRunner) emitStartFailure(ctx context.Context, s *Stream, message string, resume *events.ResumeToken) {
	r.emit(ctx, s, events.WarningNote(r.backend.Engine(), "spawn", message))
	r.emit(ctx, s, events.Completed{
		Engine: r.backend.Engine(),
		OK:     false,
		Error:  message,
		Resume: resume,
	})
	s.finish(nil)
}

// emit delivers one event downstream, reporting false when the caller
// has gone away.
func (r *JSONLRunner) emit(ctx context.Context, s *Stream, ev events.Event) bool {
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// terminate sends SIGTERM to the child's group, waits out the grace
// window, then SIGKILLs. procDone closing means the child was reaped.
func (r *JSONLRunner) terminate(cmd *exec.Cmd, procDone <-chan struct{}) {
	if cmd.Process == nil {
		return
	}
	_ = signalGroup(cmd.Process, syscall.SIGTERM)
	select {
	case <-procDone:
	case <-time.After(r.grace):
		r.logger.Warn("grace period elapsed, killing engine", "pid", cmd.Process.Pid)
		_ = signalGroup(cmd.Process, syscall.SIGKILL)
	}
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if ee, ok := waitErr.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}
