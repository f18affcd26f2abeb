// Package scheduler serializes engine work per resume token. All jobs
// sharing a token form one logical thread: they run in enqueue order,
// never overlap, and follow-ups queued behind a busy session wait for
// its done-event before starting. Queued jobs can be withdrawn until
// the moment a worker picks them up.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yee94/takopi/internal/transport"
	"github.com/yee94/takopi/pkg/events"
)

// Job is one unit of engine work bound to a thread.
type Job struct {
	ID       string
	Token    events.ResumeToken
	Prompt   string
	Incoming transport.Incoming

	// Engine is the id of the runner serving the job.
	Engine string

	// Resume is the session to continue; nil starts a fresh one. For
	// fresh runs Token is a synthetic placeholder until the engine
	// reveals its session.
	Resume *events.ResumeToken

	// Dir is the working directory the engine runs in.
	Dir string

	// Progress references the placeholder message shown while the job
	// waits; /cancel replies target it.
	Progress transport.MessageRef

	Enqueued time.Time
}

// RunFunc executes one job. It is injected by the message-handling
// layer; panics are contained by the worker.
type RunFunc func(job *Job)

// Scheduler owns the per-thread FIFO queues.
type Scheduler struct {
	mu        sync.Mutex
	pending   map[string][]*Job
	queued    map[transport.MessageRef]*Job
	active    map[string]struct{}
	busyUntil map[string]<-chan struct{}

	run    RunFunc
	logger *slog.Logger
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a scheduler that executes jobs with run.
func New(run RunFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		pending:   make(map[string][]*Job),
		queued:    make(map[transport.MessageRef]*Job),
		active:    make(map[string]struct{}),
		busyUntil: make(map[string]<-chan struct{}),
		run:       run,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue appends the job to its thread's queue and starts a worker for
// the thread if none is running.
func (s *Scheduler) Enqueue(job *Job) {
	key := job.Token.ThreadKey()

	s.mu.Lock()
	s.pending[key] = append(s.pending[key], job)
	if !job.Progress.IsZero() {
		s.queued[job.Progress] = job
	}
	_, running := s.active[key]
	if !running {
		s.active[key] = struct{}{}
		s.wg.Add(1)
		go s.worker(key)
	}
	s.mu.Unlock()

	s.logger.Debug("job enqueued", "thread", key, "job", job.ID, "worker_started", !running)
}

// EnqueueResume builds and enqueues a follow-up job for the token.
func (s *Scheduler) EnqueueResume(token events.ResumeToken, prompt string, incoming transport.Incoming, progress transport.MessageRef) *Job {
	job := &Job{
		ID:       uuid.NewString(),
		Token:    token,
		Prompt:   prompt,
		Incoming: incoming,
		Engine:   token.Engine,
		Resume:   &token,
		Progress: progress,
		Enqueued: time.Now(),
	}
	s.Enqueue(job)
	return job
}

// NoteThreadKnown records that the thread's session is busy until done
// fires. The message handler calls this the instant a runner reveals
// its session id, so follow-ups queued on the token wait their turn.
func (s *Scheduler) NoteThreadKnown(token events.ResumeToken, done <-chan struct{}) {
	key := token.ThreadKey()

	s.mu.Lock()
	s.busyUntil[key] = done
	s.mu.Unlock()

	go func() {
		<-done
		s.mu.Lock()
		if s.busyUntil[key] == done {
			delete(s.busyUntil, key)
		}
		s.mu.Unlock()
	}()
}

// CancelQueued atomically removes and returns the still-queued job
// registered under the progress message, or nil when the job already
// started (or never existed). The caller renders the cancelled state;
// no process was ever spawned for the job.
func (s *Scheduler) CancelQueued(progress transport.MessageRef) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.queued[progress]
	if !ok {
		return nil
	}
	delete(s.queued, progress)

	key := job.Token.ThreadKey()
	queue := s.pending[key]
	for i, queued := range queue {
		if queued == job {
			s.pending[key] = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	return job
}

// QueueDepth reports how many jobs wait on the token's thread.
func (s *Scheduler) QueueDepth(token events.ResumeToken) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[token.ThreadKey()])
}

// Wait blocks until every worker has drained. Call after the update
// loop stopped enqueuing.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) worker(key string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		queue := s.pending[key]
		if len(queue) == 0 {
			delete(s.pending, key)
			delete(s.active, key)
			s.mu.Unlock()
			return
		}
		job := queue[0]
		s.pending[key] = queue[1:]
		if !job.Progress.IsZero() {
			delete(s.queued, job.Progress)
		}
		busy := s.busyUntil[key]
		s.mu.Unlock()

		// Ordering gate: the previous run on this thread must signal
		// done before the next job starts. Waited outside the lock.
		if busy != nil {
			<-busy
		}

		s.runJob(job)
	}
}

func (s *Scheduler) runJob(job *Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "thread", job.Token.ThreadKey(), "job", job.ID, "panic", r)
		}
	}()
	s.run(job)
}
