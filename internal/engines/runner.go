// Package engines contains the runtime that drives a coding-agent CLI
// as a child process: command construction, JSONL stream ingestion,
// session coalescing, and per-session locking. Engine-specific
// vocabulary lives in the subpackages (codex, claude, opencode); the
// shared runner here guarantees the event-stream invariants every
// downstream layer relies on.
package engines

import (
	"context"
	"fmt"

	"github.com/yee94/takopi/pkg/events"
)

// Request describes one engine invocation.
type Request struct {
	// Prompt is the user's message body.
	Prompt string

	// Resume selects the session to continue, or nil for a fresh one.
	Resume *events.ResumeToken

	// Dir is the working directory for the child process.
	Dir string
}

// Runner runs an engine once per call. Every call spawns a fresh
// process; the returned stream is finite and, unless a protocol error
// aborts the run, ends with exactly one Completed event.
type Runner interface {
	// Engine returns the stable engine id.
	Engine() string

	// Codec formats and recognizes this engine's resume line.
	Codec() events.ResumeCodec

	// Run starts the engine. The stream's event channel closes when the
	// process has been reaped; Err reports a ProtocolError or context
	// cancellation after that.
	Run(ctx context.Context, req Request) *Stream
}

// Stream is the live event sequence of one invocation.
type Stream struct {
	ch   chan events.Event
	done chan struct{}
	err  error
}

func newStream() *Stream {
	return &Stream{
		ch:   make(chan events.Event),
		done: make(chan struct{}),
	}
}

// Events returns the event channel. It is closed once the run is over.
func (s *Stream) Events() <-chan events.Event { return s.ch }

// Err blocks until the run is over and returns the terminal error:
// nil for a normal run, a *ProtocolError for session violations, or
// the context error when the run was cancelled.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// finish closes the stream exactly once with the given terminal error.
func (s *Stream) finish(err error) {
	s.err = err
	close(s.ch)
	close(s.done)
}

// ProtocolError is a fatal per-run violation of the engine's session
// contract: a different session id than expected, or a session for the
// wrong engine. The handler converts it into a failing Completed.
type ProtocolError struct {
	Engine  string
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

func wrongEngineSession(engine, got string) *ProtocolError {
	return &ProtocolError{
		Engine:  engine,
		Message: fmt.Sprintf("%s emitted a session for engine %s", engine, got),
	}
}

func unexpectedSession(engine, got, want string) *ProtocolError {
	return &ProtocolError{
		Engine:  engine,
		Message: fmt.Sprintf("%s emitted session id %s but expected %s", engine, got, want),
	}
}

// Command is the fully resolved child-process invocation for one run.
type Command struct {
	// Path is the binary to execute.
	Path string

	// Args are the arguments, excluding the binary name.
	Args []string

	// Env is the complete child environment, or nil to inherit the
	// parent's. Backends that scrub variables build this explicitly.
	Env []string

	// Stdin is piped to the child and the pipe closed immediately
	// afterwards. Nil means the pipe is closed without writing. A
	// backend passes the prompt either here or in Args, never both.
	Stdin []byte
}

// Translator maps one decoded JSONL object to zero or more events. A
// fresh translator is created per run; it may carry per-run state such
// as accumulated answer text.
type Translator interface {
	Translate(raw map[string]any) ([]events.Event, error)
}

// Backend supplies the engine-specific half of a runner: the command
// line and the JSONL vocabulary.
type Backend interface {
	Engine() string
	Codec() events.ResumeCodec
	BuildCommand(req Request) (Command, error)
	NewTranslator() Translator
}
