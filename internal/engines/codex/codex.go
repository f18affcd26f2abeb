// Package codex adapts the Codex CLI ("codex exec --json") to the
// bridge's runner contract.
package codex

import (
	"github.com/yee94/takopi/internal/engines"
	"github.com/yee94/takopi/pkg/events"
)

// EngineID is the stable engine id for Codex.
const EngineID = "codex"

const defaultBinary = "codex"

// Backend builds codex command lines and translates its JSONL stream.
type Backend struct {
	binary    string
	extraArgs []string
}

var _ engines.Backend = (*Backend)(nil)

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithBinary overrides the codex binary path. Empty values are ignored.
func WithBinary(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.binary = path
		}
	}
}

// WithExtraArgs appends arguments to every invocation, before the
// prompt.
func WithExtraArgs(args ...string) Option {
	return func(b *Backend) {
		b.extraArgs = append(b.extraArgs, args...)
	}
}

// New creates a codex backend.
func New(opts ...Option) *Backend {
	b := &Backend{binary: defaultBinary}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Engine returns the codex engine id.
func (b *Backend) Engine() string { return EngineID }

// Codec returns the codec for "`codex resume <id>`" lines.
func (b *Backend) Codec() events.ResumeCodec {
	return events.NewResumeCodec(EngineID, "resume")
}

// BuildCommand builds "codex exec [resume <id>] --json -- <prompt>".
// The prompt is a positional argument; nothing is piped to stdin.
func (b *Backend) BuildCommand(req engines.Request) (engines.Command, error) {
	args := []string{"exec"}
	if req.Resume != nil {
		args = append(args, "resume", req.Resume.Value)
	}
	args = append(args, "--json")
	args = append(args, b.extraArgs...)
	args = append(args, "--", req.Prompt)
	return engines.Command{Path: b.binary, Args: args}, nil
}

// NewTranslator returns a fresh per-run translator.
func (b *Backend) NewTranslator() engines.Translator {
	return &translator{}
}
