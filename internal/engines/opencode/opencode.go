// Package opencode adapts the OpenCode CLI ("opencode run --format
// json") to the bridge's runner contract.
package opencode

import (
	"github.com/yee94/takopi/internal/engines"
	"github.com/yee94/takopi/pkg/events"
)

// EngineID is the stable engine id for OpenCode.
const EngineID = "opencode"

const defaultBinary = "opencode"

// Backend builds opencode command lines and translates its JSON stream.
type Backend struct {
	binary    string
	extraArgs []string
}

var _ engines.Backend = (*Backend)(nil)

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithBinary overrides the opencode binary path. Empty values are
// ignored.
func WithBinary(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.binary = path
		}
	}
}

// WithExtraArgs appends arguments to every invocation.
func WithExtraArgs(args ...string) Option {
	return func(b *Backend) {
		b.extraArgs = append(b.extraArgs, args...)
	}
}

// New creates an opencode backend.
func New(opts ...Option) *Backend {
	b := &Backend{binary: defaultBinary}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Engine returns the opencode engine id.
func (b *Backend) Engine() string { return EngineID }

// Codec returns the codec for "`opencode --session <id>`" lines.
func (b *Backend) Codec() events.ResumeCodec {
	return events.NewResumeCodec(EngineID, "--session")
}

// BuildCommand builds "opencode run --format json [--session <id>]
// <prompt>". The prompt is a positional argument.
func (b *Backend) BuildCommand(req engines.Request) (engines.Command, error) {
	args := []string{"run", "--print-logs", "--format", "json"}
	if req.Resume != nil {
		args = append(args, "--session", req.Resume.Value)
	}
	args = append(args, b.extraArgs...)
	args = append(args, req.Prompt)
	return engines.Command{Path: b.binary, Args: args}, nil
}

// NewTranslator returns a fresh per-run translator.
func (b *Backend) NewTranslator() engines.Translator {
	return &translator{}
}
