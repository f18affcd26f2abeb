// Package claude adapts the Claude Code CLI ("claude -p --output-format
// stream-json") to the bridge's runner contract.
package claude

import (
	"os"
	"strings"

	"github.com/yee94/takopi/internal/engines"
	"github.com/yee94/takopi/pkg/events"
)

// EngineID is the stable engine id for Claude Code.
const EngineID = "claude"

const defaultBinary = "claude"

// Backend builds claude command lines and translates its stream-json
// output.
type Backend struct {
	binary    string
	extraArgs []string
	scrubEnv  []string
}

var _ engines.Backend = (*Backend)(nil)

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithBinary overrides the claude binary path. Empty values are ignored.
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

// WithScrubEnv removes the named variables from the child environment.
// Subscription users set this for ANTHROPIC_API_KEY so the CLI does not
// bill the key's account instead of the subscription.
func WithScrubEnv(names ...string) Option {
	return func(b *Backend) {
		b.scrubEnv = append(b.scrubEnv, names...)
	}
}

// New creates a claude backend.
func New(opts ...Option) *Backend {
	b := &Backend{binary: defaultBinary}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Engine returns the claude engine id.
func (b *Backend) Engine() string { return EngineID }

// Codec returns the codec for "`claude --resume <id>`" lines.
func (b *Backend) Codec() events.ResumeCodec {
	return events.NewResumeCodec(EngineID, "--resume")
}

// BuildCommand builds the claude invocation. The prompt is piped to
// stdin; the arguments never carry it.
func (b *Backend) BuildCommand(req engines.Request) (engines.Command, error) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if req.Resume != nil {
		args = append(args, "--resume", req.Resume.Value)
	}
	args = append(args, b.extraArgs...)
	return engines.Command{
		Path:  b.binary,
		Args:  args,
		Env:   b.childEnv(),
		Stdin: []byte(req.Prompt),
	}, nil
}

// NewTranslator returns a fresh per-run translator.
func (b *Backend) NewTranslator() engines.Translator {
	return &translator{}
}

// childEnv returns the scrubbed child environment, or nil to inherit
// when nothing is scrubbed.
func (b *Backend) childEnv() []string {
	if len(b.scrubEnv) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(b.scrubEnv))
	for _, name := range b.scrubEnv {
		drop[name] = struct{}{}
	}
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if _, skip := drop[name]; skip {
			continue
		}
		env = append(env, kv)
	}
	return env
}
