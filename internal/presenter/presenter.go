// Package presenter turns progress state into chat-ready messages. The
// markdown presenter is the only implementation today; it targets
// Telegram-flavoured markdown but keeps the output plain enough for
// any transport.
package presenter

import (
	"fmt"
	"strings"

	"github.com/yee94/takopi/internal/progress"
	"github.com/yee94/takopi/internal/transport"
	"github.com/yee94/takopi/pkg/events"
)

// Status is the final outcome shown to the user.
type Status string

const (
	StatusDone  Status = "done"
	StatusError Status = "error"
)

// AnswerPolicy decides how a failed run that still produced an answer
// is labelled.
type AnswerPolicy string

const (
	// PolicyErrorStatus shows status error even when an answer exists.
	PolicyErrorStatus AnswerPolicy = "error_status"
	// PolicyAppendError shows status done and appends the error text
	// below the answer.
	PolicyAppendError AnswerPolicy = "append_error"
)

// Presenter renders progress and final messages.
type Presenter interface {
	RenderProgress(state progress.State, elapsedSeconds float64, label string) transport.RenderedMessage
	RenderFinal(state progress.State, elapsedSeconds float64, status Status, answer string) transport.RenderedMessage
}

const (
	maxVisibleActions = 6
	maxTextTail       = 1000
	maxMessageRunes   = 3800
)

// Markdown renders compact markdown progress cards.
type Markdown struct {
	codecs map[string]events.ResumeCodec
	policy AnswerPolicy
}

// Option configures the markdown presenter.
type Option func(*Markdown)

// WithAnswerPolicy overrides how failed-but-answered runs render.
func WithAnswerPolicy(policy AnswerPolicy) Option {
	return func(m *Markdown) {
		if policy != "" {
			m.policy = policy
		}
	}
}

// NewMarkdown creates a presenter. codecs maps engine id to its resume
// codec so final messages can quote a resumable session line.
func NewMarkdown(codecs map[string]events.ResumeCodec, opts ...Option) *Markdown {
	m := &Markdown{
		codecs: codecs,
		policy: PolicyErrorStatus,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StatusFor applies the answer policy to a completed run. An empty
// answer always renders as error, even for ok runs.
func (m *Markdown) StatusFor(c events.Completed) Status {
	if c.Answer == "" {
		return StatusError
	}
	if c.OK {
		return StatusDone
	}
	if m.policy == PolicyAppendError {
		return StatusDone
	}
	return StatusError
}

// RenderProgress builds the live progress card.
func (m *Markdown) RenderProgress(state progress.State, elapsedSeconds float64, label string) transport.RenderedMessage {
	if label == "" {
		label = "working"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* · %s · %s", labelGlyph(label), state.Engine, label, formatElapsed(elapsedSeconds))

	if lines := actionLines(state.Actions); len(lines) > 0 {
		b.WriteString("\n\n")
		b.WriteString(strings.Join(lines, "\n"))
	}

	if text := strings.TrimSpace(state.Text); text != "" {
		b.WriteString("\n\n")
		b.WriteString(tailRunes(text, maxTextTail))
	}

	return message(b.String())
}

// RenderFinal builds the terminal message with the answer and, when
// known, the backticked resume line.
func (m *Markdown) RenderFinal(state progress.State, elapsedSeconds float64, status Status, answer string) transport.RenderedMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s* · %s · %s", statusGlyph(status), state.Engine, status, formatElapsed(elapsedSeconds))

	if answer = strings.TrimSpace(answer); answer != "" {
		b.WriteString("\n\n")
		b.WriteString(answer)
	}

	if c := state.Completed; c != nil && !c.OK && c.Error != "" {
		fmt.Fprintf(&b, "\n\nerror:\n%s", c.Error)
	}

	if line := m.resumeLine(state.Resume); line != "" {
		b.WriteString("\n\n")
		b.WriteString(line)
	}

	return message(b.String())
}

func (m *Markdown) resumeLine(token *events.ResumeToken) string {
	if token == nil {
		return ""
	}
	codec, ok := m.codecs[token.Engine]
	if !ok {
		return ""
	}
	line, err := codec.Format(*token)
	if err != nil {
		return ""
	}
	return line
}

// actionLines renders the newest actions, capped so the card stays
// short; older entries collapse into a count.
func actionLines(actions []progress.ActionView) []string {
	hidden := 0
	if len(actions) > maxVisibleActions {
		hidden = len(actions) - maxVisibleActions
		actions = actions[hidden:]
	}

	lines := make([]string, 0, len(actions)+1)
	if hidden > 0 {
		lines = append(lines, fmt.Sprintf("… %d earlier", hidden))
	}
	for _, a := range actions {
		title := a.Action.Title
		if title == "" {
			title = string(a.Action.Kind)
		}
		lines = append(lines, fmt.Sprintf("%s %s", actionGlyph(a), title))
	}
	return lines
}

func actionGlyph(a progress.ActionView) string {
	if a.Action.Kind == events.KindWarning || a.Level == events.LevelWarning {
		return "⚠"
	}
	if a.Phase == events.PhaseCompleted {
		if a.OK != nil && !*a.OK {
			return "✗"
		}
		return "✓"
	}
	switch a.Action.Kind {
	case events.KindCommand:
		return "▸"
	case events.KindFileChange:
		return "±"
	case events.KindWebSearch:
		return "⌕"
	case events.KindNote:
		return "·"
	default:
		return "▸"
	}
}

func labelGlyph(label string) string {
	switch label {
	case "starting":
		return "🚀"
	case "cancelled":
		return "🛑"
	default:
		return "⏳"
	}
}

func statusGlyph(status Status) string {
	if status == StatusError {
		return "❌"
	}
	return "✅"
}

func formatElapsed(seconds float64) string {
	if seconds >= 60 {
		return fmt.Sprintf("%dm%02ds", int(seconds)/60, int(seconds)%60)
	}
	return fmt.Sprintf("%ds", int(seconds))
}

func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return "…" + string(runes[len(runes)-n:])
}

func message(text string) transport.RenderedMessage {
	runes := []rune(text)
	if len(runes) > maxMessageRunes {
		text = string(runes[:maxMessageRunes]) + "…"
	}
	return transport.RenderedMessage{
		Text:  text,
		Extra: map[string]any{"parse_mode": "Markdown"},
	}
}
