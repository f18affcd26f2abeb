package presenter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yee94/takopi/internal/progress"
	"github.com/yee94/takopi/pkg/events"
)

func testPresenter(opts ...Option) *Markdown {
	return NewMarkdown(map[string]events.ResumeCodec{
		"codex":    events.NewResumeCodec("codex", "resume"),
		"opencode": events.NewResumeCodec("opencode", "--session"),
	}, opts...)
}

func TestRenderProgressHeader(t *testing.T) {
	m := testPresenter()
	msg := m.RenderProgress(progress.State{Engine: "codex"}, 7.4, "working")

	assert.Contains(t, msg.Text, "*codex*")
	assert.Contains(t, msg.Text, "working")
	assert.Contains(t, msg.Text, "7s")
	assert.Equal(t, "Markdown", msg.Extra["parse_mode"])
}

func TestRenderProgressCapsActions(t *testing.T) {
	m := testPresenter()
	st := progress.State{Engine: "codex"}
	for i := 0; i < 9; i++ {
		st.Actions = append(st.Actions, progress.ActionView{
			Action: events.Action{ID: string(rune('a' + i)), Kind: events.KindCommand, Title: "cmd-" + string(rune('a'+i))},
			Phase:  events.PhaseCompleted,
			OK:     events.Bool(true),
		})
	}

	msg := m.RenderProgress(st, 1, "working")
	assert.Contains(t, msg.Text, "… 3 earlier")
	assert.NotContains(t, msg.Text, "cmd-a", "oldest actions collapse")
	assert.Contains(t, msg.Text, "cmd-i", "newest action visible")
}

func TestRenderProgressFailedActionGlyph(t *testing.T) {
	m := testPresenter()
	st := progress.State{
		Engine: "codex",
		Actions: []progress.ActionView{{
			Action: events.Action{ID: "a1", Kind: events.KindCommand, Title: "make test"},
			Phase:  events.PhaseCompleted,
			OK:     events.Bool(false),
		}},
	}
	msg := m.RenderProgress(st, 1, "working")
	assert.Contains(t, msg.Text, "✗ make test")
}

func TestRenderFinalQuotesResumeLine(t *testing.T) {
	m := testPresenter()
	token := events.ResumeToken{Engine: "codex", Value: "sess-42"}
	msg := m.RenderFinal(progress.State{Engine: "codex", Resume: &token}, 34, StatusDone, "all done")

	assert.Contains(t, msg.Text, "✅")
	assert.Contains(t, msg.Text, "all done")
	assert.Contains(t, msg.Text, "`codex resume sess-42`")

	// The quoted line must round-trip through extraction.
	codec := events.NewResumeCodec("codex", "resume")
	got, ok := codec.Extract(msg.Text)
	require.True(t, ok)
	assert.Equal(t, token, got)
}

func TestRenderFinalUnknownEngineOmitsResume(t *testing.T) {
	m := testPresenter()
	token := events.ResumeToken{Engine: "gemini", Value: "x"}
	msg := m.RenderFinal(progress.State{Engine: "gemini", Resume: &token}, 1, StatusDone, "hi")
	assert.NotContains(t, msg.Text, "`gemini")
}

func TestStatusForPolicies(t *testing.T) {
	failed := events.Completed{Engine: "codex", OK: false, Answer: "partial", Error: "boom"}

	strict := testPresenter()
	assert.Equal(t, StatusError, strict.StatusFor(failed))
	assert.Equal(t, StatusDone, strict.StatusFor(events.Completed{OK: true, Answer: "hi"}))
	assert.Equal(t, StatusError, strict.StatusFor(events.Completed{OK: true}), "empty answer renders as error")

	lenient := testPresenter(WithAnswerPolicy(PolicyAppendError))
	assert.Equal(t, StatusDone, lenient.StatusFor(failed))
	assert.Equal(t, StatusError, lenient.StatusFor(events.Completed{OK: false}))
}

func TestRenderFinalAppendsError(t *testing.T) {
	failed := events.Completed{Engine: "codex", OK: false, Answer: "partial", Error: "boom"}
	m := testPresenter()

	msg := m.RenderFinal(progress.State{Engine: "codex", Completed: &failed}, 2, StatusError, failed.Answer)
	assert.Contains(t, msg.Text, "partial")
	assert.Contains(t, msg.Text, "error:\nboom")
}

func TestLongAnswerTruncated(t *testing.T) {
	m := testPresenter()
	msg := m.RenderFinal(progress.State{Engine: "codex"}, 1, StatusDone, strings.Repeat("x", 10000))
	assert.LessOrEqual(t, len([]rune(msg.Text)), maxMessageRunes+1)
	assert.True(t, strings.HasSuffix(msg.Text, "…"))
}

func TestElapsedFormatting(t *testing.T) {
	assert.Equal(t, "5s", formatElapsed(5.9))
	assert.Equal(t, "1m05s", formatElapsed(65))
}
