package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yee94/takopi/internal/engines"
	"github.com/yee94/takopi/pkg/events"
)

// stubRunner satisfies engines.Runner with just a codec; Run is never
// called by the router.
type stubRunner struct {
	engine  string
	keyword string
}

func (s *stubRunner) Engine() string            { return s.engine }
func (s *stubRunner) Codec() events.ResumeCodec { return events.NewResumeCodec(s.engine, s.keyword) }
func (s *stubRunner) Run(context.Context, engines.Request) *engines.Stream {
	panic("not used in router tests")
}

func testRouter(t *testing.T) *Router {
	t.Helper()
	r, err := New([]*Entry{
		{Engine: "codex", Runner: &stubRunner{"codex", "resume"}, Status: StatusOK},
		{Engine: "claude", Runner: &stubRunner{"claude", "--resume"}, Status: StatusMissingCLI, Issue: "claude not found on PATH"},
		{Engine: "opencode", Runner: &stubRunner{"opencode", "--session"}, Status: StatusBadConfig, Issue: "config ignored, using defaults"},
	}, "codex")
	require.NoError(t, err)
	return r
}

func TestNewRejectsUnknownDefault(t *testing.T) {
	_, err := New([]*Entry{
		{Engine: "codex", Runner: &stubRunner{"codex", "resume"}, Status: StatusOK},
	}, "claude")
	assert.Error(t, err)
}

func TestEntryForEngine(t *testing.T) {
	r := testRouter(t)

	entry, err := r.EntryForEngine("codex")
	require.NoError(t, err)
	assert.Equal(t, "codex", entry.Engine)

	// Empty selects the default.
	entry, err = r.EntryForEngine("")
	require.NoError(t, err)
	assert.Equal(t, "codex", entry.Engine)

	// Case-insensitive.
	entry, err = r.EntryForEngine("CoDeX")
	require.NoError(t, err)
	assert.Equal(t, "codex", entry.Engine)

	// bad_config still runs.
	entry, err = r.EntryForEngine("opencode")
	require.NoError(t, err)
	assert.Equal(t, StatusBadConfig, entry.Status)

	// missing_cli surfaces its issue.
	_, err = r.EntryForEngine("claude")
	var uerr *UnavailableError
	require.ErrorAs(t, err, &uerr)
	assert.Contains(t, uerr.Error(), "claude not found on PATH")

	// Unknown engine.
	_, err = r.EntryForEngine("gemini")
	require.ErrorAs(t, err, &uerr)
	assert.Contains(t, uerr.Error(), "not configured")
}

func TestEntryForResumeDictatesEngine(t *testing.T) {
	r := testRouter(t)

	token := &events.ResumeToken{Engine: "opencode", Value: "s1"}
	entry, err := r.EntryFor(token, "codex")
	require.NoError(t, err)
	assert.Equal(t, "opencode", entry.Engine, "the token's engine wins over the directive")

	entry, err = r.EntryFor(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "codex", entry.Engine)
}

func TestResolveResume(t *testing.T) {
	r := testRouter(t)

	t.Run("text before reply", func(t *testing.T) {
		got := r.ResolveResume("`codex resume A`", "`codex resume B`")
		require.NotNil(t, got)
		assert.Equal(t, "A", got.Value)
	})

	t.Run("reply fallback", func(t *testing.T) {
		got := r.ResolveResume("no token here", "answer\n`opencode --session s7`")
		require.NotNil(t, got)
		assert.Equal(t, events.ResumeToken{Engine: "opencode", Value: "s7"}, *got)
	})

	t.Run("unavailable entries still extract", func(t *testing.T) {
		got := r.ResolveResume("", "`claude --resume abc`")
		require.NotNil(t, got)
		assert.Equal(t, "claude", got.Engine)
	})

	t.Run("no token", func(t *testing.T) {
		assert.Nil(t, r.ResolveResume("plain", "reply"))
	})
}
