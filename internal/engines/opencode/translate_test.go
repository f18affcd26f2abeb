package opencode

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yee94/takopi/internal/engines"
	"github.com/yee94/takopi/pkg/events"
)

func translateLine(t *testing.T, tr engines.Translator, line string) []events.Event {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &raw))
	out, err := tr.Translate(raw)
	require.NoError(t, err)
	return out
}

func TestTranslateSessionAndDone(t *testing.T) {
	tr := New().NewTranslator()

	out := translateLine(t, tr, `{"type":"session","sessionID":"s1"}`)
	require.Len(t, out, 1)
	started, ok := out[0].(events.Started)
	require.True(t, ok)
	assert.Equal(t, events.ResumeToken{Engine: "opencode", Value: "s1"}, started.Resume)

	translateLine(t, tr, `{"type":"text","text":"hello "}`)
	out = translateLine(t, tr, `{"type":"text","text":"world"}`)
	require.Len(t, out, 1)
	assert.Equal(t, "hello world", out[0].(events.TextDelta).Snapshot)

	out = translateLine(t, tr, `{"type":"done","ok":true}`)
	require.Len(t, out, 1)
	completed, ok := out[0].(events.Completed)
	require.True(t, ok)
	assert.True(t, completed.OK)
	assert.Equal(t, "hello world", completed.Answer, "answer falls back to accumulated text")
	require.NotNil(t, completed.Resume)
	assert.Equal(t, "s1", completed.Resume.Value)
}

func TestTranslateToolLifecycle(t *testing.T) {
	tr := New().NewTranslator()

	out := translateLine(t, tr, `{"type":"tool","id":"t1","name":"grep","status":"running"}`)
	require.Len(t, out, 1)
	action := out[0].(events.ActionEvent)
	assert.Equal(t, events.PhaseStarted, action.Phase)

	out = translateLine(t, tr, `{"type":"tool","id":"t1","name":"grep","status":"error"}`)
	require.Len(t, out, 1)
	action = out[0].(events.ActionEvent)
	assert.Equal(t, events.PhaseCompleted, action.Phase)
	require.NotNil(t, action.OK)
	assert.False(t, *action.OK)
}

func TestTranslateFailure(t *testing.T) {
	tr := New().NewTranslator()
	out := translateLine(t, tr, `{"type":"done","ok":false,"error":"tool crashed"}`)
	require.Len(t, out, 1)
	completed := out[0].(events.Completed)
	assert.False(t, completed.OK)
	assert.Equal(t, "tool crashed", completed.Error)
}

func TestTranslateUnknownTypeBecomesNote(t *testing.T) {
	tr := New().NewTranslator()

	out := translateLine(t, tr, `{"type":"snapshot","data":"x"}`)
	require.Len(t, out, 1)
	note, ok := out[0].(events.ActionEvent)
	require.True(t, ok)
	assert.Equal(t, events.KindNote, note.Action.Kind)
	assert.Equal(t, "snapshot", note.Action.Title)

	// Deliberately ignored vocabulary stays silent.
	assert.Empty(t, translateLine(t, tr, `{"type":"step.started"}`))
}

func TestBuildCommand(t *testing.T) {
	b := New()

	cmd, err := b.BuildCommand(engines.Request{Prompt: "fix it"})
	require.NoError(t, err)
	assert.Equal(t, "opencode", cmd.Path)
	assert.Equal(t, []string{"run", "--print-logs", "--format", "json", "fix it"}, cmd.Args)

	resume := &events.ResumeToken{Engine: "opencode", Value: "s1"}
	cmd, err = b.BuildCommand(engines.Request{Prompt: "again", Resume: resume})
	require.NoError(t, err)
	assert.Equal(t, []string{"run", "--print-logs", "--format", "json", "--session", "s1", "again"}, cmd.Args)
}
