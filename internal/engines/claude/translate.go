package claude

import (
	"encoding/json"
	"strings"

	"github.com/yee94/takopi/internal/engines"
	"github.com/yee94/takopi/pkg/events"
)

// translator tracks the streamed text of the current burst so deltas
// stay cumulative, and the session id for the terminal event.
type translator struct {
	sessionID string
	text      strings.Builder
}

var _ engines.Translator = (*translator)(nil)

func (t *translator) Translate(raw map[string]any) ([]events.Event, error) {
	typ := getString(raw, "type")
	switch typ {
	case "system":
		return t.translateSystem(raw), nil
	case "assistant":
		return t.translateAssistant(raw), nil
	case "user":
		return t.translateUser(raw), nil
	case "result":
		return t.translateResult(raw), nil
	case "stream_event":
		// Fine-grained streaming wrapper; the assistant snapshots carry
		// everything the progress view needs.
		return nil, nil
	default:
		// Unknown vocabulary degrades to a note, never an error.
		return []events.Event{noteEvent("claude-"+typ, typ)}, nil
	}
}

func noteEvent(id, title string) events.ActionEvent {
	return events.ActionEvent{
		Engine: EngineID,
		Action: events.Action{ID: id, Kind: events.KindNote, Title: title},
		Phase:  events.PhaseCompleted,
	}
}

func (t *translator) translateSystem(raw map[string]any) []events.Event {
	if getString(raw, "subtype") != "init" {
		return nil
	}
	sid := getString(raw, "session_id")
	if sid == "" {
		return nil
	}
	t.sessionID = sid
	started := events.Started{
		Engine: EngineID,
		Resume: events.ResumeToken{Engine: EngineID, Value: sid},
		Title:  getString(raw, "model"),
	}
	if cwd := getString(raw, "cwd"); cwd != "" {
		started.Meta = map[string]string{"cwd": cwd}
	}
	return []events.Event{started}
}

// translateAssistant walks the content blocks of one assistant message:
// text blocks extend the streaming snapshot, tool_use blocks start tool
// actions.
func (t *translator) translateAssistant(raw map[string]any) []events.Event {
	message, ok := raw["message"].(map[string]any)
	if !ok {
		return nil
	}
	content, ok := message["content"].([]any)
	if !ok {
		return nil
	}

	var out []events.Event
	appended := false
	for _, c := range content {
		block, ok := c.(map[string]any)
		if !ok {
			continue
		}
		switch getString(block, "type") {
		case "text":
			if text := getString(block, "text"); text != "" {
				if t.text.Len() > 0 {
					t.text.WriteString("\n")
				}
				t.text.WriteString(text)
				appended = true
			}
		case "tool_use":
			out = append(out, events.ActionEvent{
				Engine: EngineID,
				Action: events.Action{
					ID:     getString(block, "id"),
					Kind:   toolKind(getString(block, "name")),
					Title:  toolTitle(block),
					Detail: toolDetail(block),
				},
				Phase: events.PhaseStarted,
			})
		}
	}
	if appended {
		out = append(out, events.TextDelta{Engine: EngineID, Snapshot: t.text.String()})
	}
	return out
}

// translateUser surfaces tool_result blocks as completed actions.
func (t *translator) translateUser(raw map[string]any) []events.Event {
	message, ok := raw["message"].(map[string]any)
	if !ok {
		return nil
	}
	content, ok := message["content"].([]any)
	if !ok {
		return nil
	}

	var out []events.Event
	for _, c := range content {
		block, ok := c.(map[string]any)
		if !ok || getString(block, "type") != "tool_result" {
			continue
		}
		isError, _ := block["is_error"].(bool)
		out = append(out, events.ActionEvent{
			Engine: EngineID,
			Action: events.Action{
				ID:   getString(block, "tool_use_id"),
				Kind: events.KindTool,
			},
			Phase: events.PhaseCompleted,
			OK:    events.Bool(!isError),
		})
	}
	return out
}

func (t *translator) translateResult(raw map[string]any) []events.Event {
	isError, _ := raw["is_error"].(bool)
	answer := getString(raw, "result")

	completed := events.Completed{
		Engine: EngineID,
		OK:     !isError,
		Answer: answer,
		Usage:  extractUsage(raw),
	}
	if isError {
		completed.Error = getString(raw, "subtype")
	}
	sid := getString(raw, "session_id")
	if sid == "" {
		sid = t.sessionID
	}
	if sid != "" {
		completed.Resume = &events.ResumeToken{Engine: EngineID, Value: sid}
	}

	var out []events.Event
	if t.text.Len() > 0 {
		out = append(out, events.TextFinished{Engine: EngineID, Text: t.text.String()})
		t.text.Reset()
	}
	return append(out, completed)
}

// toolKind maps well-known claude tool names onto action kinds.
func toolKind(name string) events.ActionKind {
	switch name {
	case "Bash":
		return events.KindCommand
	case "Edit", "Write", "MultiEdit", "NotebookEdit":
		return events.KindFileChange
	case "WebSearch", "WebFetch":
		return events.KindWebSearch
	case "Task":
		return events.KindSubagent
	default:
		return events.KindTool
	}
}

func toolTitle(block map[string]any) string {
	name := getString(block, "name")
	input, ok := block["input"].(map[string]any)
	if !ok {
		return name
	}
	for _, key := range []string{"command", "file_path", "query", "url", "description", "pattern"} {
		if v := getString(input, key); v != "" {
			return name + ": " + firstLine(v)
		}
	}
	return name
}

func toolDetail(block map[string]any) map[string]string {
	input, ok := block["input"].(map[string]any)
	if !ok || len(input) == 0 {
		return nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil
	}
	return map[string]string{"input": truncate(string(data), 400)}
}

func extractUsage(raw map[string]any) *events.Usage {
	usage, ok := raw["usage"].(map[string]any)
	if !ok {
		return nil
	}
	u := &events.Usage{}
	if v, ok := asInt(usage["input_tokens"]); ok {
		u.InputTokens = int64(v)
	}
	if v, ok := asInt(usage["output_tokens"]); ok {
		u.OutputTokens = int64(v)
	}
	if v, ok := asInt(usage["cache_read_input_tokens"]); ok {
		u.CachedTokens = int64(v)
	}
	return u
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func asInt(v any) (int, bool) {
	if n, ok := v.(float64); ok {
		return int(n), true
	}
	return 0, false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
