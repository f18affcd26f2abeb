package codex

import (
	"fmt"
	"strings"

	"github.com/yee94/takopi/internal/engines"
	"github.com/yee94/takopi/pkg/events"
)

// translator carries the per-run state of one codex invocation: the
// thread id revealed by thread.started and the last agent message,
// which becomes the answer on turn.completed.
type translator struct {
	threadID   string
	lastAnswer string
}

var _ engines.Translator = (*translator)(nil)

func (t *translator) Translate(raw map[string]any) ([]events.Event, error) {
	typ := getString(raw, "type")
	switch typ {
	case "thread.started":
		tid := getString(raw, "thread_id")
		if tid == "" {
			return nil, fmt.Errorf("thread.started without thread_id")
		}
		t.threadID = tid
		return []events.Event{events.Started{
			Engine: EngineID,
			Resume: events.ResumeToken{Engine: EngineID, Value: tid},
		}}, nil

	case "turn.started", "item.started":
		return nil, nil

	case "item.updated":
		return t.translateItem(raw, events.PhaseUpdated), nil

	case "item.completed":
		return t.translateItem(raw, events.PhaseCompleted), nil

	case "turn.completed":
		return []events.Event{events.Completed{
			Engine: EngineID,
			OK:     true,
			Answer: t.lastAnswer,
			Resume: t.resume(),
			Usage:  extractUsage(raw),
		}}, nil

	case "turn.failed":
		message := "turn failed"
		if errObj, ok := raw["error"].(map[string]any); ok {
			if m := getString(errObj, "message"); m != "" {
				message = m
			}
		}
		return []events.Event{events.Completed{
			Engine: EngineID,
			OK:     false,
			Answer: t.lastAnswer,
			Error:  message,
			Resume: t.resume(),
		}}, nil

	case "error":
		return []events.Event{events.WarningNote(EngineID, "codex-error", getString(raw, "message"))}, nil

	default:
		// Unknown vocabulary degrades to a note, never an error.
		return []events.Event{noteEvent("codex-"+typ, typ)}, nil
	}
}

// translateItem maps one item.* event to an action or text event.
func (t *translator) translateItem(raw map[string]any, phase events.ActionPhase) []events.Event {
	item, ok := raw["item"].(map[string]any)
	if !ok {
		return nil
	}
	id := getString(item, "id")
	itemType := getString(item, "item_type")
	if itemType == "" {
		itemType = getString(item, "type")
	}

	switch itemType {
	case "agent_message":
		text := getString(item, "text")
		if phase == events.PhaseCompleted {
			t.lastAnswer = text
			return []events.Event{events.TextFinished{Engine: EngineID, Text: text}}
		}
		return []events.Event{events.TextDelta{Engine: EngineID, Snapshot: text}}

	case "reasoning":
		title := firstLine(getString(item, "text"))
		if title == "" {
			title = "thinking"
		}
		return []events.Event{events.ActionEvent{
			Engine: EngineID,
			Action: events.Action{ID: id, Kind: events.KindNote, Title: title},
			Phase:  phase,
		}}

	case "command_execution":
		ev := events.ActionEvent{
			Engine: EngineID,
			Action: events.Action{
				ID:    id,
				Kind:  events.KindCommand,
				Title: getString(item, "command"),
				Detail: map[string]string{
					"output": tail(getString(item, "aggregated_output"), 400),
				},
			},
			Phase: phase,
		}
		if phase == events.PhaseCompleted {
			rc, hasRC := asInt(item["exit_code"])
			if hasRC {
				ev.Action.Detail["exit_code"] = fmt.Sprintf("%d", rc)
				ev.OK = events.Bool(rc == 0)
			}
		}
		return []events.Event{ev}

	case "file_change":
		return []events.Event{events.ActionEvent{
			Engine: EngineID,
			Action: events.Action{
				ID:    id,
				Kind:  events.KindFileChange,
				Title: changedPaths(item),
			},
			Phase: phase,
			OK:    completedOK(phase),
		}}

	case "web_search":
		return []events.Event{events.ActionEvent{
			Engine: EngineID,
			Action: events.Action{ID: id, Kind: events.KindWebSearch, Title: getString(item, "query")},
			Phase:  phase,
			OK:     completedOK(phase),
		}}

	case "mcp_tool_call":
		title := getString(item, "server")
		if tool := getString(item, "tool"); tool != "" {
			title = title + "." + tool
		}
		ev := events.ActionEvent{
			Engine: EngineID,
			Action: events.Action{ID: id, Kind: events.KindTool, Title: title},
			Phase:  phase,
		}
		if phase == events.PhaseCompleted {
			status := getString(item, "status")
			ev.OK = events.Bool(status != "failed")
		}
		return []events.Event{ev}

	case "error":
		return []events.Event{events.WarningNote(EngineID, id, getString(item, "message"))}

	default:
		return []events.Event{events.ActionEvent{
			Engine: EngineID,
			Action: events.Action{ID: id, Kind: events.KindNote, Title: itemType},
			Phase:  phase,
		}}
	}
}

func (t *translator) resume() *events.ResumeToken {
	if t.threadID == "" {
		return nil
	}
	return &events.ResumeToken{Engine: EngineID, Value: t.threadID}
}

func completedOK(phase events.ActionPhase) *bool {
	if phase == events.PhaseCompleted {
		return events.Bool(true)
	}
	return nil
}

func noteEvent(id, title string) events.ActionEvent {
	return events.ActionEvent{
		Engine: EngineID,
		Action: events.Action{ID: id, Kind: events.KindNote, Title: title},
		Phase:  events.PhaseCompleted,
	}
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
	if v, ok := asInt(usage["cached_input_tokens"]); ok {
		u.CachedTokens = int64(v)
	}
	return u
}

func changedPaths(item map[string]any) string {
	changes, ok := item["changes"].([]any)
	if !ok {
		return "file changes"
	}
	var paths []string
	for _, c := range changes {
		if cm, ok := c.(map[string]any); ok {
			if p := getString(cm, "path"); p != "" {
				paths = append(paths, p)
			}
		}
	}
	if len(paths) == 0 {
		return "file changes"
	}
	return strings.Join(paths, ", ")
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
