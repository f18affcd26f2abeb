package opencode

import (
	"strings"

	"github.com/yee94/takopi/internal/engines"
	"github.com/yee94/takopi/pkg/events"
)

// translator accumulates the text of the current step and remembers the
// session id for the terminal event.
type translator struct {
	sessionID string
	answer    strings.Builder
}

var _ engines.Translator = (*translator)(nil)

func (t *translator) Translate(raw map[string]any) ([]events.Event, error) {
	typ := getString(raw, "type")
	switch typ {
	case "session":
		sid := getString(raw, "sessionID")
		if sid == "" {
			sid = getString(raw, "id")
		}
		if sid == "" {
			return nil, nil
		}
		t.sessionID = sid
		return []events.Event{events.Started{
			Engine: EngineID,
			Resume: events.ResumeToken{Engine: EngineID, Value: sid},
		}}, nil

	case "step.started":
		return nil, nil

	case "text":
		text := getString(raw, "text")
		if text == "" {
			return nil, nil
		}
		t.answer.WriteString(text)
		return []events.Event{events.TextDelta{Engine: EngineID, Snapshot: t.answer.String()}}, nil

	case "tool":
		return t.translateTool(raw), nil

	case "step.finished":
		if t.answer.Len() == 0 {
			return nil, nil
		}
		return []events.Event{events.TextFinished{Engine: EngineID, Text: t.answer.String()}}, nil

	case "done":
		ok := true
		if v, isBool := raw["ok"].(bool); isBool {
			ok = v
		}
		completed := events.Completed{
			Engine: EngineID,
			OK:     ok,
			Answer: getString(raw, "answer"),
		}
		if completed.Answer == "" {
			completed.Answer = t.answer.String()
		}
		if !ok {
			completed.Error = getString(raw, "error")
		}
		if t.sessionID != "" {
			completed.Resume = &events.ResumeToken{Engine: EngineID, Value: t.sessionID}
		}
		return []events.Event{completed}, nil

	default:
		// Unknown vocabulary degrades to a note, never an error.
		return []events.Event{noteEvent("opencode-"+typ, typ)}, nil
	}
}

func noteEvent(id, title string) events.ActionEvent {
	return events.ActionEvent{
		Engine: EngineID,
		Action: events.Action{ID: id, Kind: events.KindNote, Title: title},
		Phase:  events.PhaseCompleted,
	}
}

func (t *translator) translateTool(raw map[string]any) []events.Event {
	ev := events.ActionEvent{
		Engine: EngineID,
		Action: events.Action{
			ID:    getString(raw, "id"),
			Kind:  events.KindTool,
			Title: getString(raw, "name"),
		},
	}
	switch getString(raw, "status") {
	case "running", "pending":
		ev.Phase = events.PhaseStarted
	case "error":
		ev.Phase = events.PhaseCompleted
		ev.OK = events.Bool(false)
	default:
		ev.Phase = events.PhaseCompleted
		ev.OK = events.Bool(true)
	}
	return []events.Event{ev}
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
