package engines

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yee94/takopi/pkg/events"
)

// maxQuotedLine bounds how much of a bad JSONL line is echoed into a
// warning note.
const maxQuotedLine = 160

// ingest holds the per-run stream state: the session the caller asked
// to resume, the session the engine actually revealed, and whether the
// terminal event has already been emitted.
type ingest struct {
	engine   string
	expected *events.ResumeToken
	found    *events.ResumeToken

	completed bool
	aborted   bool
	seq       int

	// firstDropped records the first line discarded after Completed,
	// for diagnostics only.
	firstDropped string
}

// Line ingests one raw JSONL line and returns the events to emit
// downstream. A non-nil error is a fatal protocol violation; the caller
// must stop consuming events and tear the process down.
func (st *ingest) Line(line []byte, tr Translator) ([]events.Event, error) {
	st.seq++

	if st.completed || st.aborted {
		if st.firstDropped == "" && len(strings.TrimSpace(string(line))) > 0 {
			st.firstDropped = truncateLine(string(line))
		}
		return nil, nil
	}
	if len(strings.TrimSpace(string(line))) == 0 {
		return nil, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return []events.Event{st.warning("undecodable jsonl line: %s", truncateLine(string(line)))}, nil
	}

	translated, err := tr.Translate(raw)
	if err != nil {
		return []events.Event{st.warning("%s: %v", st.engine, err)}, nil
	}

	out := make([]events.Event, 0, len(translated))
	for _, ev := range translated {
		switch e := ev.(type) {
		case events.Started:
			yield, err := st.coalesceStarted(e)
			if err != nil {
				return nil, err
			}
			if !yield {
				continue
			}
			out = append(out, e)
		case events.Completed:
			st.completed = true
			out = append(out, e)
			// Later events from this line are discarded; the caller
			// keeps draining the pipe until the process exits.
			return out, nil
		default:
			out = append(out, ev)
		}
	}
	return out, nil
}

// coalesceStarted applies the started-coalescing rule: the first token
// is recorded (and checked against the expected session when resuming),
// a repeat of the same token is suppressed, and anything else is a
// fatal protocol error.
func (st *ingest) coalesceStarted(ev events.Started) (bool, error) {
	token := ev.Resume
	if !strings.EqualFold(token.Engine, st.engine) {
		return false, wrongEngineSession(st.engine, token.Engine)
	}
	if st.found == nil {
		if st.expected != nil && token.Value != st.expected.Value {
			return false, unexpectedSession(st.engine, token.Value, st.expected.Value)
		}
		tok := token
		st.found = &tok
		return true, nil
	}
	if token.Value == st.found.Value {
		return false, nil
	}
	return false, unexpectedSession(st.engine, token.Value, st.found.Value)
}

// resume returns the token for synthesized terminal events: the session
// the engine revealed, falling back to the one the caller supplied.
func (st *ingest) resume() *events.ResumeToken {
	if st.found != nil {
		return st.found
	}
	return st.expected
}

func (st *ingest) warning(format string, args ...any) events.ActionEvent {
	return events.WarningNote(st.engine, fmt.Sprintf("line-%d", st.seq), fmt.Sprintf(format, args...))
}

func truncateLine(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxQuotedLine {
		return s
	}
	return s[:maxQuotedLine] + "..."
}
