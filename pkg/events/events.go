// Package events defines the uniform event model spoken by every layer
// of the bridge: the runner translates engine-specific JSONL into these
// events, the progress tracker consumes them, and the scheduler and
// presenter stay engine-agnostic because of them.
package events

// ActionKind classifies one observable unit of engine work.
type ActionKind string

const (
	KindCommand    ActionKind = "command"
	KindTool       ActionKind = "tool"
	KindFileChange ActionKind = "file_change"
	KindWebSearch  ActionKind = "web_search"
	KindSubagent   ActionKind = "subagent"
	KindNote       ActionKind = "note"
	KindTurn       ActionKind = "turn"
	KindWarning    ActionKind = "warning"
	KindTelemetry  ActionKind = "telemetry"
)

// ActionPhase is a lifecycle transition of an action.
type ActionPhase string

const (
	PhaseStarted   ActionPhase = "started"
	PhaseUpdated   ActionPhase = "updated"
	PhaseCompleted ActionPhase = "completed"
)

// Level indicates the severity attached to an action event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Action is one observable unit of engine work. The ID is unique within
// a single in-flight engine session; later events with the same ID
// update the action in place.
type Action struct {
	ID     string            `json:"id"`
	Kind   ActionKind        `json:"kind"`
	Title  string            `json:"title"`
	Detail map[string]string `json:"detail,omitempty"`
}

// Usage reports token accounting from the engine, when available.
type Usage struct {
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
	CachedTokens int64 `json:"cached_tokens,omitempty"`
}

// Event is the closed sum of everything a runner can emit. Exactly one
// Started and one Completed bracket every successful engine invocation.
type Event interface {
	isEvent()
	// EventEngine returns the engine id the event originated from.
	EventEngine() string
}

// Started is the first event of an invocation and carries the resume
// token the engine revealed (or confirmed).
type Started struct {
	Engine string
	Resume ResumeToken
	Title  string
	Meta   map[string]string
}

// ActionEvent is an action lifecycle transition.
type ActionEvent struct {
	Engine  string
	Action  Action
	Phase   ActionPhase
	OK      *bool
	Message string
	Level   Level
}

// TextDelta carries the cumulative streaming text for the current step.
// A later delta supersedes all earlier ones until a TextFinished or
// Completed arrives.
type TextDelta struct {
	Engine   string
	Snapshot string
}

// TextFinished concludes one streaming text burst.
type TextFinished struct {
	Engine string
	Text   string
}

// Completed is the terminal event of an invocation.
type Completed struct {
	Engine string
	OK     bool
	Answer string
	Resume *ResumeToken
	Error  string
	Usage  *Usage
}

func (Started) isEvent()      {}
func (ActionEvent) isEvent()  {}
func (TextDelta) isEvent()    {}
func (TextFinished) isEvent() {}
func (Completed) isEvent()    {}

func (e Started) EventEngine() string      { return e.Engine }
func (e ActionEvent) EventEngine() string  { return e.Engine }
func (e TextDelta) EventEngine() string    { return e.Engine }
func (e TextFinished) EventEngine() string { return e.Engine }
func (e Completed) EventEngine() string    { return e.Engine }

// WarningNote builds the action event used for degraded-but-continuing
// conditions: undecodable JSONL lines, translator failures, non-zero
// exits. The id should be unique within the run.
func WarningNote(engine, id, message string) ActionEvent {
	return ActionEvent{
		Engine: engine,
		Action: Action{
			ID:    id,
			Kind:  KindWarning,
			Title: message,
		},
		Phase:   PhaseCompleted,
		Message: message,
		Level:   LevelWarning,
	}
}

// Bool is a convenience for the OK pointer on ActionEvent.
func Bool(v bool) *bool { return &v }
