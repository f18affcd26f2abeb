// Package progress folds a runner's event stream into the view state
// rendered into the live progress message. One Tracker serves one
// engine invocation; once a Completed event arrives the state freezes
// for the final render.
package progress

import (
	"sync"
	"time"

	"github.com/yee94/takopi/pkg/events"
)

// ActionView is one action's latest known lifecycle state.
type ActionView struct {
	Action  events.Action
	Phase   events.ActionPhase
	OK      *bool
	Message string
	Level   events.Level
}

// State is a frozen copy of the tracker, safe to render concurrently
// with further Apply calls.
type State struct {
	Engine    string
	Resume    *events.ResumeToken
	Actions   []ActionView
	Text      string
	StartedAt time.Time

	// Completed is non-nil once the run finished; the final render
	// reads answer, status and usage from it.
	Completed *events.Completed
}

// Tracker accumulates events into renderable state.
type Tracker struct {
	mu        sync.Mutex
	engine    string
	resume    *events.ResumeToken
	order     []string
	byID      map[string]*ActionView
	text      string
	startedAt time.Time
	completed *events.Completed

	dirty chan struct{}
}

// New creates a tracker for one run of the named engine.
func New(engine string) *Tracker {
	return &Tracker{
		engine:    engine,
		byID:      make(map[string]*ActionView),
		startedAt: time.Now(),
		dirty:     make(chan struct{}, 1),
	}
}

// SetResume pre-populates the resume token when the caller already
// knows it, so the first progress render can show the session.
func (t *Tracker) SetResume(token events.ResumeToken) {
	t.mu.Lock()
	t.resume = &token
	t.mu.Unlock()
	t.signal()
}

// Apply folds one event into the state and marks it dirty.
func (t *Tracker) Apply(ev events.Event) {
	t.mu.Lock()
	switch e := ev.(type) {
	case events.Started:
		if !e.Resume.IsZero() {
			token := e.Resume
			t.resume = &token
		}
	case events.ActionEvent:
		t.applyAction(e)
	case events.TextDelta:
		t.text = e.Snapshot
	case events.TextFinished:
		t.text = e.Text
	case events.Completed:
		c := e
		t.completed = &c
		if c.Resume != nil {
			t.resume = c.Resume
		}
	}
	t.mu.Unlock()
	t.signal()
}

// applyAction upserts by action id: first sight appends, later phases
// update in place. Completed actions are never removed during a run.
func (t *Tracker) applyAction(e events.ActionEvent) {
	view, ok := t.byID[e.Action.ID]
	if !ok {
		view = &ActionView{}
		t.byID[e.Action.ID] = view
		t.order = append(t.order, e.Action.ID)
	}
	view.Action = e.Action
	view.Phase = e.Phase
	view.OK = e.OK
	view.Message = e.Message
	view.Level = e.Level
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := State{
		Engine:    t.engine,
		Resume:    t.resume,
		Text:      t.text,
		StartedAt: t.startedAt,
		Completed: t.completed,
	}
	st.Actions = make([]ActionView, 0, len(t.order))
	for _, id := range t.order {
		st.Actions = append(st.Actions, *t.byID[id])
	}
	return st
}

// Elapsed reports seconds since the run started.
func (t *Tracker) Elapsed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.startedAt).Seconds()
}

// Dirty yields at most one pending signal per render cycle; the
// progress-edit loop receives from it and re-renders.
func (t *Tracker) Dirty() <-chan struct{} {
	return t.dirty
}

func (t *Tracker) signal() {
	select {
	case t.dirty <- struct{}{}:
	default:
	}
}
