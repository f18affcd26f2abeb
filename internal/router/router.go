// Package router maps an incoming request, identified by an explicit
// engine directive or a resume token, to the runner that will serve it,
// and reports whether that runner is actually usable.
package router

import (
	"fmt"
	"strings"

	"github.com/yee94/takopi/internal/engines"
	"github.com/yee94/takopi/pkg/events"
)

// Status describes whether a configured engine can run.
type Status string

const (
	// StatusOK means the engine is installed and configured.
	StatusOK Status = "ok"

	// StatusMissingCLI means the engine binary was not found on PATH.
	StatusMissingCLI Status = "missing_cli"

	// StatusBadConfig means the user's engine config was ignored but
	// defaults are sufficient to run.
	StatusBadConfig Status = "bad_config"

	// StatusLoadError means the engine could not be set up at all.
	StatusLoadError Status = "load_error"
)

// Entry pairs an engine's runner with its availability status.
type Entry struct {
	Engine string
	Runner engines.Runner
	Status Status

	// Issue is the human-readable reason when Status is not ok.
	Issue string
}

// Available reports whether the entry can serve a run. bad_config still
// runs on defaults; missing_cli and load_error do not.
func (e *Entry) Available() bool {
	return e.Status == StatusOK || e.Status == StatusBadConfig
}

// UnavailableError is returned when an engine is unknown or cannot run.
type UnavailableError struct {
	Engine string
	Issue  string
}

func (e *UnavailableError) Error() string {
	if e.Issue == "" {
		return fmt.Sprintf("engine %q is not configured", e.Engine)
	}
	return fmt.Sprintf("engine %q is unavailable: %s", e.Engine, e.Issue)
}

// Router holds the configured runner entries in a stable order.
type Router struct {
	entries       []*Entry
	byEngine      map[string]*Entry
	defaultEngine string
}

// New builds a router over the given entries. The default engine is
// used when a request names none; it must be one of the entries.
func New(entries []*Entry, defaultEngine string) (*Router, error) {
	r := &Router{
		entries:       entries,
		byEngine:      make(map[string]*Entry, len(entries)),
		defaultEngine: strings.ToLower(defaultEngine),
	}
	for _, e := range entries {
		r.byEngine[strings.ToLower(e.Engine)] = e
	}
	if _, ok := r.byEngine[r.defaultEngine]; !ok {
		return nil, fmt.Errorf("default engine %q has no runner entry", defaultEngine)
	}
	return r, nil
}

// Engines returns the configured engine ids in entry order.
func (r *Router) Engines() []string {
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Engine
	}
	return out
}

// EntryForEngine returns the entry for the named engine, or the default
// entry when engine is empty. Unknown ids and unavailable entries fail
// with *UnavailableError; the unavailable entry's issue is surfaced.
func (r *Router) EntryForEngine(engine string) (*Entry, error) {
	if engine == "" {
		engine = r.defaultEngine
	}
	entry, ok := r.byEngine[strings.ToLower(engine)]
	if !ok {
		return nil, &UnavailableError{Engine: engine}
	}
	if !entry.Available() {
		return nil, &UnavailableError{Engine: entry.Engine, Issue: entry.Issue}
	}
	return entry, nil
}

// EntryFor returns the entry serving the given resume token, falling
// back to the engine argument (or the default) when resume is nil. A
// resume token dictates its engine.
func (r *Router) EntryFor(resume *events.ResumeToken, engine string) (*Entry, error) {
	if resume != nil {
		return r.EntryForEngine(resume.Engine)
	}
	return r.EntryForEngine(engine)
}

// ResolveResume consults every entry's codec, in entry order, first on
// text and then on replyText, returning the first token found. Entries
// that cannot run still participate: their tokens are recognized and
// the selection error surfaces later.
func (r *Router) ResolveResume(text, replyText string) *events.ResumeToken {
	for _, source := range []string{text, replyText} {
		if source == "" {
			continue
		}
		for _, entry := range r.entries {
			if token, ok := entry.Runner.Codec().Extract(source); ok {
				return &token
			}
		}
	}
	return nil
}
