// Package directives decodes the leading tokens of a chat message that
// select an engine, project, or branch before the prompt body, plus the
// optional `ctx: ...` line quoted from an earlier reply. The parser is
// pure: it never performs I/O and takes the known engine-id and
// project-alias sets as arguments so configuration can be reloaded
// without rebuilding anything.
package directives

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrorCode classifies directive parse failures.
type ErrorCode string

const (
	// ErrCodeMultipleEngine indicates more than one /engine directive.
	ErrCodeMultipleEngine ErrorCode = "MULTIPLE_ENGINE_DIRECTIVES"

	// ErrCodeMultipleProject indicates more than one /project directive.
	ErrCodeMultipleProject ErrorCode = "MULTIPLE_PROJECT_DIRECTIVES"

	// ErrCodeMultipleBranch indicates more than one @branch directive.
	ErrCodeMultipleBranch ErrorCode = "MULTIPLE_BRANCH_DIRECTIVES"

	// ErrCodeUnknownProjectInContext indicates a quoted ctx line naming
	// a project that is not registered.
	ErrCodeUnknownProjectInContext ErrorCode = "UNKNOWN_PROJECT_IN_CONTEXT"
)

// Error is a structured directive parse error.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Parsed is the outcome of decoding one message text.
type Parsed struct {
	// Prompt is the message body with consumed directives removed. When
	// no directive was consumed it is the original text verbatim.
	Prompt string

	// Engine is the explicitly selected engine id, or empty.
	Engine string

	// Project is the explicitly selected project alias, or empty.
	Project string

	// Branch is the explicitly selected branch, or empty.
	Branch string

	// NewSession is set by a /new directive and forces a fresh engine
	// session instead of resuming the remembered one.
	NewSession bool
}

// RunContext is non-identifying request metadata extracted from a
// quoted `ctx: <project> [@<branch>]` line. It only influences the
// working directory of the spawned engine.
type RunContext struct {
	Project string
	Branch  string
}

// IsZero reports whether no context was found.
func (c RunContext) IsZero() bool { return c.Project == "" && c.Branch == "" }

// ctxLineRe matches a literal backticked context line on its own line,
// e.g. "`ctx: projA @dev`".
var ctxLineRe = regexp.MustCompile("^`ctx:\\s*([^\\s@`]+)(?:\\s+@([^\\s`]+))?`\\s*$")

// Sets carries the identifier sets the parser recognizes. Lookups are
// case-insensitive; each map goes from the lower-cased form to the
// canonical registered spelling.
type Sets struct {
	Engines  map[string]string
	Projects map[string]string
}

// NewSets indexes the given ids by their lower-cased form.
func NewSets(engines, projects []string) Sets {
	s := Sets{
		Engines:  make(map[string]string, len(engines)),
		Projects: make(map[string]string, len(projects)),
	}
	for _, e := range engines {
		s.Engines[strings.ToLower(e)] = e
	}
	for _, p := range projects {
		s.Projects[strings.ToLower(p)] = p
	}
	return s
}

// Parse decodes the directives of one message. Only the first non-blank
// line is inspected; tokens are consumed left to right and the first
// non-directive token ends the scan. The unconsumed tail of that line,
// plus any remaining lines, becomes the prompt.
func Parse(text string, sets Sets) (Parsed, error) {
	lines := strings.Split(text, "\n")

	first := -1
	for i, line := range lines {
		if strings.TrimSpace(line) != "" {
			first = i
			break
		}
	}
	if first < 0 {
		return Parsed{Prompt: text}, nil
	}

	var out Parsed
	line := lines[first]
	pos := 0
	consumed := false

	for {
		start := pos
		for start < len(line) && (line[start] == ' ' || line[start] == '\t') {
			start++
		}
		if start >= len(line) {
			pos = start
			break
		}
		end := start
		for end < len(line) && line[end] != ' ' && line[end] != '\t' {
			end++
		}
		token := line[start:end]

		matched, err := consumeToken(token, sets, &out)
		if err != nil {
			return Parsed{}, err
		}
		if !matched {
			pos = start
			break
		}
		consumed = true
		pos = end
	}

	if !consumed {
		return Parsed{Prompt: text}, nil
	}

	tail := strings.TrimLeft(line[pos:], " \t")
	rest := lines[first+1:]
	switch {
	case len(rest) == 0:
		out.Prompt = tail
	case tail == "":
		out.Prompt = strings.Join(rest, "\n")
	default:
		out.Prompt = tail + "\n" + strings.Join(rest, "\n")
	}
	return out, nil
}

// consumeToken applies one directive token to out. It reports whether
// the token was recognized as a directive.
func consumeToken(token string, sets Sets, out *Parsed) (bool, error) {
	switch {
	case strings.HasPrefix(token, "/") && len(token) > 1:
		name := strings.ToLower(token[1:])
		// Bot-mention suffixes like /codex@mybot are addressed to us.
		if at := strings.IndexByte(name, '@'); at >= 0 {
			name = name[:at]
		}
		if name == "new" {
			out.NewSession = true
			return true, nil
		}
		if canonical, ok := sets.Engines[name]; ok {
			if out.Engine != "" {
				return false, newError(ErrCodeMultipleEngine,
					"engine already set to /%s, got /%s", out.Engine, name)
			}
			out.Engine = canonical
			return true, nil
		}
		if canonical, ok := sets.Projects[name]; ok {
			if out.Project != "" {
				return false, newError(ErrCodeMultipleProject,
					"project already set to /%s, got /%s", out.Project, name)
			}
			out.Project = canonical
			return true, nil
		}
		return false, nil
	case strings.HasPrefix(token, "@") && len(token) > 1:
		if out.Branch != "" {
			return false, newError(ErrCodeMultipleBranch,
				"branch already set to @%s, got %s", out.Branch, token)
		}
		out.Branch = token[1:]
		return true, nil
	default:
		return false, nil
	}
}

// ExtractRunContext scans the quoted reply text for a literal
// `ctx: <project> [@<branch>]` line. Unknown projects are an error; a
// missing line yields a zero RunContext.
func ExtractRunContext(replyText string, sets Sets) (RunContext, error) {
	if replyText == "" {
		return RunContext{}, nil
	}
	for _, line := range strings.Split(replyText, "\n") {
		m := ctxLineRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		canonical, ok := sets.Projects[strings.ToLower(m[1])]
		if !ok {
			return RunContext{}, newError(ErrCodeUnknownProjectInContext,
				"unknown project %q in context line", m[1])
		}
		return RunContext{Project: canonical, Branch: m[2]}, nil
	}
	return RunContext{}, nil
}
