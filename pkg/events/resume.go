package events

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrWrongEngine is returned when a resume token is handed to a codec
// for a different engine.
var ErrWrongEngine = errors.New("resume token belongs to a different engine")

// ResumeToken identifies one engine conversation session. The value is
// opaque to the bridge; only the engine understands it. Two tokens are
// the same session exactly when both fields match.
type ResumeToken struct {
	Engine string `json:"engine"`
	Value  string `json:"value"`
}

// ThreadKey returns the scheduler key under which jobs sharing this
// session are serialized.
func (t ResumeToken) ThreadKey() string {
	return t.Engine + ":" + t.Value
}

func (t ResumeToken) String() string {
	return t.ThreadKey()
}

// IsZero reports whether the token is unset.
func (t ResumeToken) IsZero() bool {
	return t.Engine == "" && t.Value == ""
}

// ResumeCodec formats and recognizes the backticked resume line an
// engine embeds in final messages, e.g. "`codex resume T1`" or
// "`claude --resume abc`". The keyword between engine name and value is
// engine-defined; Format and Extract round-trip through each other.
type ResumeCodec struct {
	Engine  string
	Keyword string

	re *regexp.Regexp
}

// NewResumeCodec builds a codec for the given engine id and keyword.
func NewResumeCodec(engine, keyword string) ResumeCodec {
	pattern := fmt.Sprintf(`(?i)%s\s+%s\s+(\S+)`,
		regexp.QuoteMeta(engine), regexp.QuoteMeta(keyword))
	return ResumeCodec{
		Engine:  engine,
		Keyword: keyword,
		re:      regexp.MustCompile(pattern),
	}
}

// Format renders the human-readable resume instruction embedded into
// final messages. Returns ErrWrongEngine when the token's engine does
// not match the codec's.
func (c ResumeCodec) Format(t ResumeToken) (string, error) {
	if !strings.EqualFold(t.Engine, c.Engine) {
		return "", fmt.Errorf("%w: token %q, codec %q", ErrWrongEngine, t.Engine, c.Engine)
	}
	return fmt.Sprintf("`%s %s %s`", c.Engine, c.Keyword, t.Value), nil
}

// Extract scans text line by line, case-insensitively, for the codec's
// resume pattern and returns the last occurrence. The boolean reports
// whether a token was found.
func (c ResumeCodec) Extract(text string) (ResumeToken, bool) {
	if c.re == nil || text == "" {
		return ResumeToken{}, false
	}
	var (
		value string
		found bool
	)
	for _, line := range strings.Split(text, "\n") {
		matches := c.re.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			continue
		}
		value = strings.Trim(matches[len(matches)-1][1], "`")
		found = true
	}
	if !found || value == "" {
		return ResumeToken{}, false
	}
	return ResumeToken{Engine: c.Engine, Value: value}, true
}
