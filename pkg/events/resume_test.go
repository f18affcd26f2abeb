package events

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResumeCodecFormat(t *testing.T) {
	codec := NewResumeCodec("codex", "resume")

	line, err := codec.Format(ResumeToken{Engine: "codex", Value: "T1"})
	require.NoError(t, err)
	assert.Equal(t, "`codex resume T1`", line)

	_, err = codec.Format(ResumeToken{Engine: "claude", Value: "T1"})
	assert.ErrorIs(t, err, ErrWrongEngine)
}

func TestResumeCodecFormatIgnoresEngineCase(t *testing.T) {
	codec := NewResumeCodec("codex", "resume")
	line, err := codec.Format(ResumeToken{Engine: "CoDeX", Value: "T1"})
	require.NoError(t, err)
	assert.Equal(t, "`codex resume T1`", line)
}

func TestResumeCodecExtract(t *testing.T) {
	codec := NewResumeCodec("codex", "resume")

	tests := []struct {
		name  string
		text  string
		want  string
		found bool
	}{
		{
			name:  "backticked line",
			text:  "answer body\n\n`codex resume T1`",
			want:  "T1",
			found: true,
		},
		{
			name:  "bare line",
			text:  "codex resume abc-123",
			want:  "abc-123",
			found: true,
		},
		{
			name:  "case insensitive",
			text:  "Codex RESUME t9",
			want:  "t9",
			found: true,
		},
		{
			name:  "last occurrence wins",
			text:  "`codex resume old`\ntext\n`codex resume new`",
			want:  "new",
			found: true,
		},
		{
			name:  "no match",
			text:  "nothing to see\nhere",
			found: false,
		},
		{
			name:  "different engine",
			text:  "`claude --resume X`",
			found: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := codec.Extract(tt.text)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, ResumeToken{Engine: "codex", Value: tt.want}, got)
			}
		})
	}
}

// Property P3: extract(format(token)) == token for every token value the
// codec can print on one line.
func TestResumeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	codecs := []ResumeCodec{
		NewResumeCodec("codex", "resume"),
		NewResumeCodec("claude", "--resume"),
		NewResumeCodec("opencode", "--session"),
	}

	properties.Property("format then extract round-trips", prop.ForAll(
		func(value string, idx int) bool {
			codec := codecs[idx%len(codecs)]
			token := ResumeToken{Engine: codec.Engine, Value: value}
			line, err := codec.Format(token)
			if err != nil {
				return false
			}
			got, ok := codec.Extract("some answer\n" + line + "\ntrailer")
			return ok && got == token
		},
		gen.RegexMatch(`[A-Za-z0-9_.:-]{1,40}`),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}

func TestThreadKey(t *testing.T) {
	token := ResumeToken{Engine: "codex", Value: "T1"}
	assert.Equal(t, "codex:T1", token.ThreadKey())
}
