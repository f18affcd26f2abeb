package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yee94/takopi/internal/directives"
	"github.com/yee94/takopi/internal/engines"
	"github.com/yee94/takopi/internal/engines/codex"
	"github.com/yee94/takopi/internal/presenter"
	"github.com/yee94/takopi/internal/router"
	"github.com/yee94/takopi/internal/state"
	"github.com/yee94/takopi/internal/transport"
	"github.com/yee94/takopi/pkg/events"
)

// scriptBackend runs a shell script instead of a real engine while
// keeping the codex translator, so tests can feed literal JSONL.
type scriptBackend struct {
	inner  engines.Backend
	script string
}

func (b *scriptBackend) Engine() string                    { return b.inner.Engine() }
func (b *scriptBackend) Codec() events.ResumeCodec         { return b.inner.Codec() }
func (b *scriptBackend) NewTranslator() engines.Translator { return b.inner.NewTranslator() }
func (b *scriptBackend) BuildCommand(engines.Request) (engines.Command, error) {
	return engines.Command{Path: "/bin/sh", Args: []string{"-c", b.script}}, nil
}

type sentMessage struct {
	Channel string
	Msg     transport.RenderedMessage
	Opts    *transport.SendOptions
}

type editRecord struct {
	Ref transport.MessageRef
	Msg transport.RenderedMessage
}

// fakeTransport records every outbound operation.
type fakeTransport struct {
	mu      sync.Mutex
	nextID  int
	sends   []sentMessage
	edits   []editRecord
	deletes []transport.MessageRef
}

func (f *fakeTransport) Send(_ context.Context, channel string, msg transport.RenderedMessage, opts *transport.SendOptions) (*transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, sentMessage{Channel: channel, Msg: msg, Opts: opts})
	return &transport.MessageRef{Channel: channel, ID: fmt.Sprintf("m%d", f.nextID)}, nil
}

func (f *fakeTransport) Edit(_ context.Context, ref transport.MessageRef, msg transport.RenderedMessage, _ bool) (*transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editRecord{Ref: ref, Msg: msg})
	return &ref, nil
}

func (f *fakeTransport) Delete(_ context.Context, ref transport.MessageRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, ref)
	return true, nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) editsOf(ref transport.MessageRef) []editRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []editRecord
	for _, e := range f.edits {
		if e.Ref == ref {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeTransport) allSends() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sends...)
}

type testEnv struct {
	bridge    *Bridge
	transport *fakeTransport
	store     *state.Store
}

func newTestEnv(t *testing.T, script string, mutate func(*Config)) *testEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	runner := engines.NewJSONLRunner(
		&scriptBackend{inner: codex.New(), script: script},
		engines.NewLockRegistry(),
		engines.WithGracePeriod(300*time.Millisecond),
	)
	r, err := router.New([]*router.Entry{
		{Engine: "codex", Runner: runner, Status: router.StatusOK},
	}, "codex")
	require.NoError(t, err)

	store, err := state.Open(filepath.Join(t.TempDir(), "takopi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ft := &fakeTransport{}
	cfg := Config{
		Transport: ft,
		Router:    r,
		Presenter: presenter.NewMarkdown(map[string]events.ResumeCodec{
			"codex": events.NewResumeCodec("codex", "resume"),
		}),
		State:     store,
		Projects:  map[string]string{"projA": t.TempDir()},
		EditEvery: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := New(cfg)
	require.NoError(t, err)
	b.runCtx = context.Background()

	return &testEnv{bridge: b, transport: ft, store: store}
}

func incoming(text string) transport.Incoming {
	return transport.Incoming{Channel: "42", MessageID: "10", Text: text}
}

const happyScript = `
printf '%s\n' '{"type":"thread.started","thread_id":"T1"}'
printf '%s\n' '{"type":"item.completed","item":{"id":"i1","type":"agent_message","text":"all done"}}'
printf '%s\n' '{"type":"turn.completed","usage":{"input_tokens":5,"output_tokens":3}}'
`

func TestPromptRunsEndToEnd(t *testing.T) {
	env := newTestEnv(t, happyScript, nil)

	env.bridge.dispatch(context.Background(), incoming("do the thing"))
	env.bridge.sched.Wait()

	sends := env.transport.allSends()
	require.Len(t, sends, 1, "only the silent placeholder is sent")
	assert.False(t, sends[0].Opts.Notify)
	require.NotNil(t, sends[0].Opts.ReplyTo)
	assert.Equal(t, "10", sends[0].Opts.ReplyTo.ID)
	assert.Contains(t, sends[0].Msg.Text, "starting")

	progressRef := transport.MessageRef{Channel: "42", ID: "m1"}
	edits := env.transport.editsOf(progressRef)
	require.NotEmpty(t, edits, "final answer edits the progress message in place")
	final := edits[len(edits)-1].Msg.Text
	assert.Contains(t, final, "all done")
	assert.Contains(t, final, "`codex resume T1`")
	assert.Contains(t, final, "✅")

	stored, err := env.store.LastResume(context.Background(), "42", "")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, events.ResumeToken{Engine: "codex", Value: "T1"}, *stored)
}

func TestFinalNotifySendsNewReplyAndDeletesProgress(t *testing.T) {
	env := newTestEnv(t, happyScript, func(cfg *Config) { cfg.FinalNotify = true })

	env.bridge.dispatch(context.Background(), incoming("go"))
	env.bridge.sched.Wait()

	sends := env.transport.allSends()
	require.Len(t, sends, 2)
	assert.True(t, sends[1].Opts.Notify)
	assert.Contains(t, sends[1].Msg.Text, "all done")

	env.transport.mu.Lock()
	deletes := append([]transport.MessageRef(nil), env.transport.deletes...)
	env.transport.mu.Unlock()
	assert.Contains(t, deletes, transport.MessageRef{Channel: "42", ID: "m1"})
}

func TestDirectiveErrorIsReported(t *testing.T) {
	env := newTestEnv(t, happyScript, nil)

	env.bridge.dispatch(context.Background(), incoming("/codex /codex hi"))
	env.bridge.sched.Wait()

	sends := env.transport.allSends()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Msg.Text, "error:")
	assert.Contains(t, sends[0].Msg.Text, "MULTIPLE_ENGINE_DIRECTIVES")
}

func TestProtocolErrorRendersFailure(t *testing.T) {
	env := newTestEnv(t, `
printf '%s\n' '{"type":"thread.started","thread_id":"T1"}'
printf '%s\n' '{"type":"thread.started","thread_id":"T2"}'
`, nil)

	env.bridge.dispatch(context.Background(), incoming("go"))
	env.bridge.sched.Wait()

	edits := env.transport.editsOf(transport.MessageRef{Channel: "42", ID: "m1"})
	require.NotEmpty(t, edits)
	final := edits[len(edits)-1].Msg.Text
	assert.Contains(t, final, "❌")
	assert.Contains(t, final, "codex emitted session id T2 but expected T1")
}

func TestCancelRunningRun(t *testing.T) {
	env := newTestEnv(t, `
printf '%s\n' '{"type":"thread.started","thread_id":"T1"}'
sleep 30
`, nil)
	ctx := context.Background()

	env.bridge.dispatch(ctx, incoming("long task"))
	progressRef := transport.MessageRef{Channel: "42", ID: "m1"}

	// Wait for the run to register, then cancel it via a /cancel reply
	// on the progress message.
	deadline := time.Now().Add(5 * time.Second)
	for env.bridge.running.get(progressRef) == nil {
		if time.Now().After(deadline) {
			t.Fatal("run never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	env.bridge.dispatch(ctx, transport.Incoming{
		Channel: "42", MessageID: "11", Text: "/cancel", ReplyToID: "m1",
	})
	env.bridge.sched.Wait()

	edits := env.transport.editsOf(progressRef)
	require.NotEmpty(t, edits)
	assert.Contains(t, edits[len(edits)-1].Msg.Text, "cancelled")
}

func TestCancelQueuedJobNeverRuns(t *testing.T) {
	script := `
printf '%s\n' '{"type":"thread.started","thread_id":"T9"}'
printf '%s\n' '{"type":"turn.completed","usage":null}'
`
	env := newTestEnv(t, script, nil)
	ctx := context.Background()

	// The session is busy until we open the gate; both messages resume
	// it explicitly and queue on its thread.
	gate := make(chan struct{})
	env.bridge.sched.NoteThreadKnown(events.ResumeToken{Engine: "codex", Value: "T9"}, gate)

	env.bridge.dispatch(ctx, transport.Incoming{
		Channel: "42", MessageID: "20", Text: "first\n`codex resume T9`",
	})
	env.bridge.dispatch(ctx, transport.Incoming{
		Channel: "42", MessageID: "21", Text: "second\n`codex resume T9`",
	})
	require.Len(t, env.transport.allSends(), 2, "both placeholders sent")

	// Cancel the still-queued second job.
	env.bridge.dispatch(ctx, transport.Incoming{
		Channel: "42", MessageID: "22", Text: "/cancel", ReplyToID: "m2",
	})

	close(gate)
	env.bridge.sched.Wait()

	secondEdits := env.transport.editsOf(transport.MessageRef{Channel: "42", ID: "m2"})
	require.Len(t, secondEdits, 1, "the queued job gets exactly one cancelled edit")
	assert.Contains(t, secondEdits[0].Msg.Text, "cancelled")

	firstEdits := env.transport.editsOf(transport.MessageRef{Channel: "42", ID: "m1"})
	require.NotEmpty(t, firstEdits)
	assert.Contains(t, firstEdits[len(firstEdits)-1].Msg.Text, "✅")
}

func TestBareCancelStopsLatestRun(t *testing.T) {
	env := newTestEnv(t, `
printf '%s\n' '{"type":"thread.started","thread_id":"T1"}'
sleep 30
`, nil)
	ctx := context.Background()

	env.bridge.dispatch(ctx, incoming("long task"))
	progressRef := transport.MessageRef{Channel: "42", ID: "m1"}

	deadline := time.Now().Add(5 * time.Second)
	for env.bridge.running.get(progressRef) == nil {
		if time.Now().After(deadline) {
			t.Fatal("run never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	env.bridge.dispatch(ctx, transport.Incoming{
		Channel: "42", MessageID: "11", Text: "/cancel",
	})
	env.bridge.sched.Wait()

	edits := env.transport.editsOf(progressRef)
	require.NotEmpty(t, edits)
	assert.Contains(t, edits[len(edits)-1].Msg.Text, "cancelled")
}

func TestBareCancelWithNothingRunning(t *testing.T) {
	env := newTestEnv(t, happyScript, nil)

	env.bridge.dispatch(context.Background(), incoming("/cancel"))

	sends := env.transport.allSends()
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].Msg.Text, "nothing to cancel")
}

func TestNewSessionClearsBinding(t *testing.T) {
	env := newTestEnv(t, happyScript, nil)
	ctx := context.Background()

	require.NoError(t, env.store.SetLastResume(ctx, "42", "", events.ResumeToken{Engine: "codex", Value: "old"}))

	env.bridge.dispatch(ctx, incoming("/new"))
	env.bridge.sched.Wait()

	stored, err := env.store.LastResume(ctx, "42", "")
	require.NoError(t, err)
	assert.Nil(t, stored)

	sends := env.transport.allSends()
	require.Len(t, sends, 1)
	assert.Contains(t, strings.ToLower(sends[0].Msg.Text), "session cleared")
}

func TestStoredBindingIgnoredForOtherEngineDirective(t *testing.T) {
	env := newTestEnv(t, happyScript, nil)
	ctx := context.Background()

	// A stored claude binding must not hijack an explicit /codex run.
	require.NoError(t, env.store.SetLastResume(ctx, "42", "", events.ResumeToken{Engine: "claude", Value: "c1"}))

	parsed, err := directives.Parse("/codex hi", env.bridge.sets())
	require.NoError(t, err)
	assert.Equal(t, "codex", parsed.Engine)

	resume := env.bridge.resolveResume(ctx, incoming("/codex hi"), parsed)
	assert.Nil(t, resume)

	// Without a directive the stored binding applies.
	parsed, err = directives.Parse("hi", env.bridge.sets())
	require.NoError(t, err)
	resume = env.bridge.resolveResume(ctx, incoming("hi"), parsed)
	require.NotNil(t, resume)
	assert.Equal(t, "claude", resume.Engine)
}
