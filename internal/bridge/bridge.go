// Package bridge wires the chat transport to the engine runners: it
// parses directives off incoming messages, resolves which session to
// resume, queues jobs on the scheduler, and orchestrates the per-run
// lifecycle of progress edits, cancellation, and the final answer.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yee94/takopi/internal/directives"
	"github.com/yee94/takopi/internal/observability"
	"github.com/yee94/takopi/internal/presenter"
	"github.com/yee94/takopi/internal/progress"
	"github.com/yee94/takopi/internal/router"
	"github.com/yee94/takopi/internal/scheduler"
	"github.com/yee94/takopi/internal/state"
	"github.com/yee94/takopi/internal/transport"
	"github.com/yee94/takopi/pkg/events"
)

// Presenter is the rendering capability the bridge consumes.
type Presenter interface {
	RenderProgress(st progress.State, elapsedSeconds float64, label string) transport.RenderedMessage
	RenderFinal(st progress.State, elapsedSeconds float64, status presenter.Status, answer string) transport.RenderedMessage
	StatusFor(c events.Completed) presenter.Status
}

// Config assembles the bridge's collaborators.
type Config struct {
	Transport transport.Transport
	Router    *router.Router
	Presenter Presenter

	// State remembers the last session per chat location; nil disables
	// the fallback.
	State *state.Store

	// Projects maps directive aliases to engine working directories.
	Projects map[string]string

	// FinalNotify sends the final answer as a new notifying reply and
	// deletes the progress message instead of editing it in place.
	FinalNotify bool

	// EditEvery is the minimum gap between progress edits.
	EditEvery time.Duration

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Bridge is the message-handling core.
type Bridge struct {
	transport   transport.Transport
	router      *router.Router
	presenter   Presenter
	state       *state.Store
	projects    map[string]string
	finalNotify bool
	editEvery   time.Duration
	metrics     *observability.Metrics
	logger      *slog.Logger

	sched   *scheduler.Scheduler
	running *runningTasks

	// runCtx is the application context jobs run under; set once by Run
	// before anything is enqueued.
	runCtx context.Context
}

// New builds the bridge and its scheduler.
func New(cfg Config) (*Bridge, error) {
	if cfg.Transport == nil {
		return nil, errors.New("bridge: transport is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("bridge: router is required")
	}
	if cfg.Presenter == nil {
		return nil, errors.New("bridge: presenter is required")
	}
	if cfg.EditEvery <= 0 {
		cfg.EditEvery = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	b := &Bridge{
		transport:   cfg.Transport,
		router:      cfg.Router,
		presenter:   cfg.Presenter,
		state:       cfg.State,
		projects:    cfg.Projects,
		finalNotify: cfg.FinalNotify,
		editEvery:   cfg.EditEvery,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		running:     newRunningTasks(),
	}
	b.sched = scheduler.New(b.runJob, scheduler.WithLogger(cfg.Logger))
	return b, nil
}

// Run consumes updates until ctx is cancelled or the channel closes,
// then drains in-flight jobs.
func (b *Bridge) Run(ctx context.Context, updates <-chan transport.Incoming) error {
	b.runCtx = ctx
	for {
		select {
		case <-ctx.Done():
			b.sched.Wait()
			return ctx.Err()
		case incoming, ok := <-updates:
			if !ok {
				b.sched.Wait()
				return nil
			}
			b.dispatch(ctx, incoming)
		}
	}
}

// dispatch handles one incoming message end to end, except for the
// engine run itself, which the scheduler executes. Failures turn into a
// reply to the user; they never stop the loop.
func (b *Bridge) dispatch(ctx context.Context, incoming transport.Incoming) {
	if isCancelCommand(incoming.Text) {
		b.metrics.MessagesReceived.WithLabelValues("cancel").Inc()
		b.handleCancel(ctx, incoming)
		return
	}

	sets := b.sets()
	parsed, err := directives.Parse(incoming.Text, sets)
	if err != nil {
		b.replyError(ctx, incoming, err)
		return
	}
	runContext, err := directives.ExtractRunContext(incoming.ReplyText, sets)
	if err != nil {
		b.replyError(ctx, incoming, err)
		return
	}

	if parsed.NewSession && b.state != nil {
		if err := b.state.ClearResume(ctx, incoming.Channel, incoming.ThreadID); err != nil {
			b.logger.Warn("failed to clear resume binding", "error", err)
		}
	}

	prompt := strings.TrimSpace(parsed.Prompt)
	if prompt == "" {
		if parsed.NewSession {
			b.reply(ctx, incoming, "session cleared; the next message starts fresh")
		}
		b.metrics.MessagesReceived.WithLabelValues("ignored").Inc()
		return
	}
	b.metrics.MessagesReceived.WithLabelValues("prompt").Inc()

	resume := b.resolveResume(ctx, incoming, parsed)

	entry, err := b.router.EntryFor(resume, parsed.Engine)
	if err != nil {
		b.replyError(ctx, incoming, err)
		return
	}

	dir := b.projectDir(parsed.Project, runContext)

	token := syntheticToken(entry.Engine, incoming)
	if resume != nil {
		token = *resume
	}

	// The placeholder is sent before enqueueing so a /cancel reply can
	// target the job while it still waits in the queue.
	initial := progress.State{Engine: entry.Engine, Resume: resume}
	replyRef := incoming.Ref()
	sent, err := b.transport.Send(ctx, incoming.Channel,
		b.presenter.RenderProgress(initial, 0, "starting"),
		&transport.SendOptions{ReplyTo: &replyRef, Notify: false, ThreadID: incoming.ThreadID})
	var progressRef transport.MessageRef
	if err != nil {
		b.logger.Warn("failed to send progress message, run continues without live edits", "error", err)
	} else if sent != nil {
		progressRef = *sent
	}

	b.sched.Enqueue(&scheduler.Job{
		ID:       uuid.NewString(),
		Token:    token,
		Prompt:   prompt,
		Incoming: incoming,
		Engine:   entry.Engine,
		Resume:   resume,
		Dir:      dir,
		Progress: progressRef,
		Enqueued: time.Now(),
	})
	b.metrics.QueueDepth.Inc()
}

// resolveResume picks the session to continue: an explicit resume line
// in the message or quoted reply wins, then the chat location's stored
// binding. A /new directive starts fresh; an explicit engine directive
// ignores a stored binding for a different engine.
func (b *Bridge) resolveResume(ctx context.Context, incoming transport.Incoming, parsed directives.Parsed) *events.ResumeToken {
	if parsed.NewSession {
		return nil
	}
	if token := b.router.ResolveResume(incoming.Text, incoming.ReplyText); token != nil {
		return token
	}
	if b.state == nil {
		return nil
	}
	stored, err := b.state.LastResume(ctx, incoming.Channel, incoming.ThreadID)
	if err != nil {
		b.logger.Warn("failed to load resume binding", "error", err)
		return nil
	}
	if stored != nil && parsed.Engine != "" && !strings.EqualFold(stored.Engine, parsed.Engine) {
		return nil
	}
	return stored
}

func (b *Bridge) handleCancel(ctx context.Context, incoming transport.Incoming) {
	// A bare /cancel stops the channel's most recent run.
	if incoming.ReplyToID == "" {
		if task := b.running.latest(incoming.Channel); task != nil {
			task.RequestCancel()
			return
		}
		b.reply(ctx, incoming, "nothing to cancel here")
		return
	}
	target := transport.MessageRef{Channel: incoming.Channel, ID: incoming.ReplyToID}

	if job := b.sched.CancelQueued(target); job != nil {
		b.metrics.QueueDepth.Dec()
		cancelled := b.presenter.RenderProgress(progress.State{Engine: job.Engine}, 0, "cancelled")
		if _, err := b.transport.Edit(ctx, target, cancelled, true); err != nil {
			b.logger.Warn("failed to render cancelled state", "error", err)
		}
		return
	}
	if task := b.running.get(target); task != nil {
		task.RequestCancel()
		return
	}
	b.reply(ctx, incoming, "nothing to cancel here")
}

// runJob is the scheduler's injected run function.
func (b *Bridge) runJob(job *scheduler.Job) {
	b.metrics.QueueDepth.Dec()

	entry, err := b.router.EntryForEngine(job.Engine)
	if err != nil {
		// The engine was available at enqueue time; surface the issue
		// on the placeholder and give up.
		b.logger.Error("engine unavailable at run time", "engine", job.Engine, "error", err)
		if !job.Progress.IsZero() {
			final := b.presenter.RenderFinal(progress.State{Engine: job.Engine}, 0,
				presenter.StatusError, err.Error())
			if _, err := b.transport.Edit(context.WithoutCancel(b.runCtx), job.Progress, final, true); err != nil {
				b.logger.Warn("failed to render failure", "error", err)
			}
		}
		return
	}
	b.handleMessage(b.runCtx, entry, job)
}

func (b *Bridge) projectDir(project string, runContext directives.RunContext) string {
	if project == "" {
		project = runContext.Project
	}
	if project == "" {
		return ""
	}
	return b.projects[project]
}

func (b *Bridge) sets() directives.Sets {
	aliases := make([]string, 0, len(b.projects))
	for alias := range b.projects {
		aliases = append(aliases, alias)
	}
	return directives.NewSets(b.router.Engines(), aliases)
}

func (b *Bridge) reply(ctx context.Context, incoming transport.Incoming, text string) {
	ref := incoming.Ref()
	_, err := b.transport.Send(ctx, incoming.Channel,
		transport.RenderedMessage{Text: text},
		&transport.SendOptions{ReplyTo: &ref, Notify: true, ThreadID: incoming.ThreadID})
	if err != nil {
		b.logger.Warn("failed to send reply", "error", err)
	}
}

func (b *Bridge) replyError(ctx context.Context, incoming transport.Incoming, err error) {
	b.reply(ctx, incoming, fmt.Sprintf("error: %v", err))
}

// isCancelCommand matches "/cancel" and bot-addressed "/cancel@name".
func isCancelCommand(text string) bool {
	token := strings.TrimSpace(text)
	if i := strings.IndexAny(token, " \t\n"); i >= 0 {
		token = token[:i]
	}
	if at := strings.IndexByte(token, '@'); at >= 0 {
		token = token[:at]
	}
	return token == "/cancel"
}

// syntheticToken keys a fresh run until the engine reveals its session.
// Each message gets its own key, so fresh runs never queue behind each
// other.
func syntheticToken(engine string, incoming transport.Incoming) events.ResumeToken {
	return events.ResumeToken{
		Engine: engine,
		Value:  "msg:" + incoming.Channel + ":" + incoming.MessageID,
	}
}
