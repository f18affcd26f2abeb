package bridge

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yee94/takopi/internal/engines"
	"github.com/yee94/takopi/internal/progress"
	"github.com/yee94/takopi/internal/router"
	"github.com/yee94/takopi/internal/scheduler"
	"github.com/yee94/takopi/internal/transport"
	"github.com/yee94/takopi/pkg/events"
)

// handleMessage orchestrates one engine run: it streams events into the
// progress tracker, paces live edits of the progress message, reacts to
// cancellation, and delivers the final answer.
func (b *Bridge) handleMessage(ctx context.Context, entry *router.Entry, job *scheduler.Job) {
	logger := b.logger.With("engine", entry.Engine, "job", job.ID, "channel", job.Incoming.Channel)

	tracker := progress.New(entry.Engine)
	if job.Resume != nil {
		tracker.SetResume(*job.Resume)
	}

	task := newRunningTask()
	progressRef := job.Progress
	b.running.register(progressRef, task)
	defer b.running.remove(progressRef)
	defer task.finish()

	start := time.Now()
	b.metrics.RunsStarted.WithLabelValues(entry.Engine).Inc()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	stream := entry.Runner.Run(runCtx, engines.Request{
		Prompt: job.Prompt,
		Resume: job.Resume,
		Dir:    job.Dir,
	})

	var completed *events.Completed
	g, gctx := errgroup.WithContext(runCtx)

	// Engine task: consume the stream, feed the tracker, release the
	// scheduler's ordering gate the moment the session id is known.
	g.Go(func() error {
		defer cancelRun()
		for ev := range stream.Events() {
			tracker.Apply(ev)
			switch e := ev.(type) {
			case events.Started:
				b.sched.NoteThreadKnown(e.Resume, task.Done())
			case events.Completed:
				c := e
				completed = &c
			}
		}
		return stream.Err()
	})

	// Progress-edit task: wake on tracker changes, keep at least
	// editEvery between edits on the same message. Best-effort.
	g.Go(func() error {
		if progressRef.IsZero() {
			<-gctx.Done()
			return nil
		}
		last := time.Now()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-tracker.Dirty():
			}
			if wait := b.editEvery - time.Since(last); wait > 0 {
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(wait):
				}
			}
			rendered := b.presenter.RenderProgress(tracker.Snapshot(), tracker.Elapsed(), "working")
			if _, err := b.transport.Edit(gctx, progressRef, rendered, true); err != nil {
				logger.Debug("progress edit failed", "error", err)
				b.metrics.ProgressEdits.WithLabelValues("error").Inc()
			} else {
				b.metrics.ProgressEdits.WithLabelValues("ok").Inc()
			}
			last = time.Now()
		}
	})

	// Cancel task: a /cancel reply on the progress message stops the
	// run; the runner's SIGTERM path reaps the child.
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-task.CancelRequested():
			logger.Info("cancellation requested")
			cancelRun()
		}
		return nil
	})

	err := g.Wait()

	cancelled := false
	if completed == nil {
		select {
		case <-task.CancelRequested():
			cancelled = true
		default:
			// Application shutdown counts as cancellation too.
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				cancelled = true
			}
		}
	}

	elapsed := tracker.Elapsed()
	snapshot := tracker.Snapshot()

	// Delivery must survive the cancellation that ended the run.
	finalCtx := context.WithoutCancel(ctx)

	var final transport.RenderedMessage
	var outcome string
	if cancelled {
		final = b.presenter.RenderProgress(snapshot, elapsed, "cancelled")
		outcome = "cancelled"
	} else {
		if completed == nil {
			completed = b.failureCompleted(entry.Engine, err)
			tracker.Apply(*completed)
			snapshot = tracker.Snapshot()
		}
		status := b.presenter.StatusFor(*completed)
		final = b.presenter.RenderFinal(snapshot, elapsed, status, completed.Answer)
		outcome = string(status)
	}

	b.deliverFinal(finalCtx, job.Incoming, progressRef, final, logger)

	if snapshot.Resume != nil && b.state != nil && !cancelled {
		if err := b.state.SetLastResume(finalCtx, job.Incoming.Channel, job.Incoming.ThreadID, *snapshot.Resume); err != nil {
			logger.Warn("failed to store resume binding", "error", err)
		}
	}

	b.metrics.RunsCompleted.WithLabelValues(entry.Engine, outcome).Inc()
	b.metrics.RunDuration.WithLabelValues(entry.Engine).Observe(time.Since(start).Seconds())
	logger.Info("run finished", "outcome", outcome, "elapsed", time.Since(start))
}

// failureCompleted turns a stream failure into the terminal event the
// final render needs. Protocol violations keep their message; anything
// else is surfaced verbatim.
func (b *Bridge) failureCompleted(engine string, err error) *events.Completed {
	c := &events.Completed{Engine: engine, OK: false}
	var perr *engines.ProtocolError
	switch {
	case errors.As(err, &perr):
		c.Error = perr.Message
	case err != nil:
		c.Error = err.Error()
	default:
		c.Error = engine + " produced no result"
	}
	return c
}

// deliverFinal sends or edits the terminal message per the final-notify
// policy.
func (b *Bridge) deliverFinal(ctx context.Context, incoming transport.Incoming, progressRef transport.MessageRef, final transport.RenderedMessage, logger *slog.Logger) {
	replyRef := incoming.Ref()
	opts := &transport.SendOptions{ReplyTo: &replyRef, Notify: true, ThreadID: incoming.ThreadID}

	if b.finalNotify || progressRef.IsZero() {
		if _, err := b.transport.Send(ctx, incoming.Channel, final, opts); err != nil {
			logger.Warn("failed to send final message", "error", err)
			return
		}
		if !progressRef.IsZero() {
			if _, err := b.transport.Delete(ctx, progressRef); err != nil {
				logger.Debug("failed to delete progress message", "error", err)
			}
		}
		return
	}

	if _, err := b.transport.Edit(ctx, progressRef, final, true); err != nil {
		logger.Debug("final edit failed, sending new message", "error", err)
		if _, err := b.transport.Send(ctx, incoming.Channel, final, opts); err != nil {
			logger.Warn("failed to send final message", "error", err)
			return
		}
		if _, err := b.transport.Delete(ctx, progressRef); err != nil {
			logger.Debug("failed to delete progress message", "error", err)
		}
	}
}
