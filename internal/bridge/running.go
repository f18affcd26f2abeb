package bridge

import (
	"sync"

	"github.com/yee94/takopi/internal/transport"
)

// RunningTask is the cancel handle for one in-flight engine run. The
// cancel channel fires when a /cancel reply targets the run's progress
// message; the done channel fires when the handler finished, releasing
// the scheduler's ordering gate.
type RunningTask struct {
	cancelOnce sync.Once
	cancelled  chan struct{}
	doneOnce   sync.Once
	done       chan struct{}
}

func newRunningTask() *RunningTask {
	return &RunningTask{
		cancelled: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// RequestCancel asks the run to stop. Safe to call more than once.
func (t *RunningTask) RequestCancel() {
	t.cancelOnce.Do(func() { close(t.cancelled) })
}

// CancelRequested fires once cancellation was requested.
func (t *RunningTask) CancelRequested() <-chan struct{} { return t.cancelled }

// Done fires once the handler finished, whatever the outcome.
func (t *RunningTask) Done() <-chan struct{} { return t.done }

func (t *RunningTask) finish() {
	t.doneOnce.Do(func() { close(t.done) })
}

// runningTasks indexes in-flight runs by their progress message so
// /cancel replies can find them. Registration order is kept so a bare
// /cancel can fall back to the channel's most recent run.
type runningTasks struct {
	mu    sync.Mutex
	byRef map[transport.MessageRef]*runningEntry
	seq   uint64
}

type runningEntry struct {
	task *RunningTask
	seq  uint64
}

func newRunningTasks() *runningTasks {
	return &runningTasks{byRef: make(map[transport.MessageRef]*runningEntry)}
}

func (r *runningTasks) register(ref transport.MessageRef, task *RunningTask) {
	if ref.IsZero() {
		return
	}
	r.mu.Lock()
	r.seq++
	r.byRef[ref] = &runningEntry{task: task, seq: r.seq}
	r.mu.Unlock()
}

func (r *runningTasks) get(ref transport.MessageRef) *RunningTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byRef[ref]; ok {
		return e.task
	}
	return nil
}

// latest returns the channel's most recently registered run, or nil.
func (r *runningTasks) latest(channel string) *RunningTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *runningEntry
	for ref, e := range r.byRef {
		if ref.Channel != channel {
			continue
		}
		if best == nil || e.seq > best.seq {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return best.task
}

func (r *runningTasks) remove(ref transport.MessageRef) {
	r.mu.Lock()
	delete(r.byRef, ref)
	r.mu.Unlock()
}
