package engines

import (
	"context"
	"sync"

	"github.com/yee94/takopi/pkg/events"
)

// LockRegistry serializes engine runs per resume token. Each token maps
// to a one-slot semaphore; entries are reference-counted and removed
// once no holder or waiter remains, so unused tokens do not accumulate.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[events.ResumeToken]*sessionLock
}

type sessionLock struct {
	sem  chan struct{}
	refs int
}

// NewLockRegistry creates an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[events.ResumeToken]*sessionLock)}
}

// Acquire blocks until the token's slot is free or ctx is done. On
// success it returns an idempotent release function.
func (r *LockRegistry) Acquire(ctx context.Context, token events.ResumeToken) (func(), error) {
	r.mu.Lock()
	l, ok := r.locks[token]
	if !ok {
		l = &sessionLock{sem: make(chan struct{}, 1)}
		r.locks[token] = l
	}
	l.refs++
	r.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-l.sem
				r.unref(token, l)
			})
		}
		return release, nil
	case <-ctx.Done():
		r.unref(token, l)
		return nil, ctx.Err()
	}
}

// Len reports the number of live token entries. Used by tests to check
// garbage collection.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func (r *LockRegistry) unref(token events.ResumeToken, l *sessionLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.refs--
	if l.refs <= 0 {
		delete(r.locks, token)
	}
}
