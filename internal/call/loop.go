package call

import (
	"context"
	"errors"
	"sync"
)

var ErrLoopStopped = errors.New("call: event loop stopped")

// Loop runs posted tasks one at a time, in order, on a single goroutine.
// The queue is unbounded so that posting never blocks a signaling reader or
// a timer callback.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
}

func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post enqueues fn. It returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// Run executes tasks until ctx is done. Tasks still queued at that point are
// discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()
	for {
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn, ok := l.next()
			if !ok {
				break
			}
			fn()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.queue = nil
	l.mu.Unlock()
}

// Flush waits until every task posted before or during the call has run and
// the queue is empty.
func (l *Loop) Flush(ctx context.Context) error {
	for {
		empty := make(chan bool, 1)
		if !l.Post(func() {
			l.mu.Lock()
			empty <- len(l.queue) == 0
			l.mu.Unlock()
		}) {
			return ErrLoopStopped
		}
		select {
		case ok := <-empty:
			if ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Len reports the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
