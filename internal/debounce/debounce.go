// Package debounce provides cancellable delayed tasks and a trailing debouncer
// that keeps at most one outstanding task per input stream.
package debounce

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-composer/internal/observability"
)

// Task is a handle to a function scheduled to run after a delay.
type Task struct {
	timer     *time.Timer
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// After schedules fn to run once delay has elapsed. The context passed to fn is
// cancelled when the task is cancelled or parent is done.
func After(parent context.Context, delay time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	t.timer = time.AfterFunc(delay, func() {
		defer t.finish()
		if ctx.Err() != nil {
			return
		}
		fn(ctx)
	})
	return t
}

// Cancel stops the task. It reports true when fn had not started yet; a task
// that is already running only sees its context cancelled.
func (t *Task) Cancel() bool {
	t.cancel()
	if t.timer.Stop() {
		t.finish()
		return true
	}
	return false
}

// Done is closed once fn has returned or the task was cancelled before running.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) finish() {
	t.closeOnce.Do(func() {
		t.cancel()
		close(t.done)
	})
}

// Debouncer runs only the most recently scheduled function, delay after the
// last Schedule call.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	pending *Task
}

func New(delay time.Duration) *Debouncer {
	return &Debouncer{delay: delay}
}

// Schedule supersedes any pending or running task and schedules fn.
func (d *Debouncer) Schedule(ctx context.Context, fn func(ctx context.Context)) *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
	d.pending = After(ctx, d.delay, fn)
	return d.pending
}

// Cancel drops the outstanding task, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelLocked()
}

func (d *Debouncer) cancelLocked() {
	if d.pending == nil {
		return
	}
	if d.pending.Cancel() {
		observability.DebounceCancelled.Inc()
	}
	d.pending = nil
}
