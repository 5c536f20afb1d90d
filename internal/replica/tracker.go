package replica

import (
	"sync"
	"time"
)

// taskTracker serializes every mutating operation of one replica onto a
// single goroutine. Entry points enqueue closures; timers and RPC
// continuations post back to the same queue, so no two state-machine steps of
// the same replica ever run concurrently.
type taskTracker struct {
	mu     sync.Mutex
	tasks  chan func()
	done   chan struct{}
	closed bool

	timers map[*taskTimer]struct{}
}

func makeTaskTracker(depth int) *taskTracker {
	t := &taskTracker{
		tasks:  make(chan func(), depth),
		done:   make(chan struct{}),
		timers: make(map[*taskTimer]struct{}),
	}
	go t.loop()
	return t
}

func (t *taskTracker) loop() {
	for task := range t.tasks {
		task()
	}
	close(t.done)
}

// Enqueue posts a task onto the replica's queue. It reports false after the
// tracker has been cancelled.
func (t *taskTracker) Enqueue(task func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.tasks <- task
	return true
}

// EnqueueAfter schedules a task to be posted after the delay. The returned
// timer can be cancelled before it fires.
func (t *taskTracker) EnqueueAfter(delay time.Duration, task func()) *taskTimer {
	tt := &taskTimer{tracker: t, task: task, stopped: make(chan struct{})}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(tt.stopped)
		return tt
	}
	t.timers[tt] = struct{}{}
	t.mu.Unlock()

	tt.timer = time.AfterFunc(delay, tt.fire)
	return tt
}

// EnqueueEvery schedules a periodic task. The first firing happens after one
// full period.
func (t *taskTracker) EnqueueEvery(period time.Duration, task func()) *taskTimer {
	tt := &taskTimer{tracker: t, task: task, period: period, stopped: make(chan struct{})}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		close(tt.stopped)
		return tt
	}
	t.timers[tt] = struct{}{}
	t.mu.Unlock()

	tt.timer = time.AfterFunc(period, tt.fire)
	return tt
}

// CancelOutstandingTasks stops every timer, drains the queue and waits for
// the loop goroutine to exit. Idempotent.
func (t *taskTracker) CancelOutstandingTasks() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		<-t.done
		return
	}
	t.closed = true
	for tt := range t.timers {
		tt.stop()
	}
	t.timers = nil
	close(t.tasks)
	t.mu.Unlock()

	<-t.done
}

func (t *taskTracker) removeTimer(tt *taskTimer) {
	t.mu.Lock()
	if t.timers != nil {
		delete(t.timers, tt)
	}
	t.mu.Unlock()
}

type taskTimer struct {
	tracker *taskTracker
	task    func()
	period  time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	done    bool
	stopped chan struct{}
}

func (tt *taskTimer) fire() {
	tt.mu.Lock()
	if tt.done {
		tt.mu.Unlock()
		return
	}
	tt.mu.Unlock()

	tt.tracker.Enqueue(tt.task)

	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.period > 0 && !tt.done {
		tt.timer = time.AfterFunc(tt.period, tt.fire)
		return
	}
	tt.done = true
	close(tt.stopped)
	tt.tracker.removeTimer(tt)
}

func (tt *taskTimer) stop() {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	if tt.done {
		return
	}
	tt.done = true
	if tt.timer != nil {
		tt.timer.Stop()
	}
	close(tt.stopped)
}

// Cancel stops the timer; with wait=true it does not return until the timer
// can no longer fire.
func (tt *taskTimer) Cancel(wait bool) {
	tt.stop()
	tt.tracker.removeTimer(tt)
	if wait {
		<-tt.stopped
	}
}
