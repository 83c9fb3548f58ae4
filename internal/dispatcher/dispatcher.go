// Package dispatcher provides the engine's task scheduler: a small set of
// named single-worker dispatchers (rw, ro, tap, non-io), each running
// callbacks off a priority queue with snooze and cancel support.
package dispatcher

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Priority orders ready tasks within one dispatcher. Lower runs first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityDefault
	PriorityLow
)

// Callback is one schedulable unit of work. Run returns true to have the
// task rescheduled; combine with Task.Snooze to pick the next wake time.
type Callback interface {
	Run(d *Dispatcher, t *Task) bool
	Description() string
}

// CallbackFunc adapts a function to the Callback interface.
type CallbackFunc struct {
	Desc string
	Fn   func(d *Dispatcher, t *Task) bool
}

func (c CallbackFunc) Run(d *Dispatcher, t *Task) bool { return c.Fn(d, t) }
func (c CallbackFunc) Description() string             { return c.Desc }

// Task is a scheduled callback instance. Tasks are created by Schedule
// and owned by the dispatcher; callers hold them only to cancel, wake or
// snooze.
type Task struct {
	callback Callback
	priority Priority

	mu        sync.Mutex
	wakeTime  time.Time
	cancelled bool
}

// Snooze moves the task's next wake time to now+d. Meaningful from inside
// Run, before returning true.
func (t *Task) Snooze(d *Dispatcher, dur time.Duration) {
	t.mu.Lock()
	t.wakeTime = d.clk.Now().Add(dur)
	t.mu.Unlock()
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Task) wake() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wakeTime
}

// futureQueue orders tasks by wake time.
type futureQueue []*Task

func (q futureQueue) Len() int            { return len(q) }
func (q futureQueue) Less(i, j int) bool  { return q[i].wake().Before(q[j].wake()) }
func (q futureQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *futureQueue) Push(x interface{}) { *q = append(*q, x.(*Task)) }
func (q *futureQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// readyQueue orders runnable tasks by priority.
type readyQueue []*Task

func (q readyQueue) Len() int            { return len(q) }
func (q readyQueue) Less(i, j int) bool  { return q[i].priority < q[j].priority }
func (q readyQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x interface{}) { *q = append(*q, x.(*Task)) }
func (q *readyQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// Dispatcher runs callbacks one at a time on a dedicated goroutine.
// Tasks whose wake time has arrived move from the timed queue to the
// ready queue and run in priority order.
type Dispatcher struct {
	name   string
	logger *zap.Logger
	clk    clock.Clock

	mu      sync.Mutex
	cond    *sync.Cond
	future  futureQueue
	ready   readyQueue
	stopped bool

	wg             sync.WaitGroup
	stopOnce       sync.Once
	completedTasks uint64
	failedTasks    uint64
}

// New creates and starts a dispatcher.
func New(name string, clk clock.Clock, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		name:   name,
		logger: logger,
		clk:    clk,
	}
	d.cond = sync.NewCond(&d.mu)
	d.wg.Add(1)
	go d.run()
	logger.Info("Dispatcher started", zap.String("name", name))
	return d
}

// Name returns the dispatcher's name.
func (d *Dispatcher) Name() string { return d.name }

// Schedule enqueues a callback to run after sleep. Returns the task
// handle for cancel/wake.
func (d *Dispatcher) Schedule(cb Callback, priority Priority, sleep time.Duration) *Task {
	t := &Task{
		callback: cb,
		priority: priority,
		wakeTime: d.clk.Now().Add(sleep),
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.logger.Warn("Schedule on stopped dispatcher dropped",
			zap.String("name", d.name),
			zap.String("task", cb.Description()))
		return t
	}
	heap.Push(&d.future, t)
	d.mu.Unlock()
	d.cond.Signal()
	return t
}

// Cancel drops a pending task before its next run. Idempotent; a task
// currently inside Run finishes but is not rescheduled.
func (d *Dispatcher) Cancel(t *Task) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	d.cond.Signal()
}

// Wake moves a pending task's wake time to now.
func (d *Dispatcher) Wake(t *Task) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.wakeTime = d.clk.Now()
	t.mu.Unlock()
	d.mu.Lock()
	if len(d.future) > 0 {
		heap.Init(&d.future)
	}
	d.mu.Unlock()
	d.cond.Signal()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for {
			if d.stopped {
				d.mu.Unlock()
				return
			}
			d.promoteLocked()
			if len(d.ready) > 0 {
				break
			}
			if len(d.future) == 0 {
				d.cond.Wait()
				continue
			}
			wait := d.future[0].wake().Sub(d.clk.Now())
			if wait <= 0 {
				continue
			}
			d.sleepLocked(wait)
		}
		t := heap.Pop(&d.ready).(*Task)
		d.mu.Unlock()

		if t.Cancelled() {
			continue
		}
		d.execute(t)
	}
}

// promoteLocked moves due tasks onto the ready queue and discards
// cancelled ones.
func (d *Dispatcher) promoteLocked() {
	now := d.clk.Now()
	for len(d.future) > 0 {
		t := d.future[0]
		if t.Cancelled() {
			heap.Pop(&d.future)
			continue
		}
		if t.wake().After(now) {
			return
		}
		heap.Pop(&d.future)
		heap.Push(&d.ready, t)
	}
}

// sleepLocked waits for the duration or an earlier Signal, releasing the
// dispatcher lock while asleep.
func (d *Dispatcher) sleepLocked(dur time.Duration) {
	timer := d.clk.Timer(dur)
	done := make(chan struct{})
	go func() {
		select {
		case <-timer.C:
			d.cond.Signal()
		case <-done:
			timer.Stop()
		}
	}()
	d.cond.Wait()
	close(done)
}

func (d *Dispatcher) execute(t *Task) {
	start := d.clk.Now()
	reschedule := d.safeRun(t)
	dur := d.clk.Now().Sub(start)

	d.logger.Debug("Task completed",
		zap.String("dispatcher", d.name),
		zap.String("task", t.callback.Description()),
		zap.Duration("duration", dur),
		zap.Bool("reschedule", reschedule))

	if !reschedule || t.Cancelled() {
		return
	}
	d.mu.Lock()
	if !d.stopped {
		heap.Push(&d.future, t)
	}
	d.mu.Unlock()
	d.cond.Signal()
}

// safeRun executes a callback with panic recovery.
func (d *Dispatcher) safeRun(t *Task) (reschedule bool) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&d.failedTasks, 1)
			reschedule = false
			d.logger.Error("Task panic recovered",
				zap.String("dispatcher", d.name),
				zap.String("task", t.callback.Description()),
				zap.Any("panic", r))
		}
	}()
	reschedule = t.callback.Run(d, t)
	atomic.AddUint64(&d.completedTasks, 1)
	return reschedule
}

// Stop halts the worker after its current task. Waits up to timeout.
func (d *Dispatcher) Stop(timeout time.Duration) error {
	var err error
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		d.cond.Broadcast()

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Info("Dispatcher stopped", zap.String("name", d.name))
		case <-time.After(timeout):
			err = fmt.Errorf("dispatcher '%s' stop timeout after %v", d.name, timeout)
			d.logger.Warn("Dispatcher stop timeout", zap.String("name", d.name))
		}
	})
	return err
}

// CompletedTasks returns how many callbacks have run to completion.
func (d *Dispatcher) CompletedTasks() uint64 {
	return atomic.LoadUint64(&d.completedTasks)
}
