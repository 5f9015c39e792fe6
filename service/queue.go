package service

import (
	"sync"
)

// Executor schedules callbacks on some execution context.
type Executor interface {
	Execute(fn func())
}

type ExecutorFunc func(fn func())

func (f ExecutorFunc) Execute(fn func()) { f(fn) }

var (
	// Inline runs callbacks on the goroutine that delivers the result. For an
	// engine that is its delivery goroutine, never the inference queue.
	Inline Executor = ExecutorFunc(func(fn func()) { fn() })
	// Go runs every callback on a fresh goroutine.
	Go Executor = ExecutorFunc(func(fn func()) { go fn() })
)

// fifo is an unbounded task list. Producers never block.
type fifo struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
}

func newFifo() *fifo {
	f := &fifo{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fifo) push(fn func()) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.tasks = append(f.tasks, fn)
	f.cond.Signal()
	return true
}

// pop blocks until a task is available. It returns false once the fifo is
// closed and drained.
func (f *fifo) pop() (func(), bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.tasks) == 0 && !f.closed {
		f.cond.Wait()
	}
	if len(f.tasks) == 0 {
		return nil, false
	}
	fn := f.tasks[0]
	f.tasks[0] = nil
	f.tasks = f.tasks[1:]
	return fn, true
}

func (f *fifo) close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
}

// Queue runs submitted tasks one at a time, in submission order, on its own goroutine.
type Queue struct {
	label string
	tasks *fifo
	done  chan struct{}
}

func NewQueue(label string) *Queue {
	q := &Queue{label: label, tasks: newFifo(), done: make(chan struct{})}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		fn, ok := q.tasks.pop()
		if !ok {
			return
		}
		fn()
	}
}

func (q *Queue) Label() string { return q.label }

// Submit enqueues fn. It returns ErrClosed after Close.
func (q *Queue) Submit(fn func()) error {
	if !q.tasks.push(fn) {
		return ErrClosed
	}
	return nil
}

// Do runs fn on the queue and waits for it.
func (q *Queue) Do(fn func()) error {
	finished := make(chan struct{})
	if err := q.Submit(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	<-finished
	return nil
}

// Stop stops accepting tasks. Queued tasks still run.
func (q *Queue) Stop() {
	q.tasks.close()
}

// Close stops accepting tasks and waits for queued ones to finish. It must not
// be called from a task running on q.
func (q *Queue) Close() {
	q.Stop()
	<-q.done
}

// Loop is an Executor driven by the caller's own goroutine, like a UI main loop.
type Loop struct {
	tasks *fifo
}

func NewLoop() *Loop {
	return &Loop{tasks: newFifo()}
}

// Execute schedules fn on the loop. Callbacks arriving after Stop are dropped.
func (l *Loop) Execute(fn func()) {
	l.tasks.push(fn)
}

// Run executes callbacks on the calling goroutine until Stop is called and the
// pending callbacks have run.
func (l *Loop) Run() {
	for {
		fn, ok := l.tasks.pop()
		if !ok {
			return
		}
		fn()
	}
}

func (l *Loop) Stop() {
	l.tasks.close()
}
