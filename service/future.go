package service

import (
	"context"
	"sync"
)

// Result carries either a value or an error.
type Result[T any] struct {
	Value T
	Err   error
}

// Future is a single-assignment result of asynchronous work.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	res  Result[T]
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Complete sets the result. Later calls are ignored.
func (f *Future[T]) Complete(r Result[T]) {
	f.once.Do(func() {
		f.res = r
		close(f.done)
	})
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await waits for the result. A done ctx stops the wait, not the work.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.res.Value, f.res.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then schedules fn on exec once the result is available.
func (f *Future[T]) Then(exec Executor, fn func(Result[T])) {
	go func() {
		<-f.done
		exec.Execute(func() { fn(f.res) })
	}()
}
