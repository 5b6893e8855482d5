package luahost

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrExecutorClosed is returned when using a closed executor.
var ErrExecutorClosed = errors.New("luahost: executor is closed")

// ErrQueueFull is returned by Submit when the queue has no room.
var ErrQueueFull = errors.New("luahost: executor queue full")

// task is one pending interpreter operation.
type task struct {
	fn     func(*Interpreter) error
	result chan error
}

// Executor serializes interpreter access through a single goroutine.
//
// An Interpreter (and the engine stack under it) must be driven by one
// goroutine at a time. The Executor is the mutual-exclusion boundary for
// hosts that need to reach an interpreter from many goroutines: callers
// enqueue closures, and the goroutine running Run applies them in order.
//
//	exec := luahost.NewExecutor(in, 0)
//	go exec.Run(ctx)
//	defer exec.Close()
//
//	err := exec.Execute(ctx, func(in *luahost.Interpreter) error {
//	    var sum int
//	    return in.Call("add", luahost.Args{2, 3}, &sum)
//	})
type Executor struct {
	in     *Interpreter
	queue  chan *task
	closed atomic.Bool
	done   chan struct{}

	closeOnce sync.Once
}

// NewExecutor creates an executor for in. queueSize bounds the number of
// buffered operations; a non-positive size selects a default.
func NewExecutor(in *Interpreter, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Executor{
		in:    in,
		queue: make(chan *task, queueSize),
		done:  make(chan struct{}),
	}
}

// Run applies queued operations until the context is cancelled or Close
// is called. It must run on the goroutine that owns the interpreter.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drain(ctx.Err())
			return
		case <-e.done:
			e.drain(ErrExecutorClosed)
			return
		case t := <-e.queue:
			e.finish(t, e.apply(t))
		}
	}
}

// apply runs one operation, converting panics into errors so a faulty
// closure cannot take down the executor goroutine.
func (e *Executor) apply(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			case string:
				err = errors.New(v)
			default:
				err = errors.New("luahost: panic in executor task")
			}
		}
	}()
	return t.fn(e.in)
}

func (e *Executor) finish(t *task, err error) {
	select {
	case t.result <- err:
	default:
	}
	close(t.result)
}

// drain fails all queued operations with err.
func (e *Executor) drain(err error) {
	for {
		select {
		case t := <-e.queue:
			e.finish(t, err)
		default:
			return
		}
	}
}

// Execute runs fn on the executor goroutine and waits for its result or
// for ctx to be cancelled. A cancelled wait does not unqueue fn; it will
// still run, unobserved.
func (e *Executor) Execute(ctx context.Context, fn func(*Interpreter) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	t := &task{fn: fn, result: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- t:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err, ok := <-t.result:
		if !ok {
			return ErrExecutorClosed
		}
		return err
	}
}

// Submit enqueues fn without waiting for completion, for fire-and-forget
// work such as event handlers. The result is discarded.
func (e *Executor) Submit(fn func(*Interpreter) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	t := &task{fn: fn, result: make(chan error, 1)}
	select {
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- t:
		go func() { <-t.result }()
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the executor. Queued operations fail with
// ErrExecutorClosed. Closing does not close the interpreter.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
}

// IsClosed reports whether Close has been called.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
