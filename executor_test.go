package luahost

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"
)

func startExecutor(t *testing.T, in *Interpreter, queueSize int) *Executor {
	t.Helper()
	exec := NewExecutor(in, queueSize)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(done)
		exec.Run(ctx)
	}()
	t.Cleanup(func() {
		exec.Close()
		cancel()
		<-done
	})
	return exec
}

func TestExecutorExecute(t *testing.T) {
	in := newTestInterp(t)
	exec := startExecutor(t, in, 0)

	if err := exec.Execute(context.Background(), func(in *Interpreter) error {
		return in.LoadString(`function add(a, b) return a + b end`, "test")
	}); err != nil {
		t.Fatalf("Execute(load) error = %v", err)
	}
	if err := exec.Execute(context.Background(), func(in *Interpreter) error {
		return in.Run()
	}); err != nil {
		t.Fatalf("Execute(run) error = %v", err)
	}

	var sum int
	if err := exec.Execute(context.Background(), func(in *Interpreter) error {
		return in.Call("add", Args{2, 3}, &sum)
	}); err != nil {
		t.Fatalf("Execute(call) error = %v", err)
	}
	if sum != 5 {
		t.Errorf("add(2, 3) = %d, want 5", sum)
	}
}

func TestExecutorSerializesConcurrentCallers(t *testing.T) {
	in := newTestInterp(t)
	exec := startExecutor(t, in, 0)

	if err := exec.Execute(context.Background(), func(in *Interpreter) error {
		if err := in.LoadString(`n = 0; function bump() n = n + 1 return n end`, "test"); err != nil {
			return err
		}
		return in.Run()
	}); err != nil {
		t.Fatalf("Execute(setup) error = %v", err)
	}

	const workers = 8
	const perWorker = 25

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				errs <- exec.Execute(context.Background(), func(in *Interpreter) error {
					var n int
					return in.Call("bump", nil, &n)
				})
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Execute(bump) error = %v", err)
		}
	}

	var n int
	if err := exec.Execute(context.Background(), func(in *Interpreter) error {
		return in.GetGlobal("n", &n)
	}); err != nil {
		t.Fatalf("Execute(read) error = %v", err)
	}
	if n != workers*perWorker {
		t.Errorf("n = %d, want %d", n, workers*perWorker)
	}
}

func TestExecutorPanicRecovery(t *testing.T) {
	in := newTestInterp(t)
	exec := startExecutor(t, in, 0)

	err := exec.Execute(context.Background(), func(in *Interpreter) error {
		panic("task gone wrong")
	})
	if err == nil || err.Error() != "task gone wrong" {
		t.Fatalf("Execute(panicking) error = %v, want recovered message", err)
	}

	// The executor goroutine survives the panic.
	if err := exec.Execute(context.Background(), func(in *Interpreter) error {
		return nil
	}); err != nil {
		t.Errorf("Execute after panic error = %v", err)
	}
}

func TestExecutorSubmit(t *testing.T) {
	in := newTestInterp(t)
	exec := startExecutor(t, in, 0)

	done := make(chan struct{})
	if err := exec.Submit(func(in *Interpreter) error {
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submitted task never ran")
	}
}

func TestExecutorSubmitQueueFull(t *testing.T) {
	in := newTestInterp(t)
	// Run is deliberately not started; the queue only fills.
	exec := NewExecutor(in, 1)
	defer exec.Close()

	if err := exec.Submit(func(in *Interpreter) error { return nil }); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if err := exec.Submit(func(in *Interpreter) error { return nil }); !stderrors.Is(err, ErrQueueFull) {
		t.Errorf("second Submit() error = %v, want ErrQueueFull", err)
	}
}

func TestExecutorClose(t *testing.T) {
	in := newTestInterp(t)
	exec := startExecutor(t, in, 0)

	exec.Close()
	if !exec.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}

	err := exec.Execute(context.Background(), func(in *Interpreter) error { return nil })
	if !stderrors.Is(err, ErrExecutorClosed) {
		t.Errorf("Execute after Close error = %v, want ErrExecutorClosed", err)
	}
	if err := exec.Submit(func(in *Interpreter) error { return nil }); !stderrors.Is(err, ErrExecutorClosed) {
		t.Errorf("Submit after Close error = %v, want ErrExecutorClosed", err)
	}

	// The interpreter itself stays open.
	if in.IsClosed() {
		t.Error("Close() closed the interpreter")
	}
}

func TestExecutorContextCancelled(t *testing.T) {
	in := newTestInterp(t)
	exec := NewExecutor(in, 1)
	defer exec.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Run is not consuming and the context is already dead; Execute must
	// not block.
	err := exec.Execute(ctx, func(in *Interpreter) error { return nil })
	if !stderrors.Is(err, context.Canceled) {
		t.Errorf("Execute(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestExecutorDrainOnShutdown(t *testing.T) {
	in := newTestInterp(t)
	exec := NewExecutor(in, 4)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- exec.Execute(context.Background(), func(in *Interpreter) error { return nil })
		}()
	}

	// Give the callers time to enqueue, then run a Run loop that sees the
	// closed signal first and drains.
	time.Sleep(50 * time.Millisecond)
	exec.Close()
	exec.Run(context.Background())

	wg.Wait()
	close(results)
	for err := range results {
		if !stderrors.Is(err, ErrExecutorClosed) {
			t.Errorf("queued Execute error = %v, want ErrExecutorClosed", err)
		}
	}
}
