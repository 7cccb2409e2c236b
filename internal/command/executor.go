// Package command runs blocking engine commands on a bounded worker pool and
// hands back a future, so UI and automation callers never block on exchange I/O.
package command

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by futures submitted after Close.
var ErrClosed = errors.New("command executor closed")

// Executor bounds how many commands run at once.
type Executor struct {
	resultCh   chan ExecutionResult
	workerPool chan struct{}
	wg         sync.WaitGroup
	closed     bool
	mu         sync.Mutex
}

// ExecutionResult summarizes one finished command for monitoring.
type ExecutionResult struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Success   bool          `json:"success"`
	ErrorMsg  string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewExecutor creates an executor with the given worker count.
func NewExecutor(workers int) *Executor {
	if workers <= 0 {
		workers = 4
	}
	return &Executor{
		resultCh:   make(chan ExecutionResult, 100),
		workerPool: make(chan struct{}, workers),
	}
}

// Future is the pending outcome of a submitted command.
type Future[T any] struct {
	id   string
	done chan struct{}
	val  T
	err  error

	mu        sync.Mutex
	callbacks []func(T, error)
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{id: uuid.NewString(), done: make(chan struct{})}
}

// ID identifies the command.
func (f *Future[T]) ID() string { return f.id }

// Done is closed once the command has finished.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the command finishes or ctx is done. A cancelled wait
// does not cancel the command.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers cb to run with the outcome. If the command has
// already finished, cb runs immediately on the calling goroutine.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		cb(f.val, f.err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

func (f *Future[T]) complete(v T, err error) {
	f.mu.Lock()
	f.val, f.err = v, err
	close(f.done)
	cbs := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(v, err)
	}
}

// Submit runs fn on e's worker pool. It blocks only while all workers are busy.
// The command runs with ctx; cancel ctx to abandon it.
func Submit[T any](ctx context.Context, e *Executor, name string, fn func(context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		log.Printf("❌ command executor closed, %s rejected", name)
		var zero T
		f.complete(zero, ErrClosed)
		return f
	}
	e.wg.Add(1)
	e.mu.Unlock()

	select {
	case e.workerPool <- struct{}{}:
	case <-ctx.Done():
		e.wg.Done()
		var zero T
		f.complete(zero, ctx.Err())
		return f
	}

	go func() {
		defer e.wg.Done()
		defer func() { <-e.workerPool }()

		start := time.Now()
		v, err := run(ctx, fn)

		result := ExecutionResult{
			ID:        f.id,
			Name:      name,
			Success:   err == nil,
			Latency:   time.Since(start),
			Timestamp: time.Now(),
		}
		if err != nil {
			result.ErrorMsg = err.Error()
			log.Printf("❌ Command %s (%s) failed: %v (latency: %v)", name, f.id[:8], err, result.Latency)
		} else {
			log.Printf("✅ Command %s (%s) done (latency: %v)", name, f.id[:8], result.Latency)
		}

		f.complete(v, err)

		select {
		case e.resultCh <- result:
		default:
			log.Printf("⚠️ Result channel full, dropping result for %s", f.id)
		}
	}()
	return f
}

// run converts a panic in fn into an error so a bad command cannot kill the pool.
func run[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn(ctx)
}

// PanicError wraps a recovered panic.
type PanicError struct{ Value any }

func (p *PanicError) Error() string { return "command panicked" }

// Results returns the result channel for monitoring.
func (e *Executor) Results() <-chan ExecutionResult {
	return e.resultCh
}

// Pending returns the number of running commands.
func (e *Executor) Pending() int {
	return len(e.workerPool)
}

// WaitAll waits for all pending executions to complete.
func (e *Executor) WaitAll() {
	e.wg.Wait()
}

// Close rejects new commands and waits for running ones.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.wg.Wait()
	close(e.resultCh)
}
