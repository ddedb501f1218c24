// Copyright © 2024 The robotdev authors

package jsonrpc

import (
	"context"
	"sync"
)

// Future is a one-shot holder for the outcome of an asynchronous operation.
// The first of SetResult, SetError and Cancel wins; later calls are no-ops.
type Future[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	completed bool
	val       T
	err       error
	callbacks []func(T, error)
	cancel    context.CancelFunc
}

// NewFuture returns an incomplete future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(val T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.val, f.err = val, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()
	for _, fn := range callbacks {
		fn(val, err)
	}
	return true
}

// SetResult completes the future with a value.
func (f *Future[T]) SetResult(val T) bool {
	return f.complete(val, nil)
}

// SetError completes the future with an error.
func (f *Future[T]) SetError(err error) bool {
	var zero T
	return f.complete(zero, err)
}

// Cancel completes the future with ErrCancelled and cancels the operation
// producing it, if any.
func (f *Future[T]) Cancel() bool {
	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return f.SetError(ErrCancelled)
}

// Done is closed when the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.val, f.err
}

// Wait blocks until the future completes or ctx ends.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnDone registers fn to run when the future completes. If it already has,
// fn runs immediately on the calling goroutine.
func (f *Future[T]) OnDone(fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	val, err := f.val, f.err
	f.mu.Unlock()
	fn(val, err)
}
