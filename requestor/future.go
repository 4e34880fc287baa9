package requestor

import (
	"context"
	"sync"
)

// Future is a value that becomes available once. The first Complete wins.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Complete resolves the future. It reports false if it was already resolved.
func (f *Future[T]) Complete(v T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get waits for the value or for ctx to end.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then returns a future resolved with fn applied to f's value. Errors of f
// pass through without calling fn.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := NewFuture[U]()
	go func() {
		<-f.done
		if f.err != nil {
			var zero U
			out.Complete(zero, f.err)
			return
		}
		out.Complete(fn(f.val))
	}()
	return out
}
