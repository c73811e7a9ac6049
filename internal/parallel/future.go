package parallel

import (
	"context"
	"time"
)

// Future holds the eventual outcome of a computation running in its own
// goroutine. It settles exactly once.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Go runs fn in a new goroutine and returns a future of its result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn()
	}()
	return f
}

// After returns a future settling with v once d elapsed. The returned stop
// function cancels the timer and reports whether it did so before the future
// settled; a stopped future never settles.
func After[T any](d time.Duration, v T) (*Future[T], func() bool) {
	f := &Future[T]{done: make(chan struct{})}
	timer := time.AfterFunc(d, func() {
		f.val = v
		close(f.done)
	})
	return f, timer.Stop
}

// Done returns a channel closed once the future settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get blocks until the future settles.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.val, f.err
}

// Race waits for the first of fs to settle and returns its index. The losers
// keep running and the caller stays responsible for awaiting them. Nil
// futures never win. If ctx is done first, Race returns -1 and ctx.Err().
//
//	switch i, err := parallel.Race(ctx, work, timer); {
//	case err != nil: // caller gave up
//	case i == 0:     // work done
//	default:         // timer fired, work continues
//	}
func Race[T any](ctx context.Context, fs ...*Future[T]) (int, error) {
	won := make(chan int, len(fs))
	stop := make(chan struct{})
	defer close(stop)

	for i, f := range fs {
		if f == nil {
			continue
		}
		go func() {
			select {
			case <-f.done:
				won <- i
			case <-stop:
			}
		}()
	}

	select {
	case i := <-won:
		return i, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
