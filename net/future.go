package net

import (
	"context"
	"sync"
)

// Future is the completion of one write. It completes exactly once, with nil
// when the frame reached the socket or with the reason it never will.
type Future struct {
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
	err  error
	cbs  []func(error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

// complete settles the future, later calls are ignored.
func (f *Future) complete(err error) bool {
	completed := false
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		cbs := f.cbs
		f.cbs = nil
		close(f.done)
		f.mu.Unlock()
		for _, cb := range cbs {
			cb(err)
		}
		completed = true
	})
	return completed
}

// Done is closed once the future completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the result, nil while the future is pending.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// IsDone reports whether the future completed.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until completion or until ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnComplete registers cb, it runs immediately if the future already completed.
// Callbacks run on the completing goroutine and must not block.
func (f *Future) OnComplete(cb func(error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		err := f.err
		f.mu.Unlock()
		cb(err)
		return
	default:
	}
	f.cbs = append(f.cbs, cb)
	f.mu.Unlock()
}
