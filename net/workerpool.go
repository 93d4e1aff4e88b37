package net

import (
	"sync"

	"github.com/lcx/kin/log"
	"github.com/sourcegraph/conc/pool"
)

// WorkerPool runs blocking work off the connection workers. Results go back
// to the peer through the session, never by blocking the connection.
type WorkerPool struct {
	tasks   chan func()
	workers *pool.Pool
	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

// NewWorkerPool starts a pool of size goroutines with room for backlog queued tasks.
func NewWorkerPool(size, backlog int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if backlog < 0 {
		backlog = 0
	}
	wp := &WorkerPool{
		tasks:   make(chan func(), backlog),
		workers: pool.New().WithMaxGoroutines(size),
		done:    make(chan struct{}),
	}
	go wp.run()
	return wp
}

func (wp *WorkerPool) run() {
	defer close(wp.done)
	for task := range wp.tasks {
		wp.workers.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Any("panic", r).Msg("worker task panic")
				}
			}()
			task()
		})
	}
	wp.workers.Wait()
}

// Submit queues task without blocking, failing with ErrPoolFull or ErrPoolStopped.
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return ErrPoolStopped
	}
	select {
	case wp.tasks <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// SubmitReply runs fn in the pool and writes a non-nil result to s.
func (wp *WorkerPool) SubmitReply(s *Session, fn func() (any, error)) error {
	return wp.Submit(func() {
		res, err := fn()
		if err != nil {
			log.Warn().Uint64("session", s.ID()).Err(err).Msg("worker task failed")
			return
		}
		if res == nil {
			return
		}
		s.Write(res)
	})
}

// Stop rejects new tasks and waits for the queued ones to finish.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.stopped {
		wp.mu.Unlock()
		<-wp.done
		return
	}
	wp.stopped = true
	close(wp.tasks)
	wp.mu.Unlock()
	<-wp.done
}
