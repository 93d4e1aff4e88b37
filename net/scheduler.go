package net

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lcx/kin/log"
)

// ScheduledTask is a pending call on a Scheduler.
type ScheduledTask struct {
	at        time.Time
	fn        func()
	index     int
	cancelled atomic.Bool
	s         *Scheduler
}

// Cancel prevents the task from running. It reports whether the task was
// still pending.
func (t *ScheduledTask) Cancel() bool {
	if !t.cancelled.CompareAndSwap(false, true) {
		return false
	}
	return t.s.remove(t)
}

// At returns the time the task is due.
func (t *ScheduledTask) At() time.Time { return t.at }

type taskHeap []*ScheduledTask

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*ScheduledTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler runs delayed calls on a single goroutine. Calls must be short,
// anything that can block, such as dialling, has to start its own goroutine.
type Scheduler struct {
	clock clock.Clock
	mu    sync.Mutex
	tasks taskHeap
	wake  chan struct{}
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewScheduler starts a scheduler. A nil clk uses the wall clock.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	s := &Scheduler{
		clock: clk,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

var defaultScheduler = sync.OnceValue(func() *Scheduler {
	return NewScheduler(nil)
})

// DefaultScheduler is the scheduler shared by clients that do not bring their own.
func DefaultScheduler() *Scheduler {
	return defaultScheduler()
}

// Schedule runs fn after delay. A non-positive delay runs it as soon as possible.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *ScheduledTask {
	t := &ScheduledTask{at: s.clock.Now().Add(delay), fn: fn, s: s, index: -1}
	s.mu.Lock()
	heap.Push(&s.tasks, t)
	first := s.tasks[0] == t
	s.mu.Unlock()
	if first {
		s.notify()
	}
	return t
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop ends the scheduler goroutine, pending tasks never run.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) remove(t *ScheduledTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&s.tasks, t.index)
	return true
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		var (
			timer *clock.Timer
			due   <-chan time.Time
		)
		if len(s.tasks) > 0 {
			next := s.tasks[0]
			wait := next.at.Sub(s.clock.Now())
			if wait <= 0 {
				heap.Pop(&s.tasks)
				s.mu.Unlock()
				s.exec(next)
				continue
			}
			timer = s.clock.Timer(wait)
			due = timer.C
		}
		s.mu.Unlock()

		select {
		case <-due:
		case <-s.wake:
		case <-s.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) exec(t *ScheduledTask) {
	if t.cancelled.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("panic", r).Msg("scheduled task panic")
		}
	}()
	t.fn()
}
