// Package scheduler implements the Clock & Scheduler component: a single
// cooperative goroutine that drives every strategy's cadence off one
// min-heap, per spec.md §4.2/§5. No strategy ever runs concurrently with
// another or with itself.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"tradeengine/internal/core"
)

// SoftBudget is the tick duration past which a slow tick is logged as a
// warning but allowed to finish.
var SoftBudget = 30 * time.Second

// HardBudget is the tick duration past which a slow tick is logged as an
// error; the scheduler still waits for it (there is no safe way to abort
// a strategy mid-OnTick) but this is the signal an operator needs to
// investigate a stuck strategy.
var HardBudget = 120 * time.Second

// TickFunc is invoked once per scheduled tick. Callers route the
// strategy's proposed actions through the Arbiter and Venue; the scheduler
// itself knows nothing about either.
type TickFunc func(ctx context.Context, s core.Strategy) error

type item struct {
	strategy core.Strategy
	nextAt   time.Time
	index    int
}

type priorityQueue []*item

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].nextAt.Before(pq[j].nextAt) }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i]; pq[i].index = i; pq[j].index = j }
func (pq *priorityQueue) Push(x interface{}) {
	it := x.(*item)
	it.index = len(*pq)
	*pq = append(*pq, it)
}
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return it
}

// Scheduler hosts every Strategy behind one dispatcher goroutine.
type Scheduler struct {
	mu       sync.Mutex
	pq       priorityQueue
	byName   map[string]*item
	tickFn   TickFunc
	logger   core.ILogger
	trigger  chan string
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(tickFn TickFunc, logger core.ILogger) *Scheduler {
	return &Scheduler{
		byName:  make(map[string]*item),
		tickFn:  tickFn,
		logger:  logger.WithField("component", "scheduler"),
		trigger: make(chan string, 16),
		stopCh:  make(chan struct{}),
	}
}

// Host registers a strategy, scheduling its first tick `interval` from
// now (or immediately, for an interval-less event-triggered strategy that
// also wants a baseline cadence of zero).
func (s *Scheduler) Host(strategy core.Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cadence := strategy.Cadence()
	next := time.Now()
	if cadence.Interval > 0 {
		next = next.Add(cadence.Interval)
	}
	it := &item{strategy: strategy, nextAt: next}
	s.byName[strategy.Name()] = it
	heap.Push(&s.pq, it)
}

// TriggerEvent wakes an event-triggered strategy ahead of its next
// scheduled cadence tick (e.g. a funding-rate flip, a drawdown crossing a
// TACTICAL threshold).
func (s *Scheduler) TriggerEvent(strategyName string) {
	select {
	case s.trigger <- strategyName:
	default:
		s.logger.Warn("trigger channel full, dropping event", "strategy", strategyName)
	}
}

// Run drives the dispatcher until ctx is cancelled. In-flight ticks are
// allowed to complete; no new tick starts once ctx.Done() has fired.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.pq) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.stopCh:
				return nil
			}
		}
		next := s.pq[0]
		wait := time.Until(next.nextAt)
		s.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-s.stopCh:
				timer.Stop()
				return nil
			case name := <-s.trigger:
				timer.Stop()
				s.bumpToNow(name)
				continue
			case <-timer.C:
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.mu.Lock()
		if len(s.pq) == 0 {
			s.mu.Unlock()
			continue
		}
		due := heap.Pop(&s.pq).(*item)
		s.mu.Unlock()

		s.runTick(ctx, due)

		s.mu.Lock()
		cadence := due.strategy.Cadence()
		if cadence.Interval > 0 {
			due.nextAt = time.Now().Add(cadence.Interval)
			heap.Push(&s.pq, due)
		} else {
			// Event-only strategy: parked until TriggerEvent fires for it.
			due.nextAt = time.Now().Add(100 * 365 * 24 * time.Hour)
			heap.Push(&s.pq, due)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) bumpToNow(strategyName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byName[strategyName]
	if !ok {
		return
	}
	it.nextAt = time.Now()
	heap.Fix(&s.pq, it.index)
}

func (s *Scheduler) runTick(ctx context.Context, it *item) {
	start := time.Now()
	err := s.tickFn(ctx, it.strategy)
	elapsed := time.Since(start)

	fields := []interface{}{"strategy", it.strategy.Name(), "elapsed", elapsed.String()}
	switch {
	case elapsed > HardBudget:
		s.logger.Error("tick exceeded hard budget", fields...)
	case elapsed > SoftBudget:
		s.logger.Warn("tick exceeded soft budget", fields...)
	}
	if err != nil {
		s.logger.Error("tick returned error", append(fields, "error", err)...)
	}
}

// Stop requests the dispatcher loop to exit once any in-flight wait
// completes; it does not interrupt a running tick.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}
