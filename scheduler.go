// scheduler.go: single scheduling context over a lock-free MPSC ring
//
// Every debounced save, every reload and every dispatched watch event of an
// Engine runs here, one task at a time, in submission order. Producers never
// block: when the ring is full tasks spill into an overflow list that the
// consumer drains after the ring.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agilira/go-errors"
)

// task is one unit of work on the scheduling context
type task struct {
	fn func()
}

// Scheduler is a multi-producer single-consumer task queue with one
// consumer goroutine. Tasks must not call Do on the same scheduler or
// Stop it: both wait for the consumer they run on.
type Scheduler struct {
	// Ring buffer core
	buffer   []task
	capacity int64
	mask     int64 // capacity - 1 for fast modulo

	// MPSC atomic cursors with cache-line padding
	writerCursor atomic.Int64
	readerCursor atomic.Int64
	_            [48]byte

	// Per-slot availability markers
	availableBuffer []atomic.Int64

	// Spill list used while the ring is full
	overflowMu sync.Mutex
	overflow   []task

	// Producers hold gate.RLock while publishing so Stop can flip
	// running without racing a half-published task
	gate      sync.RWMutex
	running   atomic.Bool
	started   atomic.Bool
	wake      chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}
	stopOnce  sync.Once

	onPanic func(interface{})

	processed  atomic.Int64
	rejected   atomic.Int64
	overflowed atomic.Int64
	panics     atomic.Int64
}

// NewScheduler creates a scheduler with a ring of capacity slots.
// capacity is rounded to the safe default when not a power of 2.
// onPanic receives recovered task panics; it may be nil.
func NewScheduler(capacity int64, onPanic func(interface{})) *Scheduler {
	if capacity <= 0 || (capacity&(capacity-1)) != 0 {
		capacity = DefaultSchedulerCapacity
	}

	s := &Scheduler{
		buffer:          make([]task, capacity),
		capacity:        capacity,
		mask:            capacity - 1,
		availableBuffer: make([]atomic.Int64, capacity),
		wake:            make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		stoppedCh:       make(chan struct{}),
		onPanic:         onPanic,
	}

	for i := range s.availableBuffer {
		s.availableBuffer[i].Store(-1)
	}
	return s
}

// Start launches the consumer goroutine. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.running.Store(true)
	go s.loop()
}

// Post enqueues fn and returns immediately. It returns false once the
// scheduler is stopped (or was never started); the task is then dropped.
func (s *Scheduler) Post(fn func()) bool {
	if fn == nil {
		return false
	}

	s.gate.RLock()
	if !s.running.Load() {
		s.gate.RUnlock()
		s.rejected.Add(1)
		return false
	}
	if !s.tryPublish(fn) {
		s.overflowMu.Lock()
		s.overflow = append(s.overflow, task{fn: fn})
		s.overflowMu.Unlock()
		s.overflowed.Add(1)
	}
	s.gate.RUnlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// tryPublish claims a ring slot if one is free
func (s *Scheduler) tryPublish(fn func()) bool {
	for {
		sequence := s.writerCursor.Load()
		if sequence >= s.readerCursor.Load()+s.capacity {
			return false
		}
		if s.writerCursor.CompareAndSwap(sequence, sequence+1) {
			s.buffer[sequence&s.mask] = task{fn: fn}
			s.availableBuffer[sequence&s.mask].Store(sequence)
			return true
		}
	}
}

// Do runs fn on the scheduling context and waits for it to finish.
// A panic inside fn is returned as an ACTOOLS_TASK_PANIC error.
func (s *Scheduler) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	var recovered interface{}

	posted := s.Post(func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				recovered = r
				s.reportPanic(r)
			}
		}()
		fn()
	})
	if !posted {
		return errors.New(ErrCodeSchedulerStopped, "scheduler is not running")
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stoppedCh:
		// The final drain runs every accepted task before stoppedCh closes
		select {
		case <-done:
		default:
			return errors.New(ErrCodeSchedulerStopped, "scheduler stopped before the task ran")
		}
	}

	if recovered != nil {
		return errors.New(ErrCodeTaskPanic, fmt.Sprintf("scheduled task panicked: %v", recovered))
	}
	return nil
}

// ProcessBatch runs every contiguous published task, then the overflow list.
//
// Returns:
//   - int: Number of tasks run
func (s *Scheduler) ProcessBatch() int {
	current := s.readerCursor.Load()
	writerPos := s.writerCursor.Load()

	processed := 0
	for seq := current; seq < writerPos; seq++ {
		idx := seq & s.mask
		if s.availableBuffer[idx].Load() != seq {
			// Claimed but not yet published
			break
		}
		t := s.buffer[idx]
		s.buffer[idx] = task{}
		s.availableBuffer[idx].Store(-1)
		s.readerCursor.Store(seq + 1)

		s.run(t)
		processed++
	}

	s.overflowMu.Lock()
	spilled := s.overflow
	s.overflow = nil
	s.overflowMu.Unlock()
	for _, t := range spilled {
		s.run(t)
		processed++
	}

	s.processed.Add(int64(processed))
	return processed
}

func (s *Scheduler) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			s.reportPanic(r)
		}
	}()
	t.fn()
}

func (s *Scheduler) reportPanic(r interface{}) {
	s.panics.Add(1)
	if s.onPanic != nil {
		s.onPanic(r)
	}
}

func (s *Scheduler) loop() {
	defer close(s.stoppedCh)
	for {
		if s.ProcessBatch() > 0 {
			continue
		}
		select {
		case <-s.wake:
		case <-s.stopCh:
			// Final drain: producers are already rejected, so this ends
			for s.pending() > 0 {
				if s.ProcessBatch() == 0 {
					// A producer is between claim and publish
					select {
					case <-s.wake:
					default:
					}
				}
			}
			return
		}
	}
}

// Stop rejects new tasks, runs the ones already accepted and waits for
// the consumer to exit. It must not be called from a task.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.gate.Lock()
		s.running.Store(false)
		s.gate.Unlock()

		if !s.started.Load() {
			close(s.stoppedCh)
			return
		}
		close(s.stopCh)
	})
	<-s.stoppedCh
}

// IsRunning reports whether Post currently accepts tasks
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) pending() int64 {
	s.overflowMu.Lock()
	spilled := int64(len(s.overflow))
	s.overflowMu.Unlock()
	return s.writerCursor.Load() - s.readerCursor.Load() + spilled
}

// Stats returns scheduler counters
func (s *Scheduler) Stats() map[string]int64 {
	return map[string]int64{
		"capacity":   s.capacity,
		"pending":    s.pending(),
		"processed":  s.processed.Load(),
		"rejected":   s.rejected.Load(),
		"overflowed": s.overflowed.Load(),
		"panics":     s.panics.Load(),
	}
}
