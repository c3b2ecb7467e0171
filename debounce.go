// debounce.go: trailing-edge coalescing of save and reload triggers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"sync"
	"sync/atomic"
	"time"
)

// Debouncer collapses bursts of Signal calls into one delayed run of its
// action.
//
// It is level-triggered: a Signal while a run is already scheduled does
// nothing, a Signal while the action executes schedules exactly one more
// run after it completes. The timer is not pushed back by later signals,
// so the action runs at most once per window and always sees the state of
// the last signal. The action must re-check its own guards at fire time.
//
// Thread-safety: all methods are safe for concurrent use. The action is
// never run concurrently with itself by one Debouncer.
type Debouncer struct {
	mu        sync.Mutex
	window    time.Duration
	action    func()
	dispatch  func(func()) bool
	timer     *time.Timer
	scheduled bool
	running   bool
	rerun     bool
	stopped   bool
	seq       uint64 // invalidates stale timer callbacks

	runs atomic.Int64
}

// DebounceOption configures a Debouncer
type DebounceOption func(*Debouncer)

// WithDispatcher makes the debouncer hand the fired action to dispatch
// instead of running it on the timer goroutine. Engines pass
// Scheduler.Post here so every run lands on the scheduling context.
func WithDispatcher(dispatch func(func()) bool) DebounceOption {
	return func(d *Debouncer) {
		if dispatch != nil {
			d.dispatch = dispatch
		}
	}
}

// NewDebouncer creates a debouncer firing action after window
func NewDebouncer(window time.Duration, action func(), opts ...DebounceOption) *Debouncer {
	d := &Debouncer{
		window: window,
		action: action,
		dispatch: func(fn func()) bool {
			fn()
			return true
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Signal requests a run of the action
func (d *Debouncer) Signal() {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.stopped:
	case d.running:
		d.rerun = true
	case d.scheduled:
	default:
		d.scheduleLocked()
	}
}

func (d *Debouncer) scheduleLocked() {
	d.scheduled = true
	d.seq++
	currentSeq := d.seq
	d.timer = time.AfterFunc(d.window, func() {
		if !d.dispatch(func() { d.fire(currentSeq) }) {
			// Scheduling context is gone, allow a later Signal to retry
			d.mu.Lock()
			if d.seq == currentSeq {
				d.scheduled = false
				d.timer = nil
			}
			d.mu.Unlock()
		}
	})
}

// fire runs the action if currentSeq is still the scheduled generation
func (d *Debouncer) fire(currentSeq uint64) {
	d.mu.Lock()
	if !d.scheduled || d.seq != currentSeq || d.stopped {
		d.mu.Unlock()
		return
	}
	d.scheduled = false
	d.timer = nil
	d.running = true
	d.mu.Unlock()

	d.execute()
}

func (d *Debouncer) execute() {
	defer d.finish()
	d.runs.Add(1)
	d.action()
}

func (d *Debouncer) finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	if d.rerun && !d.stopped {
		d.rerun = false
		if !d.scheduled {
			d.scheduleLocked()
		}
	}
}

// Flush runs a scheduled action now, on the calling goroutine, and
// reports whether one was pending. Callers that need the run on the
// scheduling context must call Flush from there.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if !d.scheduled || d.running || d.stopped {
		d.mu.Unlock()
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	d.scheduled = false
	d.running = true
	d.mu.Unlock()

	d.execute()
	return true
}

// Cancel drops a scheduled run and a requested rerun
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	d.scheduled = false
	d.rerun = false
}

// Stop cancels pending work and ignores every later Signal
func (d *Debouncer) Stop() {
	d.Cancel()
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

// Pending reports whether a run is scheduled or requested
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scheduled || d.rerun
}

// Runs returns how often the action has run
func (d *Debouncer) Runs() int64 {
	return d.runs.Load()
}

// Window returns the quiet window
func (d *Debouncer) Window() time.Duration {
	return d.window
}
