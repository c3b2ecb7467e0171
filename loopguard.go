// loopguard.go: suppression of change events caused by our own writes
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package actools

import (
	"sync/atomic"
	"time"
)

// LoopGuard remembers until when external change events for one backing
// file are ours. It is stamped right before every write of that file.
type LoopGuard struct {
	grace       time.Duration
	clock       func() time.Time
	ignoreUntil atomic.Int64 // unix nanoseconds, 0 = never stamped
	stamps      atomic.Int64
}

// NewLoopGuard creates a guard with the given grace window
func NewLoopGuard(grace time.Duration, clock func() time.Time) *LoopGuard {
	if clock == nil {
		clock = time.Now
	}
	return &LoopGuard{grace: grace, clock: clock}
}

// Stamp marks now+grace as the end of the self-write window and returns it
func (lg *LoopGuard) Stamp() time.Time {
	until := lg.clock().Add(lg.grace)
	lg.ignoreUntil.Store(until.UnixNano())
	lg.stamps.Add(1)
	return until
}

// ShouldIgnore reports whether an event observed at eventTime falls into
// the self-write window
func (lg *LoopGuard) ShouldIgnore(eventTime time.Time) bool {
	until := lg.ignoreUntil.Load()
	return until != 0 && eventTime.UnixNano() <= until
}

// Active reports whether the current time is inside the window
func (lg *LoopGuard) Active() bool {
	return lg.ShouldIgnore(lg.clock())
}

// IgnoreUntil returns the end of the window, zero if never stamped
func (lg *LoopGuard) IgnoreUntil() time.Time {
	until := lg.ignoreUntil.Load()
	if until == 0 {
		return time.Time{}
	}
	return time.Unix(0, until)
}

// Stamps returns how many writes were stamped
func (lg *LoopGuard) Stamps() int64 {
	return lg.stamps.Load()
}

// Reset forgets the window
func (lg *LoopGuard) Reset() {
	lg.ignoreUntil.Store(0)
}
