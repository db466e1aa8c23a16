// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"sync"
	"time"
)

const rateWindow = 60 * time.Second

// AdmissionDecision is the outcome of the two admission gates.
type AdmissionDecision struct {
	Allowed      bool
	Reason       ErrorKind
	RetryAfterMs int64
}

// AdmissionController applies a concurrency gate and a sliding-window
// rate gate, in that order. Both checks are constant-time; the window
// is pruned lazily on read. The caller decides what counts as in
// flight; the pipeline passes total outstanding work so submissions
// queue while the execution slots are busy.
type AdmissionController struct {
	mu           sync.Mutex
	window       []time.Time
	maxInFlight  int
	maxPerMinute int
	clock        Clock
}

// NewAdmissionController creates a controller. clock may be nil for the
// system clock.
func NewAdmissionController(maxInFlight, maxPerMinute int, clock Clock) *AdmissionController {
	if clock == nil {
		clock = SystemClock()
	}
	return &AdmissionController{
		maxInFlight:  maxInFlight,
		maxPerMinute: maxPerMinute,
		clock:        clock,
	}
}

// Admit checks both gates against the caller-supplied in-flight count and
// records the submission timestamp on acceptance.
func (a *AdmissionController) Admit(inFlight int) AdmissionDecision {
	a.mu.Lock()
	defer a.mu.Unlock()

	if inFlight >= a.maxInFlight {
		return AdmissionDecision{
			Allowed:      false,
			Reason:       ErrKindConcurrencySaturated,
			RetryAfterMs: 1000,
		}
	}

	now := a.clock.Now()
	a.prune(now)
	if len(a.window) >= a.maxPerMinute {
		retry := rateWindow - now.Sub(a.window[0])
		if retry < time.Millisecond {
			retry = time.Millisecond
		}
		return AdmissionDecision{
			Allowed:      false,
			Reason:       ErrKindRateLimited,
			RetryAfterMs: retry.Milliseconds(),
		}
	}

	a.window = append(a.window, now)
	return AdmissionDecision{Allowed: true}
}

// RecentCount returns the number of submissions within the last minute.
func (a *AdmissionController) RecentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune(a.clock.Now())
	return len(a.window)
}

func (a *AdmissionController) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(a.window) && !a.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		a.window = append(a.window[:0], a.window[i:]...)
	}
}
