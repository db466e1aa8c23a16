// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package gateway

import "time"

// Clock abstracts time for the admission window, circuit breaker and
// executor so tests can drive recovery timeouts deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return systemClock{}
}
