// Package engine orchestrates scenario dispatch: throttle checks, the runner
// pipeline, and the three sweepers that drive event, schedule and drip-step
// delivery.
package engine

import "time"

// Clock abstracts time so sweepers and guards can be driven deterministically
// in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
