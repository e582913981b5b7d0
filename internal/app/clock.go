package app

import "time"

// Timer is the subset of *time.Timer the session needs.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so countdowns can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is backed by the runtime timers.
var SystemClock Clock = systemClock{}
