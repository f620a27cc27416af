package engine

import (
	"context"
	"time"

	"github.com/dogmatiq/linger"
)

// Clock is the time source used by the orchestrator.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer

	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call if it has not yet fired. It returns false if
	// the call already fired or was stopped.
	Stop() bool
}

// SystemClock is a Clock backed by the time package.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc.
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Sleep pauses until d elapses or ctx is cancelled.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	return linger.Sleep(ctx, d)
}
