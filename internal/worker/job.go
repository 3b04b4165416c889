package worker

import (
	"context"
	"errors"
)

var (
	// ErrDispatcherBusy is returned by Submit when the intake queue is full.
	ErrDispatcherBusy = errors.New("dispatcher queue is full")
	// ErrDispatcherClosed is returned by Submit after Shutdown started.
	ErrDispatcherClosed = errors.New("dispatcher is shut down")
)

// Job is one unit of work. Jobs sharing a Key run one at a time in
// submission order.
type Job struct {
	Key string
	Run func(ctx context.Context)

	stop bool
}
