package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrSimulatedFailure is returned by the sleep workload when it decides to fail.
var ErrSimulatedFailure = errors.New("simulated iteration failure")

// NewSleep builds a synthetic workload that sleeps for iterationTime and
// fails with probability failureRate.
//
// Options:
//
//	iterationTime: 100ms   # time spent per iteration
//	failureRate: 0.0       # probability in [0,1] of returning an error
func NewSleep(_ Settings, options Options) (Func, error) {
	d, err := options.Duration("iterationTime", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	if d < 0 {
		return nil, fmt.Errorf("option iterationTime: must not be negative")
	}

	rate, err := options.Float("failureRate", 0)
	if err != nil {
		return nil, err
	}
	if rate < 0 || rate > 1 {
		return nil, fmt.Errorf("option failureRate: %v is outside [0,1]", rate)
	}

	return func(ctx context.Context, it *Iteration) error {
		if err := it.Sleep(ctx, d); err != nil {
			return err
		}
		if rate > 0 && rand.Float64() < rate {
			return ErrSimulatedFailure
		}
		return nil
	}, nil
}
