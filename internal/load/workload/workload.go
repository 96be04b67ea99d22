// Package workload defines the unit of work a virtual user executes once per
// iteration, and the helpers workloads use to record samples and checks.
package workload

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/wesleyorama2/vuramp/internal/load/metrics"
)

// Func is one business-transaction iteration. It is invoked repeatedly by a
// virtual user; returning an error (or panicking) marks the iteration failed
// without stopping the run.
type Func func(ctx context.Context, it *Iteration) error

// Workload is a named Func with a selection weight.
type Workload struct {
	Name   string
	Weight int
	Fn     Func
}

// Suite bundles the workloads of a test with its setup and teardown hooks.
//
// Setup runs once before any iteration; the value it returns is handed to
// every iteration through Iteration.Data and must be treated as read-only.
// Teardown runs once after all workers have drained.
type Suite struct {
	Setup     func(ctx context.Context) (any, error)
	Teardown  func(ctx context.Context, data any) error
	Workloads []Workload
}

// Iteration is the per-call handle passed to a Func.
type Iteration struct {
	// VU is the id of the worker running the iteration.
	VU int
	// Number is the 1-based iteration count of that worker.
	Number int64
	// Workload is the name of the selected workload, if any.
	Workload string

	data  any
	rec   *metrics.Recorder
	tags  map[string]string
	fatal error
}

// NewIteration creates the handle for one iteration.
func NewIteration(vu int, number int64, data any, rec *metrics.Recorder) *Iteration {
	return &Iteration{
		VU:     vu,
		Number: number,
		data:   data,
		rec:    rec,
	}
}

// Data returns the value produced by Suite.Setup.
func (it *Iteration) Data() any {
	return it.data
}

// Tags returns the tags attached to every sample of this iteration.
func (it *Iteration) Tags() map[string]string {
	if it.tags == nil {
		it.tags = map[string]string{"vu": strconv.Itoa(it.VU)}
		if it.Workload != "" {
			it.tags["workload"] = it.Workload
		}
	}
	return it.tags
}

func (it *Iteration) with(extra map[string]string) map[string]string {
	base := it.Tags()
	if len(extra) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

// note keeps the first recorder error; kind mismatches are fatal to the run.
func (it *Iteration) note(err error) {
	if err != nil && it.fatal == nil {
		it.fatal = err
	}
}

// Err returns the first metrics error raised by this iteration.
func (it *Iteration) Err() error {
	return it.fatal
}

// Add increments a counter.
func (it *Iteration) Add(name string, value float64, tags map[string]string) {
	it.note(it.rec.Add(name, value, it.with(tags)))
}

// Rate records a pass or fail on a rate.
func (it *Iteration) Rate(name string, ok bool, tags map[string]string) {
	it.note(it.rec.AddRate(name, ok, it.with(tags)))
}

// Trend records a value on a trend.
func (it *Iteration) Trend(name string, value float64, tags map[string]string) {
	it.note(it.rec.AddTrend(name, value, it.with(tags)))
}

// Duration records d in milliseconds on a trend.
func (it *Iteration) Duration(name string, d time.Duration, tags map[string]string) {
	it.note(it.rec.AddDuration(name, d, it.with(tags)))
}

// Check records a named validation and returns ok.
func (it *Iteration) Check(name string, ok bool, tags map[string]string) bool {
	_, err := it.rec.Check(name, ok, it.with(tags))
	it.note(err)
	return ok
}

// Sleep pauses for d ("think time") or until ctx is done.
func (it *Iteration) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IterationError describes a failed iteration.
type IterationError struct {
	VU        int
	Iteration int64
	Workload  string
	Panicked  bool
	Err       error
}

func (e *IterationError) Error() string {
	kind := "failed"
	if e.Panicked {
		kind = "panicked"
	}
	if e.Workload != "" {
		return fmt.Sprintf("vu %d iteration %d (%s) %s: %v", e.VU, e.Iteration, e.Workload, kind, e.Err)
	}
	return fmt.Sprintf("vu %d iteration %d %s: %v", e.VU, e.Iteration, kind, e.Err)
}

func (e *IterationError) Unwrap() error {
	return e.Err
}

// ErrPanic wraps values recovered from a panicking workload.
var ErrPanic = errors.New("workload panic")

// Call runs fn for one iteration, converting a returned error or a panic into
// an *IterationError.
func Call(ctx context.Context, fn Func, it *Iteration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &IterationError{
				VU:        it.VU,
				Iteration: it.Number,
				Workload:  it.Workload,
				Panicked:  true,
				Err:       fmt.Errorf("%w: %v", ErrPanic, r),
			}
		}
	}()

	if callErr := fn(ctx, it); callErr != nil {
		return &IterationError{
			VU:        it.VU,
			Iteration: it.Number,
			Workload:  it.Workload,
			Err:       callErr,
		}
	}
	return nil
}
