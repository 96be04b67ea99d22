// Package metrics accumulates samples recorded by workers into named series.
//
// A series has one of three kinds, fixed the first time the name is declared
// or recorded:
//
//   - Counter: sum of recorded values
//   - Rate:    fraction of non-zero samples
//   - Trend:   distribution with min/max/avg and nearest-rank percentiles
package metrics

import (
	"errors"
	"fmt"
)

// Kind identifies how a series aggregates its samples.
type Kind string

const (
	// Counter sums every recorded value.
	Counter Kind = "counter"
	// Rate tracks the fraction of samples that were non-zero.
	Rate Kind = "rate"
	// Trend keeps every value for distribution statistics.
	Trend Kind = "trend"
)

// Reserved metric names recorded by the scheduler and runner.
const (
	Iterations        = "iterations"
	IterationErrors   = "iteration_errors"
	IterationSuccess  = "iteration_success"
	IterationDuration = "iteration_duration"
	VUs               = "vus"
	Checks            = "checks"
	// DroppedIterations counts arrival-rate iterations that found no free
	// worker at the pool cap.
	DroppedIterations = "dropped_iterations"
)

// ErrMetricKindMismatch is returned when a name is used with two different kinds.
var ErrMetricKindMismatch = errors.New("metric kind mismatch")

// ErrNegativeCounter is returned when a counter is given a negative value.
var ErrNegativeCounter = errors.New("counter values must be non-negative")

// ErrInvalidValue is returned when a sample is NaN or infinite.
var ErrInvalidValue = errors.New("metric values must be finite")

// ParseKind converts a config string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case Counter, Rate, Trend:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown metric kind %q", s)
	}
}

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// KindMismatchError carries the name and both kinds of a conflicting use.
type KindMismatchError struct {
	Metric   string
	Declared Kind
	Used     Kind
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("metric %q declared as %s, used as %s", e.Metric, e.Declared, e.Used)
}

// Unwrap lets errors.Is match ErrMetricKindMismatch.
func (e *KindMismatchError) Unwrap() error {
	return ErrMetricKindMismatch
}
