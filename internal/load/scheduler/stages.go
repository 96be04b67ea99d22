package scheduler

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/multierr"
)

const (
	// DefaultTick is how often the desired worker count is recomputed.
	DefaultTick = 100 * time.Millisecond
	// DefaultGracefulStop bounds the final drain.
	DefaultGracefulStop = 30 * time.Second
)

// Mode selects what stage targets mean.
type Mode string

const (
	// RampingVUs treats targets as worker counts. It is the default.
	RampingVUs Mode = "ramping-vus"
	// RampingArrivalRate treats targets as iteration starts per second.
	// Iterations are paced independently of how long they take, on a worker
	// pool that grows on demand up to MaxWorkers.
	RampingArrivalRate Mode = "ramping-arrival-rate"
)

// Stage is one segment of the load profile. Over Duration the desired worker
// count (or rate) moves linearly from the previous stage's target to Target.
type Stage struct {
	Duration time.Duration
	Target   int
	Name     string
}

// ThinkTime is a pause between iterations of the same worker. A zero value
// means no pause; Min == Max is a constant pause.
type ThinkTime struct {
	Min time.Duration
	Max time.Duration
}

// next returns the pause before the following iteration.
func (t ThinkTime) next() time.Duration {
	if t.Max <= t.Min {
		return t.Min
	}
	return t.Min + time.Duration(rand.Int63n(int64(t.Max-t.Min)))
}

// Config is the load profile of a run.
//
// In RampingArrivalRate mode StartConcurrency is the number of workers
// spawned up front and MaxWorkers caps the pool; an iteration due while every
// worker is busy at the cap is dropped. ThinkTime does not apply.
type Config struct {
	Mode             Mode
	Stages           []Stage
	StartConcurrency int
	MaxWorkers       int
	Tick             time.Duration
	GracefulStop     time.Duration
	ThinkTime        ThinkTime
}

// Validate checks the stage list and timing settings.
func (c Config) Validate() error {
	var err error

	if len(c.Stages) == 0 {
		err = multierr.Append(err, errors.New("at least one stage is required"))
	}
	switch c.Mode {
	case "", RampingVUs, RampingArrivalRate:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if c.MaxWorkers < 0 {
		err = multierr.Append(err, fmt.Errorf("maxWorkers must not be negative, got %d", c.MaxWorkers))
	}
	if c.StartConcurrency < 0 {
		err = multierr.Append(err, fmt.Errorf("startConcurrency must not be negative, got %d", c.StartConcurrency))
	}
	for i, st := range c.Stages {
		if st.Duration < 0 {
			err = multierr.Append(err, fmt.Errorf("stage %d: duration must not be negative, got %s", i, st.Duration))
		}
		if st.Target < 0 {
			err = multierr.Append(err, fmt.Errorf("stage %d: target must not be negative, got %d", i, st.Target))
		}
	}
	if c.Tick < 0 {
		err = multierr.Append(err, fmt.Errorf("tick must not be negative, got %s", c.Tick))
	}
	if c.GracefulStop < 0 {
		err = multierr.Append(err, fmt.Errorf("gracefulStop must not be negative, got %s", c.GracefulStop))
	}
	if c.ThinkTime.Min < 0 || c.ThinkTime.Max < 0 {
		err = multierr.Append(err, errors.New("think time must not be negative"))
	}
	if c.ThinkTime.Max > 0 && c.ThinkTime.Max < c.ThinkTime.Min {
		err = multierr.Append(err, fmt.Errorf("think time max (%s) is below min (%s)", c.ThinkTime.Max, c.ThinkTime.Min))
	}

	return err
}

func (c Config) withDefaults() Config {
	if c.Tick == 0 {
		c.Tick = DefaultTick
	}
	if c.GracefulStop == 0 {
		c.GracefulStop = DefaultGracefulStop
	}
	if c.Mode == "" {
		c.Mode = RampingVUs
	}
	if c.Mode == RampingArrivalRate {
		if c.StartConcurrency == 0 {
			c.StartConcurrency = 1
		}
		if c.MaxWorkers < c.StartConcurrency {
			c.MaxWorkers = c.StartConcurrency
		}
	}
	return c
}

// TotalDuration is the sum of all stage durations.
func (c Config) TotalDuration() time.Duration {
	var total time.Duration
	for _, st := range c.Stages {
		total += st.Duration
	}
	return total
}

// FinalTarget returns the target of the last stage.
func (c Config) FinalTarget() int {
	if len(c.Stages) == 0 {
		return c.StartConcurrency
	}
	return c.Stages[len(c.Stages)-1].Target
}

// DesiredAt returns the desired worker count and the active stage index at
// elapsed time since the run started.
//
// Within a stage the count is interpolated between the previous target
// (StartConcurrency before the first stage) and the stage target, rounded to
// nearest. A zero-duration stage is never active; its target applies from the
// moment it is reached. Past the last stage the final target is returned.
func (c Config) DesiredAt(elapsed time.Duration) (int, int) {
	v, stage := c.interpolate(elapsed, float64(c.StartConcurrency))
	return int(math.Round(v)), stage
}

// RateAt returns the target iteration rate per second and the active stage
// index at elapsed time. The first stage starts at its own target rather than
// ramping from zero; put a zero-target stage first to ramp up.
func (c Config) RateAt(elapsed time.Duration) (float64, int) {
	start := 0.0
	if len(c.Stages) > 0 {
		start = float64(c.Stages[0].Target)
	}
	return c.interpolate(elapsed, start)
}

func (c Config) interpolate(elapsed time.Duration, start float64) (float64, int) {
	if elapsed < 0 {
		elapsed = 0
	}

	var stageStart time.Duration
	prev := start

	for i, st := range c.Stages {
		stageEnd := stageStart + st.Duration
		if elapsed < stageEnd {
			progress := float64(elapsed-stageStart) / float64(st.Duration)
			return prev + (float64(st.Target)-prev)*progress, i
		}
		prev = float64(st.Target)
		stageStart = stageEnd
	}

	if len(c.Stages) == 0 {
		return start, 0
	}
	return prev, len(c.Stages) - 1
}
