package metrics

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownAggregate is returned when a series has no value for an aggregate.
var ErrUnknownAggregate = errors.New("unknown aggregate")

// Snapshot is an immutable, aggregated view of every series.
type Snapshot struct {
	Metrics map[string]SeriesSnapshot `json:"metrics"`
}

// SeriesSnapshot is the aggregate of one series.
//
// Values holds "count" for counters; "rate", "passes" and "fails" for rates;
// "count", "min", "max", "avg", "med", "p(50)", "p(90)", "p(95)" and "p(99)"
// for trends. Every kind also carries "value", the most recent sample.
type SeriesSnapshot struct {
	Kind   Kind               `json:"kind"`
	Count  int64              `json:"samples"`
	Values map[string]float64 `json:"values"`

	sorted []float64
}

// Get returns the series for name.
func (s Snapshot) Get(name string) (SeriesSnapshot, bool) {
	ss, ok := s.Metrics[name]
	return ss, ok
}

// Names returns the metric names in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Metrics))
	for name := range s.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Value returns a named aggregate, e.g. "rate" or "p(95)".
func (ss SeriesSnapshot) Value(aggregate string) (float64, error) {
	if v, ok := ss.Values[aggregate]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("%w %q for %s metric", ErrUnknownAggregate, aggregate, ss.Kind)
}

// Percentile returns the nearest-rank percentile p of a trend.
func (ss SeriesSnapshot) Percentile(p float64) (float64, error) {
	if ss.Kind != Trend {
		return 0, fmt.Errorf("%w: percentiles need a trend, got %s", ErrUnknownAggregate, ss.Kind)
	}
	if p < 0 || p > 100 {
		return 0, fmt.Errorf("percentile %v out of range [0,100]", p)
	}
	return NearestRank(ss.sorted, p), nil
}
