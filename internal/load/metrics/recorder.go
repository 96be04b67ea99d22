package metrics

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Recorder accumulates samples into series keyed by metric name.
//
// # Thread Safety
//
// Recorder is safe for concurrent use. Every append is serialized by a single
// mutex. Every aggregate except "value" is order-independent, so samples from
// different workers may arrive in any order.
type Recorder struct {
	mu     sync.Mutex
	series map[string]*series
	now    func() time.Time
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		series: make(map[string]*series),
		now:    time.Now,
	}
}

// Declare fixes the kind of a metric before first use.
//
// Declaring the same name twice with the same kind is a no-op. Declaring it
// with a different kind returns a *KindMismatchError.
func (r *Recorder) Declare(name string, kind Kind) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("metric name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.seriesFor(name, kind)
	return err
}

// seriesFor returns the series for name, creating it with kind if absent.
// Callers must hold r.mu.
func (r *Recorder) seriesFor(name string, kind Kind) (*series, error) {
	s, ok := r.series[name]
	if !ok {
		s = newSeries(kind)
		r.series[name] = s
		return s, nil
	}
	if s.kind != kind {
		return nil, &KindMismatchError{Metric: name, Declared: s.kind, Used: kind}
	}
	return s, nil
}

// Record appends a sample to the named series.
//
// The kind must match the declared kind, or becomes the declared kind when the
// name is used for the first time.
func (r *Recorder) Record(name string, kind Kind, value float64, tags map[string]string) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("metric %q: %w: %v", name, ErrInvalidValue, value)
	}
	if kind == Counter && value < 0 {
		return fmt.Errorf("metric %q: %w", name, ErrNegativeCounter)
	}

	sample := Sample{
		Metric: name,
		Value:  value,
		Time:   r.now(),
		Tags:   copyTags(tags),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.seriesFor(name, kind)
	if err != nil {
		return err
	}
	s.add(sample)
	return nil
}

// Add records a counter increment.
func (r *Recorder) Add(name string, value float64, tags map[string]string) error {
	return r.Record(name, Counter, value, tags)
}

// AddRate records a pass (true) or fail (false) sample on a rate.
func (r *Recorder) AddRate(name string, ok bool, tags map[string]string) error {
	v := 0.0
	if ok {
		v = 1
	}
	return r.Record(name, Rate, v, tags)
}

// AddTrend records a value on a trend.
func (r *Recorder) AddTrend(name string, value float64, tags map[string]string) error {
	return r.Record(name, Trend, value, tags)
}

// AddDuration records a duration on a trend, in milliseconds.
func (r *Recorder) AddDuration(name string, d time.Duration, tags map[string]string) error {
	return r.Record(name, Trend, float64(d)/float64(time.Millisecond), tags)
}

// Check records a named check result on its own rate and on the shared
// "checks" rate. It returns ok so callers can chain on it.
func (r *Recorder) Check(name string, ok bool, tags map[string]string) (bool, error) {
	if err := r.AddRate(name, ok, tags); err != nil {
		return ok, err
	}
	checkTags := copyTags(tags)
	if checkTags == nil {
		checkTags = make(map[string]string, 1)
	}
	checkTags["check"] = name
	return ok, r.AddRate(Checks, ok, checkTags)
}

// Kind returns the declared kind of a metric.
func (r *Recorder) Kind(name string) (Kind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.series[name]
	if !ok {
		return "", false
	}
	return s.kind, true
}

// Names returns every known metric name in sorted order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.series))
	for name := range r.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Samples returns a copy of the samples recorded for name, in recording order.
func (r *Recorder) Samples(name string) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.series[name]
	if !ok {
		return nil
	}
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}

// Count returns the number of samples recorded for name.
func (r *Recorder) Count(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.series[name]; ok {
		return int64(len(s.samples))
	}
	return 0
}

// Live returns the approximate histogram view of a trend. Non-trends and
// unknown names return the zero value.
func (r *Recorder) Live(name string) LiveTrend {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.series[name]; ok {
		return s.liveView()
	}
	return LiveTrend{}
}

// Snapshot aggregates every series. It does not modify the recorder, so two
// calls without intervening records return identical aggregates.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{Metrics: make(map[string]SeriesSnapshot, len(r.series))}
	for name, s := range r.series {
		snap.Metrics[name] = s.aggregate()
	}
	return snap
}

// SnapshotOf aggregates only the named series. Unknown names are left out.
// Use it for periodic checks that need a few metrics, since aggregating a
// trend sorts its samples under the recorder lock.
func (r *Recorder) SnapshotOf(names ...string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{Metrics: make(map[string]SeriesSnapshot, len(names))}
	for _, name := range names {
		if _, done := snap.Metrics[name]; done {
			continue
		}
		if s, ok := r.series[name]; ok {
			snap.Metrics[name] = s.aggregate()
		}
	}
	return snap
}

// Reset discards all samples while keeping declared kinds.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, s := range r.series {
		r.series[name] = newSeries(s.kind)
	}
}

func copyTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
