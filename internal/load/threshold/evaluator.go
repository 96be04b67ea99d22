package threshold

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wesleyorama2/vuramp/internal/load/metrics"
)

// DefaultWatchInterval is how often abort-on-fail thresholds are checked
// while a run is in progress.
const DefaultWatchInterval = 2 * time.Second

// Outcome is the result of one threshold.
type Outcome struct {
	Metric      string  `json:"metric"`
	Expression  string  `json:"expression"`
	Passed      bool    `json:"passed"`
	Actual      float64 `json:"actualValue"`
	Expected    string  `json:"expected"`
	AbortOnFail bool    `json:"abortOnFail,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Result is the verdict over every threshold of a run.
type Result struct {
	Passed       bool               `json:"passed"`
	PerThreshold map[string]Outcome `json:"perThreshold"`

	// Order preserves the configured threshold order for display.
	Order []string `json:"-"`
}

// keys returns Order, or the sorted keys when the result was decoded from JSON.
func (r Result) keys() []string {
	if len(r.Order) > 0 {
		return r.Order
	}
	keys := make([]string, 0, len(r.PerThreshold))
	for key := range r.PerThreshold {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Failed returns the failing outcomes in configured order.
func (r Result) Failed() []Outcome {
	var failed []Outcome
	for _, key := range r.keys() {
		if o := r.PerThreshold[key]; !o.Passed {
			failed = append(failed, o)
		}
	}
	return failed
}

// Outcomes returns every outcome in configured order.
func (r Result) Outcomes() []Outcome {
	keys := r.keys()
	out := make([]Outcome, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.PerThreshold[key])
	}
	return out
}

// Evaluate checks every threshold against snap. A run with no thresholds passes.
func Evaluate(snap metrics.Snapshot, thresholds []*Threshold) Result {
	res := Result{
		Passed:       true,
		PerThreshold: make(map[string]Outcome, len(thresholds)),
		Order:        make([]string, 0, len(thresholds)),
	}

	for _, th := range thresholds {
		o := th.Evaluate(snap)
		key := th.Key()
		if _, dup := res.PerThreshold[key]; !dup {
			res.Order = append(res.Order, key)
		}
		res.PerThreshold[key] = o
		if !o.Passed {
			res.Passed = false
		}
	}

	return res
}

// Evaluate checks the threshold against snap.
//
// A metric that is absent from the snapshot fails with ErrUnknownMetric in
// the outcome; it never panics or returns an error.
func (t *Threshold) Evaluate(snap metrics.Snapshot) Outcome {
	o := Outcome{
		Metric:      t.Metric,
		Expression:  t.Source,
		Expected:    t.Expected(),
		AbortOnFail: t.AbortOnFail,
	}

	actual, err := t.actual(snap)
	if err != nil {
		o.Error = err.Error()
		return o
	}

	o.Actual = actual
	o.Passed = compare(actual, t.op, t.value)
	return o
}

func (t *Threshold) actual(snap metrics.Snapshot) (float64, error) {
	ss, ok := snap.Get(t.Metric)
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownMetric, t.Metric)
	}
	if t.aggregate == "p" {
		return ss.Percentile(t.percentile)
	}
	return ss.Value(t.aggregate)
}

// Watcher evaluates abort-on-fail thresholds while a run is in progress.
type Watcher struct {
	thresholds []*Threshold
	metrics    []string
	snapshot   func(names ...string) metrics.Snapshot
	interval   time.Duration

	once    sync.Once
	tripped Outcome
}

// NewWatcher creates a watcher over the abort-on-fail subset of thresholds.
// snapshot is called on every check with the watched metric names and must be
// safe for concurrent use; Recorder.SnapshotOf fits.
func NewWatcher(thresholds []*Threshold, snapshot func(names ...string) metrics.Snapshot, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	var abortable []*Threshold
	var names []string
	seen := make(map[string]bool)
	for _, th := range thresholds {
		if !th.AbortOnFail {
			continue
		}
		abortable = append(abortable, th)
		if !seen[th.Metric] {
			seen[th.Metric] = true
			names = append(names, th.Metric)
		}
	}

	return &Watcher{
		thresholds: abortable,
		metrics:    names,
		snapshot:   snapshot,
		interval:   interval,
	}
}

// Active reports whether there is anything to watch.
func (w *Watcher) Active() bool {
	return len(w.thresholds) > 0
}

// Check evaluates the watched thresholds once. Metrics without samples yet are
// skipped. It returns the first failing outcome.
func (w *Watcher) Check() (Outcome, bool) {
	if !w.Active() {
		return Outcome{}, false
	}

	snap := w.snapshot(w.metrics...)
	for _, th := range w.thresholds {
		ss, ok := snap.Get(th.Metric)
		if !ok || ss.Count == 0 {
			continue
		}
		if o := th.Evaluate(snap); !o.Passed {
			return o, true
		}
	}
	return Outcome{}, false
}

// Run checks thresholds every interval until ctx is done or one fails, in
// which case onFail is called exactly once.
func (w *Watcher) Run(ctx context.Context, onFail func(Outcome)) error {
	if !w.Active() {
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if o, failed := w.Check(); failed {
				w.once.Do(func() {
					w.tripped = o
					if onFail != nil {
						onFail(o)
					}
				})
				return nil
			}
		}
	}
}

// Tripped returns the outcome that triggered an abort, if any.
func (w *Watcher) Tripped() (Outcome, bool) {
	return w.tripped, w.tripped.Metric != ""
}
