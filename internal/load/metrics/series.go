package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Sample is a single observation. It is never modified after recording.
type Sample struct {
	Metric string            `json:"metric"`
	Value  float64           `json:"value"`
	Time   time.Time         `json:"time"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// Live histogram range, in thousandths of a unit (microseconds for ms trends).
const (
	liveHistMin     = 1
	liveHistMax     = 3_600_000_000
	liveHistSigFigs = 3
)

// series holds the samples of one metric. Callers hold the recorder lock.
type series struct {
	kind    Kind
	samples []Sample

	sum    float64
	passes int64
	min    float64
	max    float64

	// Approximate view for progress output; exact stats come from samples.
	live *hdrhistogram.Histogram
}

func newSeries(kind Kind) *series {
	s := &series{kind: kind}
	if kind == Trend {
		s.live = hdrhistogram.New(liveHistMin, liveHistMax, liveHistSigFigs)
	}
	return s
}

func (s *series) add(sample Sample) {
	first := len(s.samples) == 0
	s.samples = append(s.samples, sample)

	switch s.kind {
	case Counter:
		s.sum += sample.Value
	case Rate:
		if sample.Value != 0 {
			s.passes++
		}
	case Trend:
		s.sum += sample.Value
		if first || sample.Value < s.min {
			s.min = sample.Value
		}
		if first || sample.Value > s.max {
			s.max = sample.Value
		}
		_ = s.live.RecordValue(clampLive(sample.Value))
	}
}

func clampLive(v float64) int64 {
	scaled := int64(math.Round(v * 1000))
	if scaled < liveHistMin {
		return liveHistMin
	}
	if scaled > liveHistMax {
		return liveHistMax
	}
	return scaled
}

// aggregate builds the immutable snapshot view of the series.
func (s *series) aggregate() SeriesSnapshot {
	n := int64(len(s.samples))
	snap := SeriesSnapshot{Kind: s.kind, Count: n}

	last := 0.0
	if n > 0 {
		last = s.samples[n-1].Value
	}

	switch s.kind {
	case Counter:
		snap.Values = map[string]float64{"count": s.sum}
	case Rate:
		rate := 0.0
		if n > 0 {
			rate = float64(s.passes) / float64(n)
		}
		snap.Values = map[string]float64{
			"rate":   rate,
			"passes": float64(s.passes),
			"fails":  float64(n - s.passes),
		}
	case Trend:
		sorted := make([]float64, n)
		for i, sample := range s.samples {
			sorted[i] = sample.Value
		}
		// Stable so equal values keep insertion order.
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		snap.sorted = sorted

		avg := 0.0
		if n > 0 {
			avg = s.sum / float64(n)
		}
		snap.Values = map[string]float64{
			"count": float64(n),
			"min":   s.min,
			"max":   s.max,
			"avg":   avg,
			"med":   NearestRank(sorted, 50),
			"p(50)": NearestRank(sorted, 50),
			"p(90)": NearestRank(sorted, 90),
			"p(95)": NearestRank(sorted, 95),
			"p(99)": NearestRank(sorted, 99),
		}
	}
	snap.Values["value"] = last

	return snap
}

// NearestRank returns the p-th percentile of an ascending slice using the
// nearest-rank method. An empty slice yields 0.
func NearestRank(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// LiveTrend is an approximate, cheap view of a trend for progress output.
type LiveTrend struct {
	Count int64
	Avg   float64
	P95   float64
	Max   float64
}

func (s *series) liveView() LiveTrend {
	if s.live == nil {
		return LiveTrend{}
	}
	return LiveTrend{
		Count: s.live.TotalCount(),
		Avg:   s.live.Mean() / 1000,
		P95:   float64(s.live.ValueAtQuantile(95)) / 1000,
		Max:   float64(s.live.Max()) / 1000,
	}
}
