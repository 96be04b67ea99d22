// Package threshold parses pass/fail expressions over aggregated metrics and
// evaluates them against a metrics snapshot.
//
// Expressions have the form "<aggregate> <op> <value>", for example:
//
//	rate > 0.9
//	p(95) < 500
//	p(99.9) <= 1.5s
//	count >= 100
//	value < 50
//
// Values may carry a duration suffix (ms, s, m); they are converted to
// milliseconds, the unit trends record durations in.
package threshold

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrUnknownMetric is reported when a threshold names a metric that was
// never declared or recorded.
var ErrUnknownMetric = errors.New("unknown metric")

// Operator is a comparison operator.
type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

var exprPattern = regexp.MustCompile(`^([a-z]+|p\(\s*[0-9]+(?:\.[0-9]+)?\s*\))\s*(<=|>=|==|!=|<|>)\s*(.+)$`)

var knownAggregates = map[string]bool{
	"count":  true,
	"rate":   true,
	"passes": true,
	"fails":  true,
	"min":    true,
	"max":    true,
	"avg":    true,
	"med":    true,
	"value":  true,
}

// Threshold is a parsed pass/fail expression on one metric.
type Threshold struct {
	Metric      string
	Source      string
	AbortOnFail bool

	aggregate  string
	percentile float64
	op         Operator
	value      float64
}

// Parse parses expr as a threshold on metric.
func Parse(metric, expr string, abortOnFail bool) (*Threshold, error) {
	if strings.TrimSpace(metric) == "" {
		return nil, fmt.Errorf("threshold %q: metric name is required", expr)
	}

	src := strings.TrimSpace(expr)
	m := exprPattern.FindStringSubmatch(src)
	if m == nil {
		return nil, fmt.Errorf("threshold %q on %s: invalid expression format", expr, metric)
	}

	th := &Threshold{
		Metric:      metric,
		Source:      src,
		AbortOnFail: abortOnFail,
		op:          Operator(m[2]),
	}

	agg := strings.ReplaceAll(m[1], " ", "")
	if strings.HasPrefix(agg, "p(") {
		p, err := strconv.ParseFloat(agg[2:len(agg)-1], 64)
		if err != nil || p < 0 || p > 100 {
			return nil, fmt.Errorf("threshold %q on %s: percentile must be within [0,100]", expr, metric)
		}
		th.percentile = p
		th.aggregate = "p"
	} else {
		if !knownAggregates[agg] {
			return nil, fmt.Errorf("threshold %q on %s: unknown aggregate %q", expr, metric, agg)
		}
		th.aggregate = agg
	}

	v, err := parseValue(strings.TrimSpace(m[3]))
	if err != nil {
		return nil, fmt.Errorf("threshold %q on %s: %w", expr, metric, err)
	}
	th.value = v

	return th, nil
}

// MustParse is like Parse but panics on error. Intended for tests and
// hard-coded defaults.
func MustParse(metric, expr string, abortOnFail bool) *Threshold {
	th, err := Parse(metric, expr, abortOnFail)
	if err != nil {
		panic(err)
	}
	return th
}

// parseValue accepts a plain number or a duration, returned in milliseconds.
func parseValue(s string) (float64, error) {
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid threshold value %q", s)
	}
	return float64(d) / float64(time.Millisecond), nil
}

// Key identifies a threshold in evaluation results.
func (t *Threshold) Key() string {
	return t.Metric + ": " + t.Source
}

// Expected renders the right-hand side, e.g. "< 500".
func (t *Threshold) Expected() string {
	return fmt.Sprintf("%s %s", t.op, strconv.FormatFloat(t.value, 'f', -1, 64))
}

// AggregateName renders the left-hand side, e.g. "p(95)".
func (t *Threshold) AggregateName() string {
	if t.aggregate == "p" {
		return "p(" + strconv.FormatFloat(t.percentile, 'f', -1, 64) + ")"
	}
	return t.aggregate
}

// String returns the threshold in "metric: expression" form.
func (t *Threshold) String() string {
	return t.Key()
}

func compare(actual float64, op Operator, want float64) bool {
	switch op {
	case OpLess:
		return actual < want
	case OpLessEqual:
		return actual <= want
	case OpGreater:
		return actual > want
	case OpGreaterEqual:
		return actual >= want
	case OpEqual:
		return actual == want
	case OpNotEqual:
		return actual != want
	default:
		return false
	}
}
