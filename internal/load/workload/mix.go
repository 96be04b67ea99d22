package workload

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
)

// Mix picks one of several workloads per iteration, proportionally to weight.
type Mix struct {
	workloads  []Workload
	cumulative []int
	total      int
}

// NewMix validates the workloads and builds the selection table.
// A zero weight is treated as 1.
func NewMix(workloads ...Workload) (*Mix, error) {
	if len(workloads) == 0 {
		return nil, fmt.Errorf("at least one workload is required")
	}

	m := &Mix{
		workloads:  make([]Workload, 0, len(workloads)),
		cumulative: make([]int, 0, len(workloads)),
	}

	seen := make(map[string]bool, len(workloads))
	for i, w := range workloads {
		if w.Fn == nil {
			return nil, fmt.Errorf("workload %d (%q): function is required", i, w.Name)
		}
		if w.Weight < 0 {
			return nil, fmt.Errorf("workload %q: weight must not be negative", w.Name)
		}
		if w.Name != "" && seen[w.Name] {
			return nil, fmt.Errorf("workload %q: duplicate name", w.Name)
		}
		seen[w.Name] = true

		if w.Weight == 0 {
			w.Weight = 1
		}
		m.total += w.Weight
		m.workloads = append(m.workloads, w)
		m.cumulative = append(m.cumulative, m.total)
	}

	return m, nil
}

// Len returns the number of workloads.
func (m *Mix) Len() int {
	return len(m.workloads)
}

// Pick returns a workload with probability weight/total. A nil r uses the
// shared math/rand source.
func (m *Mix) Pick(r *rand.Rand) Workload {
	if len(m.workloads) == 1 {
		return m.workloads[0]
	}

	var n int
	if r != nil {
		n = r.Intn(m.total)
	} else {
		n = rand.Intn(m.total)
	}

	i := sort.SearchInts(m.cumulative, n+1)
	return m.workloads[i]
}

// Func returns a Func that runs a freshly picked workload each iteration.
func (m *Mix) Func() Func {
	return func(ctx context.Context, it *Iteration) error {
		w := m.Pick(nil)
		if it.Workload == "" {
			it.Workload = w.Name
		}
		return w.Fn(ctx, it)
	}
}
