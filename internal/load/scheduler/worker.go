package scheduler

import (
	"sync/atomic"
	"time"
)

// WorkerState is the lifecycle state of a worker.
type WorkerState int32

const (
	// StateIdle is between iterations.
	StateIdle WorkerState = iota
	// StateRunning is inside an iteration.
	StateRunning
	// StateStopping has been asked to stop and will exit after the
	// current iteration.
	StateStopping
	// StateStopped has exited.
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Worker is one virtual user. It is owned by the scheduler.
type Worker struct {
	id        int
	spawnedAt time.Time

	state      atomic.Int32
	iterations atomic.Int64
	failures   atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

func newWorker(id int, now time.Time) *Worker {
	return &Worker{
		id:        id,
		spawnedAt: now,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// ID returns the worker id, unique within a run.
func (w *Worker) ID() int {
	return w.id
}

// State returns the current state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// begin moves Idle to Running. It fails once a stop was requested.
func (w *Worker) begin() bool {
	return w.state.CompareAndSwap(int32(StateIdle), int32(StateRunning))
}

// end moves Running back to Idle unless a stop arrived meanwhile.
func (w *Worker) end() {
	w.state.CompareAndSwap(int32(StateRunning), int32(StateIdle))
}

// requestStop asks the worker to exit after its current iteration. It
// reports whether this call made the transition.
func (w *Worker) requestStop() bool {
	if w.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) ||
		w.state.CompareAndSwap(int32(StateIdle), int32(StateStopping)) {
		close(w.stopCh)
		return true
	}
	return false
}

func (w *Worker) stopping() bool {
	s := w.State()
	return s == StateStopping || s == StateStopped
}

func (w *Worker) markStopped() {
	w.state.Store(int32(StateStopped))
	select {
	case <-w.doneCh:
	default:
		close(w.doneCh)
	}
}

// Done is closed once the worker has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// WorkerInfo is a point-in-time view of a worker.
type WorkerInfo struct {
	ID         int
	State      WorkerState
	Iterations int64
	Failures   int64
	SpawnedAt  time.Time
}

func (w *Worker) info() WorkerInfo {
	return WorkerInfo{
		ID:         w.id,
		State:      w.State(),
		Iterations: w.iterations.Load(),
		Failures:   w.failures.Load(),
		SpawnedAt:  w.spawnedAt,
	}
}
