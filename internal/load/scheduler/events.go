package scheduler

import "time"

// EventKind identifies a scheduler event.
type EventKind int

const (
	StageEntered EventKind = iota
	WorkerSpawned
	WorkerStopping
	WorkerStopped
	IterationFailed
	DrainStarted
	DrainDeadlineExceeded
	AbortRequested
)

func (k EventKind) String() string {
	switch k {
	case StageEntered:
		return "stage_entered"
	case WorkerSpawned:
		return "worker_spawned"
	case WorkerStopping:
		return "worker_stopping"
	case WorkerStopped:
		return "worker_stopped"
	case IterationFailed:
		return "iteration_failed"
	case DrainStarted:
		return "drain_started"
	case DrainDeadlineExceeded:
		return "drain_deadline_exceeded"
	case AbortRequested:
		return "abort_requested"
	default:
		return "unknown"
	}
}

// Event describes something the scheduler did. Fields that do not apply to
// a kind are zero.
type Event struct {
	Kind      EventKind
	Time      time.Time
	Elapsed   time.Duration
	WorkerID  int
	Stage     int
	StageName string
	Desired   int
	Live      int
	Rate      float64
	Reason    string
	Err       error
}

// Observer receives scheduler events. OnEvent is called from the tick loop
// and from worker goroutines, so implementations must be safe for concurrent
// use and must not call back into the scheduler.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent calls f(e).
func (f ObserverFunc) OnEvent(e Event) {
	f(e)
}

type nopObserver struct{}

func (nopObserver) OnEvent(Event) {}

// Observers fans events out to several observers.
type Observers []Observer

// OnEvent forwards e to every observer in order.
func (os Observers) OnEvent(e Event) {
	for _, o := range os {
		if o != nil {
			o.OnEvent(e)
		}
	}
}

// Point is one entry of the desired-concurrency history.
type Point struct {
	Elapsed time.Duration `json:"elapsed"`
	Desired int           `json:"desired"`
	Live    int           `json:"live"`
	Rate    float64       `json:"rate,omitempty"`
}
