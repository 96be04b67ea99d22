package runner

// State is the lifecycle phase of a Runner.
type State int32

const (
	Idle State = iota
	SettingUp
	Running
	TearingDown
	Evaluating
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SettingUp:
		return "setting_up"
	case Running:
		return "running"
	case TearingDown:
		return "tearing_down"
	case Evaluating:
		return "evaluating"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}
