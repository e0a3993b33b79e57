package pipeline

// State is a step of a single pipeline run.
type State int

const (
	StateReceived State = iota
	StateValidated
	StateAuthorized
	StateResourceAcquired
	StateExecuting
	StateCompleted
	StateFailed
	StateDenied
	StateAudited
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateValidated:
		return "validated"
	case StateAuthorized:
		return "authorized"
	case StateResourceAcquired:
		return "resource_acquired"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateDenied:
		return "denied"
	case StateAudited:
		return "audited"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// MarshalText lets states appear by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// outcome is the terminal result state for a run that stopped at s with err.
// Anything that fails before execution is a denial.
func outcome(reached State, err error) State {
	switch {
	case err == nil:
		return StateCompleted
	case reached >= StateExecuting:
		return StateFailed
	default:
		return StateDenied
	}
}
