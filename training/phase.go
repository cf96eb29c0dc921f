package training

// Phase is the controller state.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseXE
	PhaseRL
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseXE:
		return "xe"
	case PhaseRL:
		return "rl"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// phaseMachine allows only forward transitions; each fires at most once.
type phaseMachine struct {
	phase Phase
}

func (m *phaseMachine) current() Phase { return m.phase }

// advance moves from want to next and reports whether it did.
func (m *phaseMachine) advance(want, next Phase) bool {
	if m.phase != want {
		return false
	}
	m.phase = next
	return true
}

func (m *phaseMachine) terminate() {
	m.phase = PhaseTerminated
}
