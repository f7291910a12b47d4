package domain

// Phase represents the current stage of a room's round lifecycle
type Phase string

const (
	PhaseSubmitting Phase = "submitting" // Players are submitting answers
	PhaseJudging    Phase = "judging"    // Submissions closed, host is choosing
	PhaseRevealed   Phase = "revealed"   // Winner is shown
)

// String returns the string representation of the phase
func (p Phase) String() string {
	return string(p)
}

// Valid reports whether p is one of the known phases
func (p Phase) Valid() bool {
	switch p {
	case PhaseSubmitting, PhaseJudging, PhaseRevealed:
		return true
	}
	return false
}

// CanTransitionTo checks if a transition from current phase to target phase is valid.
// Advancing to the next round is tolerated from any phase and is not listed here.
func (p Phase) CanTransitionTo(target Phase) bool {
	validTransitions := map[Phase][]Phase{
		PhaseSubmitting: {PhaseJudging},
		PhaseJudging:    {PhaseRevealed},
		PhaseRevealed:   {PhaseSubmitting},
	}

	allowed, ok := validTransitions[p]
	if !ok {
		return false
	}

	for _, phase := range allowed {
		if phase == target {
			return true
		}
	}
	return false
}
