package scenario

import "time"

// StepState is the sequencing slice of a user's notification state.
type StepState struct {
	LastStepID string
	LastStepAt time.Time
}

// SeqResult classifies a sequencing decision.
type SeqResult int

const (
	// StepDue means the returned step should be sent now.
	StepDue SeqResult = iota
	// StepNotDue means a next step exists but its delay has not elapsed.
	StepNotDue
	// StepNone means the sequence is terminal for this user.
	StepNone
)

// NextStep selects which step of a sequence is due. Side-effect-free: the
// caller persists the chosen step only after a successful send, so a failed
// delivery never advances the sequence.
//
// No prior state starts at index 0. A stale LastStepID (config edited since)
// restarts at index 0. Past the final step the sequence is terminal.
func NextStep(steps []Step, state *StepState, now time.Time) (*Step, SeqResult) {
	if len(steps) == 0 {
		return nil, StepNone
	}

	if state == nil || state.LastStepID == "" {
		return &steps[0], StepDue
	}

	last := -1
	for i := range steps {
		if steps[i].ID == state.LastStepID {
			last = i
			break
		}
	}
	if last == -1 {
		return &steps[0], StepDue
	}

	next := last + 1
	if next >= len(steps) {
		return nil, StepNone
	}

	dueAt := state.LastStepAt.Add(time.Duration(steps[next].DelayHours) * time.Hour)
	if now.Before(dueAt) {
		return nil, StepNotDue
	}
	return &steps[next], StepDue
}
