package usecase

import (
	"errors"
	"fmt"

	"postmic/internal/domain"
)

// ErrInvalidTransition is returned when an operation is not allowed in the
// current session state.
var ErrInvalidTransition = errors.New("invalid session state transition")

var transitions = map[domain.SessionState][]domain.SessionState{
	domain.SessionStateIdle:       {domain.SessionStateConnecting},
	domain.SessionStateConnecting: {domain.SessionStateCapturing, domain.SessionStateCancelling, domain.SessionStateError},
	domain.SessionStateCapturing:  {domain.SessionStateStopping, domain.SessionStateCancelling, domain.SessionStateError},
	domain.SessionStateStopping:   {domain.SessionStateIdle, domain.SessionStateError},
	domain.SessionStateCancelling: {domain.SessionStateIdle},
	domain.SessionStateError:      {domain.SessionStateIdle},
}

// lifecycle tracks the controller state. It is guarded by the controller mutex.
type lifecycle struct {
	state domain.SessionState
}

func newLifecycle() *lifecycle {
	return &lifecycle{state: domain.SessionStateIdle}
}

func (l *lifecycle) State() domain.SessionState {
	return l.state
}

func (l *lifecycle) CanTransition(to domain.SessionState) bool {
	for _, next := range transitions[l.state] {
		if next == to {
			return true
		}
	}
	return false
}

func (l *lifecycle) Transition(to domain.SessionState) error {
	if !l.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.state, to)
	}
	l.state = to
	return nil
}

// AcceptsFrames reports whether captured audio may be queued and sent.
func (l *lifecycle) AcceptsFrames() bool {
	return l.state == domain.SessionStateCapturing
}
