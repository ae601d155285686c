package core

import "fmt"

// LaunchPhase represents a stage of the launch state machine.
type LaunchPhase string

const (
	// PhaseIdle is the initial phase, and the phase after an explicit reset.
	PhaseIdle LaunchPhase = "idle"

	// PhaseLaunching is entered at the start of every attempt. Crash history
	// is consulted here.
	PhaseLaunching LaunchPhase = "launching"

	// PhaseVerifyingIntegrity runs the store and memory probes.
	PhaseVerifyingIntegrity LaunchPhase = "verifying_integrity"

	// PhaseInitializing runs the bootstrap collaborator (full or safe).
	PhaseInitializing LaunchPhase = "initializing"

	// PhaseVerifyingResult re-probes the store after initialization.
	PhaseVerifyingResult LaunchPhase = "verifying_result"

	// PhaseSucceeded is reached when an attempt completes cleanly.
	PhaseSucceeded LaunchPhase = "succeeded"

	// PhaseFailed is reached when an attempt fails. It is terminal once the
	// attempt budget is spent.
	PhaseFailed LaunchPhase = "failed"
)

// AllLaunchPhases returns all phases in the order an attempt visits them.
func AllLaunchPhases() []LaunchPhase {
	return []LaunchPhase{
		PhaseIdle,
		PhaseLaunching,
		PhaseVerifyingIntegrity,
		PhaseInitializing,
		PhaseVerifyingResult,
		PhaseSucceeded,
		PhaseFailed,
	}
}

// InProgress reports whether the phase belongs to a running attempt.
func (p LaunchPhase) InProgress() bool {
	switch p {
	case PhaseLaunching, PhaseVerifyingIntegrity, PhaseInitializing, PhaseVerifyingResult:
		return true
	default:
		return false
	}
}

// IsValid checks if the phase is a known launch phase.
func (p LaunchPhase) IsValid() bool {
	for _, known := range AllLaunchPhases() {
		if p == known {
			return true
		}
	}
	return false
}

// String returns the string representation.
func (p LaunchPhase) String() string {
	return string(p)
}

// ParseLaunchPhase converts a string to a LaunchPhase.
func ParseLaunchPhase(s string) (LaunchPhase, error) {
	p := LaunchPhase(s)
	if !p.IsValid() {
		return "", fmt.Errorf("invalid launch phase: %s", s)
	}
	return p, nil
}
