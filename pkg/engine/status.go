package engine

import (
	"fmt"
)

// RunStatus represents the overall status of one command run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates the run completed successfully.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run stopped at a failed step.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the operator interrupted the run.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// StepStatus represents the outcome of a single step, such as one install leaf.
type StepStatus string

const (
	// StepStatusAlreadySatisfied indicates every package of the leaf was present.
	StepStatusAlreadySatisfied StepStatus = "already_satisfied"

	// StepStatusInstalled indicates missing packages were installed.
	StepStatusInstalled StepStatus = "installed"

	// StepStatusSkipped indicates the operator declined the unit.
	StepStatusSkipped StepStatus = "skipped"

	// StepStatusPlanned indicates a dry run selected the unit without acting.
	StepStatusPlanned StepStatus = "planned"

	// StepStatusSucceeded indicates a non-install step completed.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step failed and aborted the run.
	StepStatusFailed StepStatus = "failed"
)

// Changed returns true if the step mutated the system.
func (s StepStatus) Changed() bool {
	return s == StepStatusInstalled || s == StepStatusSucceeded
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusAlreadySatisfied, StepStatusInstalled, StepStatusSkipped,
		StepStatusPlanned, StepStatusSucceeded, StepStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}
