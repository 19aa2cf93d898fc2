package models

import "time"

// StepStatus represents the lifecycle state of a single plan step.
type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
	StepStatusBlocked    StepStatus = "blocked" // A dependency failed; resolvable back to pending
)

// IsTerminal reports whether the step has finished for scheduling purposes.
// Skipped counts as terminal: dependents of a skipped step may run.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	case StepStatusPending, StepStatusInProgress, StepStatusBlocked:
		return false
	}

	return false
}

// PlanStep is one actionable unit of a plan. StepIndex is a strict ordinal
// within the plan, kept dense across insertions. DependsOn lists step ids
// that must be completed or skipped before this step becomes executable.
type PlanStep struct {
	ID          string         `json:"id"`
	PlanID      string         `json:"plan_id" validate:"required"`
	StepIndex   int            `json:"step_index"`
	Description string         `json:"description" validate:"required"`
	Action      string         `json:"action"      validate:"required"`
	Params      map[string]any `json:"params,omitempty"`
	Status      StepStatus     `json:"status"`
	Result      *string        `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Skipped     bool           `json:"skipped"`
	// OriginalDescription snapshots the pre-revision description the first
	// time a step is revised, for audit and undo display.
	OriginalDescription *string    `json:"original_description,omitempty"`
	RevisedAt           *time.Time `json:"revised_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// DependsOnStep reports whether the step lists stepID as a dependency.
func (s *PlanStep) DependsOnStep(stepID string) bool {
	for _, id := range s.DependsOn {
		if id == stepID {
			return true
		}
	}

	return false
}
