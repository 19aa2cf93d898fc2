package models

import "time"

// PlanStatus represents the lifecycle state of an execution plan.
type PlanStatus string

const (
	PlanStatusPlanning  PlanStatus = "planning"  // Drafted, awaiting user approval
	PlanStatusExecuting PlanStatus = "executing" // Approved, steps being dispatched
	PlanStatusPaused    PlanStatus = "paused"    // Manually paused, resumable
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
	PlanStatusCancelled PlanStatus = "cancelled"
)

// IsTerminal reports whether the plan can no longer change state.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanStatusCompleted, PlanStatusFailed, PlanStatusCancelled:
		return true
	case PlanStatusPlanning, PlanStatusExecuting, PlanStatusPaused:
		return false
	}

	return false
}

// Plan is a user-approved multi-step automated workflow. MaxParallel bounds
// how many steps may run at once; ActiveStepCount tracks how many currently
// are. The scheduler reports eligibility, it does not queue.
type Plan struct {
	ID              string     `json:"id"`
	Goal            string     `json:"goal" validate:"required"`
	Status          PlanStatus `json:"status"`
	CurrentStep     int        `json:"current_step"`
	AutoAdvance     bool       `json:"auto_advance"`
	MaxParallel     int        `json:"max_parallel" validate:"min=1"`
	ActiveStepCount int        `json:"active_step_count"`
	RevisionCount   int        `json:"revision_count"`
	RevisedAt       *time.Time `json:"revised_at,omitempty"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
