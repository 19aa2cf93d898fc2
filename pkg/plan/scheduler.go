// Package plan implements the dependency-aware execution controller for
// multi-step automated plans, with concurrency capping and revision support.
package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/atelierhq/atelier/pkg/events"
	"github.com/atelierhq/atelier/pkg/eventbus"
	"github.com/atelierhq/atelier/pkg/models"
	"github.com/atelierhq/atelier/pkg/persistence"
)

var (
	// ErrPlanNotFound is returned when a plan is not found.
	ErrPlanNotFound = persistence.ErrPlanNotFound

	// ErrStepNotFound is returned when a plan step is not found.
	ErrStepNotFound = persistence.ErrStepNotFound

	// ErrInvalidTransition indicates a plan status change the state machine
	// does not permit.
	ErrInvalidTransition = errors.New("invalid plan status transition")

	// ErrStepNotPending indicates a revision or start on a step no longer
	// pending. In-flight and terminal steps are immutable.
	ErrStepNotPending = errors.New("plan step is not pending")

	// ErrStepNotInProgress indicates a completion or failure report for a
	// step that was never started.
	ErrStepNotInProgress = errors.New("plan step is not in progress")

	// ErrInvalidParams indicates step parameters that fail their action's
	// schema.
	ErrInvalidParams = errors.New("step params failed schema validation")
)

// Scheduler tracks plan and step status and dependency resolution. It only
// reports what is currently eligible; admission and the actual step
// execution belong to the caller.
type Scheduler struct {
	spaceID     string
	store       persistence.Persistence
	schemas     *SchemaRegistry
	bus         eventbus.Broadcaster
	logger      *slog.Logger
	validate    *validator.Validate
	maxParallel int
}

// DefaultMaxParallel bounds plan concurrency when neither the request nor
// the configuration sets one.
const DefaultMaxParallel = 2

// NewScheduler creates a plan scheduler. maxParallelDefault applies to plans
// created without their own bound; zero or less falls back to
// DefaultMaxParallel.
func NewScheduler(spaceID string, store persistence.Persistence, schemas *SchemaRegistry, maxParallelDefault int, bus eventbus.Broadcaster, logger *slog.Logger) *Scheduler {
	if maxParallelDefault <= 0 {
		maxParallelDefault = DefaultMaxParallel
	}

	return &Scheduler{
		spaceID:     spaceID,
		store:       store,
		schemas:     schemas,
		bus:         bus,
		logger:      logger,
		validate:    validator.New(),
		maxParallel: maxParallelDefault,
	}
}

// StepSpec describes one step of a new plan. DependsOn lists indexes into
// the request's step slice; they are resolved to step ids at creation.
type StepSpec struct {
	Description string `validate:"required"`
	Action      string `validate:"required"`
	Params      map[string]any
	DependsOn   []int
}

// CreateRequest describes a new plan in planning status.
type CreateRequest struct {
	Goal        string `validate:"required"`
	AutoAdvance bool
	MaxParallel int `validate:"min=1"`
	CreatedBy   string
	Steps       []StepSpec `validate:"min=1,dive"`
}

// Create persists a plan and its steps, validating step parameters against
// their action schemas and resolving dependency indexes to step ids.
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (*models.Plan, []*models.PlanStep, error) {
	if req.MaxParallel == 0 {
		req.MaxParallel = s.maxParallel
	}

	if err := s.validate.Struct(req); err != nil {
		return nil, nil, fmt.Errorf("invalid request: %w", err)
	}

	for i, spec := range req.Steps {
		if err := s.schemas.ValidateParams(spec.Action, spec.Params); err != nil {
			return nil, nil, fmt.Errorf("step %d: %w", i, err)
		}

		for _, dep := range spec.DependsOn {
			if dep < 0 || dep >= len(req.Steps) || dep == i {
				return nil, nil, fmt.Errorf("step %d: dependency index %d out of range", i, dep)
			}
		}
	}

	plan := &models.Plan{
		Goal:        req.Goal,
		Status:      models.PlanStatusPlanning,
		AutoAdvance: req.AutoAdvance,
		MaxParallel: req.MaxParallel,
		CreatedBy:   req.CreatedBy,
	}

	if err := s.store.Plans().SavePlan(ctx, plan); err != nil {
		return nil, nil, err
	}

	steps := make([]*models.PlanStep, len(req.Steps))

	// First pass assigns ids so dependency indexes can reference later steps.
	for i, spec := range req.Steps {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to generate step ID: %w", err)
		}

		steps[i] = &models.PlanStep{
			ID:          id.String(),
			PlanID:      plan.ID,
			StepIndex:   i,
			Description: spec.Description,
			Action:      spec.Action,
			Params:      spec.Params,
			Status:      models.StepStatusPending,
		}
	}

	for i, spec := range req.Steps {
		for _, dep := range spec.DependsOn {
			steps[i].DependsOn = append(steps[i].DependsOn, steps[dep].ID)
		}
	}

	for _, step := range steps {
		if err := s.store.Plans().SaveStep(ctx, step); err != nil {
			return nil, nil, err
		}
	}

	s.publish(ctx, &events.PlanCreated{
		BaseEvent: s.newBaseEvent(events.PlanCreatedEvent),
		Plan:      plan,
	})

	return plan, steps, nil
}

// Approve moves a plan from planning to executing.
func (s *Scheduler) Approve(ctx context.Context, planID string) error {
	return s.transition(ctx, planID, models.PlanStatusPlanning, models.PlanStatusExecuting)
}

// Pause suspends an executing plan.
func (s *Scheduler) Pause(ctx context.Context, planID string) error {
	return s.transition(ctx, planID, models.PlanStatusExecuting, models.PlanStatusPaused)
}

// Resume returns a paused plan to executing.
func (s *Scheduler) Resume(ctx context.Context, planID string) error {
	return s.transition(ctx, planID, models.PlanStatusPaused, models.PlanStatusExecuting)
}

// Cancel moves any non-terminal plan to cancelled. Cancellation is
// cooperative: in-flight external work is not interrupted, its reports are
// simply recorded against a cancelled plan.
func (s *Scheduler) Cancel(ctx context.Context, planID string) error {
	plan, err := s.getPlan(ctx, planID)
	if err != nil {
		return err
	}

	if plan.Status.IsTerminal() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, plan.Status, models.PlanStatusCancelled)
	}

	plan.Status = models.PlanStatusCancelled

	if err := s.store.Plans().SavePlan(ctx, plan); err != nil {
		return err
	}

	s.publishPlanUpdated(ctx, plan)

	return nil
}

// GetExecutableSteps returns the pending steps whose entire dependency set
// is already completed or skipped, in step-index order. A positive limit
// truncates the result, preferring earlier-authored steps.
func (s *Scheduler) GetExecutableSteps(ctx context.Context, planID string, limit int) ([]*models.PlanStep, error) {
	steps, err := s.store.Plans().GetSteps(ctx, planID)
	if err != nil {
		return nil, err
	}

	terminal := make(map[string]struct{})

	for _, step := range steps {
		if step.Status == models.StepStatusCompleted || step.Status == models.StepStatusSkipped {
			terminal[step.ID] = struct{}{}
		}
	}

	executable := make([]*models.PlanStep, 0)

	for _, step := range steps {
		if step.Status != models.StepStatusPending {
			continue
		}

		ready := true

		for _, dep := range step.DependsOn {
			if _, ok := terminal[dep]; !ok {
				ready = false

				break
			}
		}

		if !ready {
			continue
		}

		executable = append(executable, step)

		if limit > 0 && len(executable) >= limit {
			break
		}
	}

	return executable, nil
}

// NextSteps reports the steps the caller may admit right now: executable
// steps capped at max_parallel minus the current active count. An empty
// result is returned for plans that are not executing, and for plans with
// auto-advance disabled, where each step awaits explicit user approval.
func (s *Scheduler) NextSteps(ctx context.Context, planID string) ([]*models.PlanStep, error) {
	plan, err := s.getPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	if plan.Status != models.PlanStatusExecuting || !plan.AutoAdvance {
		return make([]*models.PlanStep, 0), nil
	}

	limit := plan.MaxParallel - plan.ActiveStepCount
	if limit <= 0 {
		return make([]*models.PlanStep, 0), nil
	}

	return s.GetExecutableSteps(ctx, planID, limit)
}

// StartStep moves a pending step to in_progress and increments the plan's
// active-step count.
func (s *Scheduler) StartStep(ctx context.Context, stepID string) error {
	step, err := s.getStep(ctx, stepID)
	if err != nil {
		return err
	}

	if step.Status != models.StepStatusPending {
		return fmt.Errorf("%w: %s", ErrStepNotPending, step.Status)
	}

	plan, err := s.getPlan(ctx, step.PlanID)
	if err != nil {
		return err
	}

	step.Status = models.StepStatusInProgress

	if err := s.store.Plans().SaveStep(ctx, step); err != nil {
		return err
	}

	plan.ActiveStepCount++
	plan.CurrentStep = step.StepIndex

	if err := s.store.Plans().SavePlan(ctx, plan); err != nil {
		return err
	}

	s.publishStepUpdated(ctx, step)

	return nil
}

// CompleteStep records a successful step result, decrements the active
// count, and completes the plan once every step is terminal.
func (s *Scheduler) CompleteStep(ctx context.Context, stepID string, result string) error {
	step, err := s.getStep(ctx, stepID)
	if err != nil {
		return err
	}

	if step.Status != models.StepStatusInProgress {
		return fmt.Errorf("%w: %s", ErrStepNotInProgress, step.Status)
	}

	step.Status = models.StepStatusCompleted
	step.Result = &result
	step.Error = nil

	if err := s.store.Plans().SaveStep(ctx, step); err != nil {
		return err
	}

	s.publishStepUpdated(ctx, step)

	return s.settleStepEnd(ctx, step.PlanID, false)
}

// FailStep records a step failure, decrements the active count, blocks the
// failed step's direct dependents, and fails the plan.
func (s *Scheduler) FailStep(ctx context.Context, stepID string, message string) error {
	step, err := s.getStep(ctx, stepID)
	if err != nil {
		return err
	}

	if step.Status != models.StepStatusInProgress {
		return fmt.Errorf("%w: %s", ErrStepNotInProgress, step.Status)
	}

	step.Status = models.StepStatusFailed
	step.Error = &message

	if err := s.store.Plans().SaveStep(ctx, step); err != nil {
		return err
	}

	s.publishStepUpdated(ctx, step)

	if err := s.BlockDependentSteps(ctx, step.PlanID, step.ID); err != nil {
		return err
	}

	return s.settleStepEnd(ctx, step.PlanID, true)
}

// SkipStep marks a pending step skipped. Skipped steps count as resolved
// for their dependents.
func (s *Scheduler) SkipStep(ctx context.Context, stepID string) error {
	step, err := s.getStep(ctx, stepID)
	if err != nil {
		return err
	}

	if step.Status != models.StepStatusPending {
		return fmt.Errorf("%w: %s", ErrStepNotPending, step.Status)
	}

	step.Status = models.StepStatusSkipped
	step.Skipped = true

	if err := s.store.Plans().SaveStep(ctx, step); err != nil {
		return err
	}

	s.publishStepUpdated(ctx, step)

	return s.settleStepEnd(ctx, step.PlanID, false)
}

// BlockDependentSteps transitions every pending step that depends on the
// failed step to blocked. This is a one-level cascade per failure: steps
// depending on a newly blocked step are not re-scanned here, and need their
// own explicit handling if their dependency later fails.
func (s *Scheduler) BlockDependentSteps(ctx context.Context, planID, failedStepID string) error {
	steps, err := s.store.Plans().GetSteps(ctx, planID)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if step.Status != models.StepStatusPending || !step.DependsOnStep(failedStepID) {
			continue
		}

		step.Status = models.StepStatusBlocked

		if err := s.store.Plans().SaveStep(ctx, step); err != nil {
			return err
		}

		s.publishStepUpdated(ctx, step)
	}

	return nil
}

// ReresolveBlockedSteps returns blocked steps to pending once none of their
// dependencies remain failed (after a revision skipped or replaced the
// failing step).
func (s *Scheduler) ReresolveBlockedSteps(ctx context.Context, planID string) error {
	steps, err := s.store.Plans().GetSteps(ctx, planID)
	if err != nil {
		return err
	}

	failed := make(map[string]struct{})

	for _, step := range steps {
		if step.Status == models.StepStatusFailed {
			failed[step.ID] = struct{}{}
		}
	}

	for _, step := range steps {
		if step.Status != models.StepStatusBlocked {
			continue
		}

		resolved := true

		for _, dep := range step.DependsOn {
			if _, ok := failed[dep]; ok {
				resolved = false

				break
			}
		}

		if !resolved {
			continue
		}

		step.Status = models.StepStatusPending

		if err := s.store.Plans().SaveStep(ctx, step); err != nil {
			return err
		}

		s.publishStepUpdated(ctx, step)
	}

	return nil
}

// InsertStepAfter inserts a new pending step immediately after the anchor
// step, shifting every later step's ordinal up by one first so ordering
// stays strict.
func (s *Scheduler) InsertStepAfter(ctx context.Context, afterStepID string, spec StepSpec) (*models.PlanStep, error) {
	anchor, err := s.getStep(ctx, afterStepID)
	if err != nil {
		return nil, err
	}

	if err := s.schemas.ValidateParams(spec.Action, spec.Params); err != nil {
		return nil, err
	}

	if err := s.store.Plans().ShiftStepsAfter(ctx, anchor.PlanID, anchor.StepIndex); err != nil {
		return nil, err
	}

	step := &models.PlanStep{
		PlanID:      anchor.PlanID,
		StepIndex:   anchor.StepIndex + 1,
		Description: spec.Description,
		Action:      spec.Action,
		Params:      spec.Params,
		Status:      models.StepStatusPending,
	}

	if err := s.store.Plans().SaveStep(ctx, step); err != nil {
		return nil, err
	}

	if err := s.recordRevision(ctx, anchor.PlanID); err != nil {
		return nil, err
	}

	s.publishStepUpdated(ctx, step)

	return step, nil
}

// UpdateStepParams revises a pending step's parameters. In-flight and
// terminal steps are immutable.
func (s *Scheduler) UpdateStepParams(ctx context.Context, stepID string, params map[string]any) error {
	step, err := s.getStep(ctx, stepID)
	if err != nil {
		return err
	}

	if step.Status != models.StepStatusPending {
		return fmt.Errorf("%w: %s", ErrStepNotPending, step.Status)
	}

	if err := s.schemas.ValidateParams(step.Action, params); err != nil {
		return err
	}

	s.snapshotOriginal(step)
	step.Params = params

	if err := s.store.Plans().SaveStep(ctx, step); err != nil {
		return err
	}

	if err := s.recordRevision(ctx, step.PlanID); err != nil {
		return err
	}

	s.publishStepUpdated(ctx, step)

	return nil
}

// UpdateStepDescription revises a pending step's description, snapshotting
// the original the first time.
func (s *Scheduler) UpdateStepDescription(ctx context.Context, stepID string, description string) error {
	step, err := s.getStep(ctx, stepID)
	if err != nil {
		return err
	}

	if step.Status != models.StepStatusPending {
		return fmt.Errorf("%w: %s", ErrStepNotPending, step.Status)
	}

	s.snapshotOriginal(step)
	step.Description = description

	if err := s.store.Plans().SaveStep(ctx, step); err != nil {
		return err
	}

	if err := s.recordRevision(ctx, step.PlanID); err != nil {
		return err
	}

	s.publishStepUpdated(ctx, step)

	return nil
}

// Archive deletes a terminal plan and its steps.
func (s *Scheduler) Archive(ctx context.Context, planID string) error {
	plan, err := s.getPlan(ctx, planID)
	if err != nil {
		return err
	}

	if !plan.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot archive %s plan", ErrInvalidTransition, plan.Status)
	}

	if err := s.store.Plans().DeletePlan(ctx, planID); err != nil {
		return err
	}

	s.publish(ctx, &events.PlanDeleted{
		BaseEvent: s.newBaseEvent(events.PlanDeletedEvent),
		PlanID:    planID,
	})

	return nil
}

// Get returns a plan by id, or ErrPlanNotFound.
func (s *Scheduler) Get(ctx context.Context, planID string) (*models.Plan, error) {
	return s.getPlan(ctx, planID)
}

// Steps returns a plan's steps in ordinal order.
func (s *Scheduler) Steps(ctx context.Context, planID string) ([]*models.PlanStep, error) {
	return s.store.Plans().GetSteps(ctx, planID)
}

// settleStepEnd decrements the active count after a step ends and settles
// the plan status: failed on step failure, completed once every step is
// terminal.
func (s *Scheduler) settleStepEnd(ctx context.Context, planID string, stepFailed bool) error {
	plan, err := s.getPlan(ctx, planID)
	if err != nil {
		return err
	}

	if plan.ActiveStepCount > 0 {
		plan.ActiveStepCount--
	}

	if stepFailed && plan.Status == models.PlanStatusExecuting {
		plan.Status = models.PlanStatusFailed
	}

	if !stepFailed && plan.Status == models.PlanStatusExecuting {
		steps, err := s.store.Plans().GetSteps(ctx, planID)
		if err != nil {
			return err
		}

		done := true

		for _, step := range steps {
			if !step.Status.IsTerminal() {
				done = false

				break
			}
		}

		if done {
			plan.Status = models.PlanStatusCompleted
		}
	}

	if err := s.store.Plans().SavePlan(ctx, plan); err != nil {
		return err
	}

	s.publishPlanUpdated(ctx, plan)

	return nil
}

func (s *Scheduler) transition(ctx context.Context, planID string, from, to models.PlanStatus) error {
	plan, err := s.getPlan(ctx, planID)
	if err != nil {
		return err
	}

	if plan.Status != from {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, plan.Status, to)
	}

	plan.Status = to

	if err := s.store.Plans().SavePlan(ctx, plan); err != nil {
		return err
	}

	s.publishPlanUpdated(ctx, plan)

	return nil
}

// snapshotOriginal records the pre-revision description the first time a
// step is revised.
func (s *Scheduler) snapshotOriginal(step *models.PlanStep) {
	if step.OriginalDescription == nil {
		original := step.Description
		step.OriginalDescription = &original
	}

	now := time.Now().UTC()
	step.RevisedAt = &now
}

func (s *Scheduler) recordRevision(ctx context.Context, planID string) error {
	plan, err := s.getPlan(ctx, planID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	plan.RevisionCount++
	plan.RevisedAt = &now

	if err := s.store.Plans().SavePlan(ctx, plan); err != nil {
		return err
	}

	s.publishPlanUpdated(ctx, plan)

	return nil
}

func (s *Scheduler) getPlan(ctx context.Context, planID string) (*models.Plan, error) {
	plan, err := s.store.Plans().GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	if plan == nil {
		return nil, ErrPlanNotFound
	}

	return plan, nil
}

func (s *Scheduler) getStep(ctx context.Context, stepID string) (*models.PlanStep, error) {
	step, err := s.store.Plans().GetStep(ctx, stepID)
	if err != nil {
		return nil, err
	}

	if step == nil {
		return nil, ErrStepNotFound
	}

	return step, nil
}

func (s *Scheduler) publishPlanUpdated(ctx context.Context, plan *models.Plan) {
	s.publish(ctx, &events.PlanUpdated{
		BaseEvent: s.newBaseEvent(events.PlanUpdatedEvent),
		Plan:      plan,
	})
}

func (s *Scheduler) publishStepUpdated(ctx context.Context, step *models.PlanStep) {
	s.publish(ctx, &events.PlanStepUpdated{
		BaseEvent: s.newBaseEvent(events.PlanStepUpdatedEvent),
		Step:      step,
	})
}

func (s *Scheduler) newBaseEvent(eventType events.EventType) events.BaseEvent {
	return events.BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SpaceID:   s.spaceID,
	}
}

func (s *Scheduler) publish(ctx context.Context, event events.Event) {
	if s.bus == nil {
		return
	}

	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to broadcast event",
			"event_type", event.GetType(), "error", err)
	}
}
