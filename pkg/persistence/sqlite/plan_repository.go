package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atelierhq/atelier/pkg/models"
)

// PlanRepository handles plan and plan-step database operations.
type PlanRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPlanRepository creates a new plan repository.
func NewPlanRepository(db *sql.DB, logger *slog.Logger) *PlanRepository {
	return &PlanRepository{db: db, logger: logger}
}

// SavePlan upserts a plan, generating an id and timestamps as needed.
func (r *PlanRepository) SavePlan(ctx context.Context, plan *models.Plan) error {
	now := time.Now().UTC()

	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}

	plan.UpdatedAt = now

	if plan.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate plan ID: %w", err)
		}

		plan.ID = id.String()
	}

	query := `
		INSERT INTO plans (id, goal, status, current_step, auto_advance, max_parallel,
			active_step_count, revision_count, revised_at, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			goal = EXCLUDED.goal,
			status = EXCLUDED.status,
			current_step = EXCLUDED.current_step,
			auto_advance = EXCLUDED.auto_advance,
			max_parallel = EXCLUDED.max_parallel,
			active_step_count = EXCLUDED.active_step_count,
			revision_count = EXCLUDED.revision_count,
			revised_at = EXCLUDED.revised_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		plan.ID,
		plan.Goal,
		plan.Status,
		plan.CurrentStep,
		plan.AutoAdvance,
		plan.MaxParallel,
		plan.ActiveStepCount,
		plan.RevisionCount,
		plan.RevisedAt,
		plan.CreatedBy,
		plan.CreatedAt,
		plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", err)
	}

	return nil
}

// GetPlan returns a plan by its ID, or nil if it does not exist.
func (r *PlanRepository) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	query := planSelect + ` WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)

	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}

	return plan, nil
}

// GetPlans returns all plans, newest first.
func (r *PlanRepository) GetPlans(ctx context.Context) ([]*models.Plan, error) {
	query := planSelect + ` ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	plans := make([]*models.Plan, 0)

	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}

		plans = append(plans, plan)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	return plans, nil
}

// DeletePlan removes a plan; its steps cascade via the foreign key.
func (r *PlanRepository) DeletePlan(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM plans WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}

	return nil
}

// SaveStep upserts a plan step, generating an id and timestamps as needed.
func (r *PlanRepository) SaveStep(ctx context.Context, step *models.PlanStep) error {
	now := time.Now().UTC()

	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}

	step.UpdatedAt = now

	if step.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate step ID: %w", err)
		}

		step.ID = id.String()
	}

	paramsJSON, err := models.EncodeJSONColumn(step.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal step params: %w", err)
	}

	dependsJSON, err := models.EncodeJSONColumn(step.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to marshal step dependencies: %w", err)
	}

	query := `
		INSERT INTO plan_steps (id, plan_id, step_index, description, action, params, status,
			result, error, depends_on, skipped, original_description, revised_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			step_index = EXCLUDED.step_index,
			description = EXCLUDED.description,
			action = EXCLUDED.action,
			params = EXCLUDED.params,
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			depends_on = EXCLUDED.depends_on,
			skipped = EXCLUDED.skipped,
			original_description = EXCLUDED.original_description,
			revised_at = EXCLUDED.revised_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		step.ID,
		step.PlanID,
		step.StepIndex,
		step.Description,
		step.Action,
		paramsJSON,
		step.Status,
		step.Result,
		step.Error,
		dependsJSON,
		step.Skipped,
		step.OriginalDescription,
		step.RevisedAt,
		step.CreatedAt,
		step.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save plan step: %w", err)
	}

	return nil
}

// GetStep returns a plan step by its ID, or nil if it does not exist.
func (r *PlanRepository) GetStep(ctx context.Context, id string) (*models.PlanStep, error) {
	query := stepSelect + ` WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)

	step, err := scanStep(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan plan step: %w", err)
	}

	return step, nil
}

// GetSteps returns a plan's steps in ordinal order.
func (r *PlanRepository) GetSteps(ctx context.Context, planID string) ([]*models.PlanStep, error) {
	query := stepSelect + ` WHERE plan_id = ? ORDER BY step_index`

	rows, err := r.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan steps: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	steps := make([]*models.PlanStep, 0)

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan step: %w", err)
		}

		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plan steps: %w", err)
	}

	return steps, nil
}

// ShiftStepsAfter increments the ordinal of every step in the plan whose
// index is strictly greater than afterIndex.
func (r *PlanRepository) ShiftStepsAfter(ctx context.Context, planID string, afterIndex int) error {
	query := `
		UPDATE plan_steps
		SET step_index = step_index + 1, updated_at = ?
		WHERE plan_id = ? AND step_index > ?
	`

	_, err := r.db.ExecContext(ctx, query, time.Now().UTC(), planID, afterIndex)
	if err != nil {
		return fmt.Errorf("failed to shift plan steps: %w", err)
	}

	return nil
}

const planSelect = `
	SELECT
		id
	  , goal
	  , status
	  , current_step
	  , auto_advance
	  , max_parallel
	  , active_step_count
	  , revision_count
	  , revised_at
	  , created_by
	  , created_at
	  , updated_at
	FROM plans
`

const stepSelect = `
	SELECT
		id
	  , plan_id
	  , step_index
	  , description
	  , action
	  , params
	  , status
	  , result
	  , error
	  , depends_on
	  , skipped
	  , original_description
	  , revised_at
	  , created_at
	  , updated_at
	FROM plan_steps
`

func scanPlan(scanner interface {
	Scan(dest ...any) error
}) (*models.Plan, error) {
	var plan models.Plan

	err := scanner.Scan(
		&plan.ID,
		&plan.Goal,
		&plan.Status,
		&plan.CurrentStep,
		&plan.AutoAdvance,
		&plan.MaxParallel,
		&plan.ActiveStepCount,
		&plan.RevisionCount,
		&plan.RevisedAt,
		&plan.CreatedBy,
		&plan.CreatedAt,
		&plan.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &plan, nil
}

func scanStep(scanner interface {
	Scan(dest ...any) error
}) (*models.PlanStep, error) {
	var (
		step        models.PlanStep
		paramsJSON  []byte
		dependsJSON []byte
	)

	err := scanner.Scan(
		&step.ID,
		&step.PlanID,
		&step.StepIndex,
		&step.Description,
		&step.Action,
		&paramsJSON,
		&step.Status,
		&step.Result,
		&step.Error,
		&dependsJSON,
		&step.Skipped,
		&step.OriginalDescription,
		&step.RevisedAt,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	models.DecodeJSONColumn(paramsJSON, &step.Params)
	// A malformed dependency list reads as "no dependencies" rather than an error.
	models.DecodeJSONColumn(dependsJSON, &step.DependsOn)

	return &step, nil
}
