package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atelierhq/atelier/pkg/models"
)

// VariantRepository handles variant-related database operations.
type VariantRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewVariantRepository creates a new variant repository.
func NewVariantRepository(db *sql.DB, logger *slog.Logger) *VariantRepository {
	return &VariantRepository{db: db, logger: logger}
}

// Save upserts a variant, generating an id and timestamps as needed.
func (r *VariantRepository) Save(ctx context.Context, variant *models.Variant) error {
	now := time.Now().UTC()

	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = now
	}

	variant.UpdatedAt = now

	if variant.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate variant ID: %w", err)
		}

		variant.ID = id.String()
	}

	recipeJSON, err := models.EncodeJSONColumn(variant.Recipe)
	if err != nil {
		return fmt.Errorf("failed to marshal recipe: %w", err)
	}

	query := `
		INSERT INTO variants (id, asset_id, workflow_id, status, error, image_key, thumbnail_key,
			recipe, starred, plan_step_id, batch_id, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			asset_id = EXCLUDED.asset_id,
			workflow_id = EXCLUDED.workflow_id,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			image_key = EXCLUDED.image_key,
			thumbnail_key = EXCLUDED.thumbnail_key,
			recipe = EXCLUDED.recipe,
			starred = EXCLUDED.starred,
			plan_step_id = EXCLUDED.plan_step_id,
			batch_id = EXCLUDED.batch_id,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		variant.ID,
		variant.AssetID,
		variant.WorkflowID,
		variant.Status,
		variant.Error,
		variant.ImageKey,
		variant.ThumbnailKey,
		recipeJSON,
		variant.Starred,
		variant.PlanStepID,
		variant.BatchID,
		variant.CreatedBy,
		variant.CreatedAt,
		variant.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save variant: %w", err)
	}

	return nil
}

// GetByID returns a variant by its ID, or nil if it does not exist.
func (r *VariantRepository) GetByID(ctx context.Context, id string) (*models.Variant, error) {
	query := variantSelect + ` WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)

	variant, err := scanVariant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan variant: %w", err)
	}

	return variant, nil
}

// GetByIDs returns the variants matching the given ids, oldest first.
// Missing ids are silently absent from the result. The id list is chunked to
// stay under SQLite's host parameter limit.
func (r *VariantRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.Variant, error) {
	variants := make([]*models.Variant, 0, len(ids))

	for _, chunk := range chunkIDs(ids) {
		query := variantSelect + ` WHERE id IN (` + placeholders(len(chunk)) + `)`

		batch, err := r.queryVariants(ctx, query, idArgs(chunk)...)
		if err != nil {
			return nil, err
		}

		variants = append(variants, batch...)
	}

	sort.Slice(variants, func(i, j int) bool {
		return variants[i].CreatedAt.Before(variants[j].CreatedAt)
	})

	return variants, nil
}

// GetByAsset returns all variants owned by an asset, oldest first.
func (r *VariantRepository) GetByAsset(ctx context.Context, assetID string) ([]*models.Variant, error) {
	query := variantSelect + ` WHERE asset_id = ? ORDER BY created_at`

	return r.queryVariants(ctx, query, assetID)
}

// GetCompleted returns all completed variants. Used by the reference sweep.
func (r *VariantRepository) GetCompleted(ctx context.Context) ([]*models.Variant, error) {
	query := variantSelect + ` WHERE status = ? ORDER BY created_at`

	return r.queryVariants(ctx, query, models.VariantStatusCompleted)
}

// GetDisplayByIDs fetches variants joined with their asset's name and kind,
// oldest first. The id list is chunked to stay under SQLite's host parameter
// limit.
func (r *VariantRepository) GetDisplayByIDs(ctx context.Context, ids []string) ([]*models.VariantDisplay, error) {
	displays := make([]*models.VariantDisplay, 0, len(ids))

	for _, chunk := range chunkIDs(ids) {
		batch, err := r.displaysByIDs(ctx, chunk)
		if err != nil {
			return nil, err
		}

		displays = append(displays, batch...)
	}

	sort.Slice(displays, func(i, j int) bool {
		return displays[i].CreatedAt.Before(displays[j].CreatedAt)
	})

	return displays, nil
}

func (r *VariantRepository) displaysByIDs(ctx context.Context, ids []string) ([]*models.VariantDisplay, error) {
	query := `
		SELECT
			v.id
		  , v.asset_id
		  , v.workflow_id
		  , v.status
		  , v.error
		  , v.image_key
		  , v.thumbnail_key
		  , v.recipe
		  , v.starred
		  , v.plan_step_id
		  , v.batch_id
		  , v.created_by
		  , v.created_at
		  , v.updated_at
		  , COALESCE(a.name, '')
		  , COALESCE(a.kind, '')
		FROM variants v
		LEFT JOIN assets a ON a.id = v.asset_id
		WHERE v.id IN (` + placeholders(len(ids)) + `)
		ORDER BY v.created_at
	`

	rows, err := r.db.QueryContext(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query variant display rows: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	displays := make([]*models.VariantDisplay, 0, len(ids))

	for rows.Next() {
		var (
			display    models.VariantDisplay
			recipeJSON []byte
		)

		err := rows.Scan(
			&display.ID,
			&display.AssetID,
			&display.WorkflowID,
			&display.Status,
			&display.Error,
			&display.ImageKey,
			&display.ThumbnailKey,
			&recipeJSON,
			&display.Starred,
			&display.PlanStepID,
			&display.BatchID,
			&display.CreatedBy,
			&display.CreatedAt,
			&display.UpdatedAt,
			&display.AssetName,
			&display.AssetKind,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan variant display row: %w", err)
		}

		models.DecodeJSONColumn(recipeJSON, &display.Recipe)

		displays = append(displays, &display)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating variant display rows: %w", err)
	}

	return displays, nil
}

// Delete removes a variant row. Deleting a missing variant is not an error.
func (r *VariantRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM variants WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete variant: %w", err)
	}

	return nil
}

const variantSelect = `
	SELECT
		id
	  , asset_id
	  , workflow_id
	  , status
	  , error
	  , image_key
	  , thumbnail_key
	  , recipe
	  , starred
	  , plan_step_id
	  , batch_id
	  , created_by
	  , created_at
	  , updated_at
	FROM variants
`

func (r *VariantRepository) queryVariants(ctx context.Context, query string, args ...any) ([]*models.Variant, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query variants: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	variants := make([]*models.Variant, 0)

	for rows.Next() {
		variant, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}

		variants = append(variants, variant)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating variants: %w", err)
	}

	return variants, nil
}

func scanVariant(scanner interface {
	Scan(dest ...any) error
}) (*models.Variant, error) {
	var (
		variant    models.Variant
		recipeJSON []byte
	)

	err := scanner.Scan(
		&variant.ID,
		&variant.AssetID,
		&variant.WorkflowID,
		&variant.Status,
		&variant.Error,
		&variant.ImageKey,
		&variant.ThumbnailKey,
		&recipeJSON,
		&variant.Starred,
		&variant.PlanStepID,
		&variant.BatchID,
		&variant.CreatedBy,
		&variant.CreatedAt,
		&variant.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	models.DecodeJSONColumn(recipeJSON, &variant.Recipe)

	return &variant, nil
}

// placeholders builds a comma-separated "?, ?, ..." list of length n.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// maxIDsPerQuery keeps IN lists under SQLite's 999 host parameter limit.
const maxIDsPerQuery = 500

func chunkIDs(ids []string) [][]string {
	chunks := make([][]string, 0, len(ids)/maxIDsPerQuery+1)

	for len(ids) > maxIDsPerQuery {
		chunks = append(chunks, ids[:maxIDsPerQuery])
		ids = ids[maxIDsPerQuery:]
	}

	if len(ids) > 0 {
		chunks = append(chunks, ids)
	}

	return chunks
}

func idArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	return args
}
