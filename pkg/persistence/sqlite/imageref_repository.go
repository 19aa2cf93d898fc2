package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/atelierhq/atelier/pkg/models"
)

// ImageRefRepository handles object reference-count database operations.
// Read-modify-write here is safe only behind the space's single writer.
type ImageRefRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewImageRefRepository creates a new image reference repository.
func NewImageRefRepository(db *sql.DB, logger *slog.Logger) *ImageRefRepository {
	return &ImageRefRepository{db: db, logger: logger}
}

// Increment upserts the counter row, creating it at 1 or adding 1.
func (r *ImageRefRepository) Increment(ctx context.Context, objectKey string) error {
	query := `
		INSERT INTO image_refs (object_key, ref_count)
		VALUES (?, 1)
		ON CONFLICT (object_key) DO UPDATE SET ref_count = ref_count + 1
	`

	_, err := r.db.ExecContext(ctx, query, objectKey)
	if err != nil {
		return fmt.Errorf("failed to increment image ref: %w", err)
	}

	return nil
}

// Decrement subtracts one from the counter and returns the post-decrement
// count. Decrementing a missing key returns 0 without creating a row.
func (r *ImageRefRepository) Decrement(ctx context.Context, objectKey string) (int64, error) {
	_, err := r.db.ExecContext(ctx, `UPDATE image_refs SET ref_count = ref_count - 1 WHERE object_key = ?`, objectKey)
	if err != nil {
		return 0, fmt.Errorf("failed to decrement image ref: %w", err)
	}

	var count int64

	err = r.db.QueryRowContext(ctx, `SELECT ref_count FROM image_refs WHERE object_key = ?`, objectKey).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to read image ref: %w", err)
	}

	return count, nil
}

// Get returns the counter row for a key, or nil if it does not exist.
func (r *ImageRefRepository) Get(ctx context.Context, objectKey string) (*models.ImageRef, error) {
	var ref models.ImageRef

	err := r.db.QueryRowContext(ctx,
		`SELECT object_key, ref_count FROM image_refs WHERE object_key = ?`, objectKey,
	).Scan(&ref.ObjectKey, &ref.RefCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan image ref: %w", err)
	}

	return &ref, nil
}

// GetAll returns every counter row. Used by the reference sweep.
func (r *ImageRefRepository) GetAll(ctx context.Context) ([]*models.ImageRef, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT object_key, ref_count FROM image_refs ORDER BY object_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query image refs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	refs := make([]*models.ImageRef, 0)

	for rows.Next() {
		var ref models.ImageRef

		if err := rows.Scan(&ref.ObjectKey, &ref.RefCount); err != nil {
			return nil, fmt.Errorf("failed to scan image ref: %w", err)
		}

		refs = append(refs, &ref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating image refs: %w", err)
	}

	return refs, nil
}

// Remove deletes the counter row. Removing a missing key is not an error.
func (r *ImageRefRepository) Remove(ctx context.Context, objectKey string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM image_refs WHERE object_key = ?`, objectKey)
	if err != nil {
		return fmt.Errorf("failed to remove image ref: %w", err)
	}

	return nil
}
