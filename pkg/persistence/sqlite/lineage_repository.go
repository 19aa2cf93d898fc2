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
	"github.com/atelierhq/atelier/pkg/persistence"
)

// LineageRepository handles provenance-edge database operations.
type LineageRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLineageRepository creates a new lineage repository.
func NewLineageRepository(db *sql.DB, logger *slog.Logger) *LineageRepository {
	return &LineageRepository{db: db, logger: logger}
}

// Create inserts a lineage edge after verifying both endpoint variants exist.
// The existence checks and the insert share one transaction, so a dangling
// endpoint leaves no partial row.
func (r *LineageRepository) Create(ctx context.Context, edge *models.LineageEdge) error {
	if edge.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate edge ID: %w", err)
		}

		edge.ID = id.String()
	}

	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, variantID := range []string{edge.ParentVariantID, edge.ChildVariantID} {
		var exists bool

		err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM variants WHERE id = ?)`, variantID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check edge endpoint: %w", err)
		}

		if !exists {
			err = persistence.NewStoreError("Create", "lineage edge", edge.ID,
				fmt.Errorf("%w: variant %s", persistence.ErrLineageEndpointMissing, variantID))

			return err
		}
	}

	query := `
		INSERT INTO lineage_edges (id, parent_variant_id, child_variant_id, relation, severed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, query,
		edge.ID,
		edge.ParentVariantID,
		edge.ChildVariantID,
		edge.Relation,
		edge.Severed,
		edge.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save lineage edge: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetByID returns a lineage edge by its ID, or nil if it does not exist.
func (r *LineageRepository) GetByID(ctx context.Context, id string) (*models.LineageEdge, error) {
	query := lineageSelect + ` WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)

	edge, err := scanLineageEdge(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan lineage edge: %w", err)
	}

	return edge, nil
}

// GetByVariant returns every edge touching the variant on either endpoint.
func (r *LineageRepository) GetByVariant(ctx context.Context, variantID string) ([]*models.LineageEdge, error) {
	query := lineageSelect + ` WHERE parent_variant_id = ? OR child_variant_id = ? ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, variantID, variantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query lineage edges: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	edges := make([]*models.LineageEdge, 0)

	for rows.Next() {
		edge, err := scanLineageEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lineage edge: %w", err)
		}

		edges = append(edges, edge)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lineage edges: %w", err)
	}

	return edges, nil
}

// SetSevered flips the user-visible soft-delete flag on an edge.
func (r *LineageRepository) SetSevered(ctx context.Context, id string, severed bool) error {
	query := `UPDATE lineage_edges SET severed = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, severed, id)
	if err != nil {
		return fmt.Errorf("failed to update lineage edge: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return persistence.NewStoreError("SetSevered", "lineage edge", id, persistence.ErrLineageEdgeNotFound)
	}

	return nil
}

const lineageSelect = `
	SELECT
		id
	  , parent_variant_id
	  , child_variant_id
	  , relation
	  , severed
	  , created_at
	FROM lineage_edges
`

func scanLineageEdge(scanner interface {
	Scan(dest ...any) error
}) (*models.LineageEdge, error) {
	var (
		edge    models.LineageEdge
		severed int
	)

	err := scanner.Scan(
		&edge.ID,
		&edge.ParentVariantID,
		&edge.ChildVariantID,
		&edge.Relation,
		&severed,
		&edge.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Severed is stored as an integer; normalize to a boolean at the boundary.
	edge.Severed = severed != 0

	return &edge, nil
}
