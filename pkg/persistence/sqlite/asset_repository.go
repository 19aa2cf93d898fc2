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

// AssetRepository handles asset-related database operations.
type AssetRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewAssetRepository creates a new asset repository.
func NewAssetRepository(db *sql.DB, logger *slog.Logger) *AssetRepository {
	return &AssetRepository{db: db, logger: logger}
}

// Save upserts an asset, generating an id and timestamps as needed.
func (r *AssetRepository) Save(ctx context.Context, asset *models.Asset) error {
	now := time.Now().UTC()

	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}

	asset.UpdatedAt = now

	if asset.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate asset ID: %w", err)
		}

		asset.ID = id.String()
	}

	tagsJSON, err := models.EncodeJSONColumn(asset.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	query := `
		INSERT INTO assets (id, name, kind, tags, parent_id, active_variant_id, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			tags = EXCLUDED.tags,
			parent_id = EXCLUDED.parent_id,
			active_variant_id = EXCLUDED.active_variant_id,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		asset.ID,
		asset.Name,
		asset.Kind,
		tagsJSON,
		asset.ParentID,
		asset.ActiveVariantID,
		asset.CreatedBy,
		asset.CreatedAt,
		asset.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save asset: %w", err)
	}

	return nil
}

// GetByID returns an asset by its ID, or nil if it does not exist.
func (r *AssetRepository) GetByID(ctx context.Context, id string) (*models.Asset, error) {
	query := assetSelect + ` WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)

	asset, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan asset: %w", err)
	}

	return asset, nil
}

// GetAll returns all assets ordered by creation time.
func (r *AssetRepository) GetAll(ctx context.Context) ([]*models.Asset, error) {
	query := assetSelect + ` ORDER BY created_at`

	return r.queryAssets(ctx, query)
}

// GetChildren returns the direct children of an asset.
func (r *AssetRepository) GetChildren(ctx context.Context, parentID string) ([]*models.Asset, error) {
	query := assetSelect + ` WHERE parent_id = ? ORDER BY created_at`

	return r.queryAssets(ctx, query, parentID)
}

// SetParent updates an asset's parent pointer. A nil parentID reparents the
// asset to root.
func (r *AssetRepository) SetParent(ctx context.Context, id string, parentID *string) error {
	query := `UPDATE assets SET parent_id = ?, updated_at = ? WHERE id = ?`

	_, err := r.db.ExecContext(ctx, query, parentID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set asset parent: %w", err)
	}

	return nil
}

// SetActiveVariant updates an asset's active-variant pointer.
func (r *AssetRepository) SetActiveVariant(ctx context.Context, id string, variantID *string) error {
	query := `UPDATE assets SET active_variant_id = ?, updated_at = ? WHERE id = ?`

	_, err := r.db.ExecContext(ctx, query, variantID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set active variant: %w", err)
	}

	return nil
}

// Delete removes an asset row. Deleting a missing asset is not an error.
func (r *AssetRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete asset: %w", err)
	}

	return nil
}

const assetSelect = `
	SELECT
		id
	  , name
	  , kind
	  , tags
	  , parent_id
	  , active_variant_id
	  , created_by
	  , created_at
	  , updated_at
	FROM assets
`

func (r *AssetRepository) queryAssets(ctx context.Context, query string, args ...any) ([]*models.Asset, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	assets := make([]*models.Asset, 0)

	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}

		assets = append(assets, asset)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assets: %w", err)
	}

	return assets, nil
}

func scanAsset(scanner interface {
	Scan(dest ...any) error
}) (*models.Asset, error) {
	var (
		asset    models.Asset
		tagsJSON []byte
	)

	err := scanner.Scan(
		&asset.ID,
		&asset.Name,
		&asset.Kind,
		&tagsJSON,
		&asset.ParentID,
		&asset.ActiveVariantID,
		&asset.CreatedBy,
		&asset.CreatedAt,
		&asset.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	models.DecodeJSONColumn(tagsJSON, &asset.Tags)

	return &asset, nil
}
