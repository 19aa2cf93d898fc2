// Package sqlite provides the embedded relational persistence implementation
// for a single space's state.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/atelierhq/atelier/pkg/persistence"
	"github.com/atelierhq/atelier/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer over an embedded SQLite file.
type Persistence struct {
	db          *sql.DB
	logger      *slog.Logger
	assetRepo   *AssetRepository
	variantRepo *VariantRepository
	lineageRepo *LineageRepository
	refRepo     *ImageRefRepository
	planRepo    *PlanRepository
}

// NewPersistence opens (creating if necessary) the space database at dsn and
// runs migrations. The store is single-writer: the connection pool is pinned
// to one connection so statements never interleave.
func NewPersistence(ctx context.Context, logger *slog.Logger, dsn string) (*Persistence, error) {
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	database.SetMaxOpenConns(1)

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := database.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:          database,
		logger:      logger,
		assetRepo:   NewAssetRepository(database, logger),
		variantRepo: NewVariantRepository(database, logger),
		lineageRepo: NewLineageRepository(database, logger),
		refRepo:     NewImageRefRepository(database, logger),
		planRepo:    NewPlanRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Assets returns the asset repository.
func (p *Persistence) Assets() persistence.AssetRepository { return p.assetRepo }

// Variants returns the variant repository.
func (p *Persistence) Variants() persistence.VariantRepository { return p.variantRepo }

// Lineage returns the lineage repository.
func (p *Persistence) Lineage() persistence.LineageRepository { return p.lineageRepo }

// ImageRefs returns the image reference repository.
func (p *Persistence) ImageRefs() persistence.ImageRefRepository { return p.refRepo }

// Plans returns the plan repository.
func (p *Persistence) Plans() persistence.PlanRepository { return p.planRepo }
