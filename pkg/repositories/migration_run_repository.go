package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fieldline-io/fieldline/pkg/apperrors"
	"github.com/fieldline-io/fieldline/pkg/database"
	"github.com/fieldline-io/fieldline/pkg/models"
)

// MigrationRunRepository persists migration run state. The run row is the
// control loop's only durable state: the loop rehydrates from it after a
// restart, and the backfill cursor is committed here after every batch.
type MigrationRunRepository interface {
	// Create inserts a new run. Returns apperrors.ErrConflict if an
	// unarchived run already exists for the tenant+entity; duplicate
	// migration.requested deliveries dedupe on this.
	Create(ctx context.Context, run *models.MigrationRun) error

	// GetByID retrieves a run.
	GetByID(ctx context.Context, id uuid.UUID) (*models.MigrationRun, error)

	// GetActive returns the unarchived run for a tenant+entity, or
	// apperrors.ErrNotFound when none exists.
	GetActive(ctx context.Context, tenantID uuid.UUID, entityName string) (*models.MigrationRun, error)

	// Update persists status, phase, cursor and error for a run.
	Update(ctx context.Context, run *models.MigrationRun) error

	// HasCompleted reports whether an archived run already completed a
	// migration of this tenant+entity to the given version. Redelivered
	// migration.requested events that outlive their run dedupe on this.
	HasCompleted(ctx context.Context, tenantID uuid.UUID, entityName string, toVersion int) (bool, error)

	// ListUnfinished returns unarchived runs in non-terminal states.
	// Used to resume interrupted migrations at startup.
	ListUnfinished(ctx context.Context) ([]*models.MigrationRun, error)

	// Archive marks a terminal run archived. Archived runs are retained,
	// never deleted.
	Archive(ctx context.Context, id uuid.UUID) error
}

type migrationRunRepository struct {
	db *database.DB
}

// NewMigrationRunRepository creates a new MigrationRunRepository.
func NewMigrationRunRepository(db *database.DB) MigrationRunRepository {
	return &migrationRunRepository{db: db}
}

func (r *migrationRunRepository) Create(ctx context.Context, run *models.MigrationRun) error {
	plan, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}

	now := time.Now().UTC()
	run.StartedAt = now
	run.PhaseStartedAt = now
	run.UpdatedAt = now

	query := `
		INSERT INTO engine_migration_runs (tenant_id, entity_name, plan, status, phase, cursor, error, started_at, phase_started_at, updated_at, archived)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false)
		RETURNING id`

	err = r.db.QueryRow(ctx, query,
		run.TenantID,
		run.EntityName,
		plan,
		run.Status,
		run.Phase,
		run.Cursor,
		run.Error,
		run.StartedAt,
		run.PhaseStartedAt,
		run.UpdatedAt,
	).Scan(&run.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: migration already running for %s/%s", apperrors.ErrConflict, run.TenantID, run.EntityName)
		}
		return fmt.Errorf("failed to create migration run: %w", err)
	}
	return nil
}

func (r *migrationRunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.MigrationRun, error) {
	query := selectRun + ` WHERE id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, id))
}

func (r *migrationRunRepository) GetActive(ctx context.Context, tenantID uuid.UUID, entityName string) (*models.MigrationRun, error) {
	query := selectRun + ` WHERE tenant_id = $1 AND entity_name = $2 AND NOT archived`
	return r.scanOne(r.db.QueryRow(ctx, query, tenantID, entityName))
}

func (r *migrationRunRepository) Update(ctx context.Context, run *models.MigrationRun) error {
	run.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE engine_migration_runs
		SET status = $1, phase = $2, cursor = $3, error = $4, phase_started_at = $5, updated_at = $6
		WHERE id = $7`
	tag, err := r.db.Exec(ctx, query,
		run.Status,
		run.Phase,
		run.Cursor,
		run.Error,
		run.PhaseStartedAt,
		run.UpdatedAt,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update migration run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: migration run %s", apperrors.ErrNotFound, run.ID)
	}
	return nil
}

func (r *migrationRunRepository) HasCompleted(ctx context.Context, tenantID uuid.UUID, entityName string, toVersion int) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM engine_migration_runs
			WHERE tenant_id = $1 AND entity_name = $2 AND status = $3
			  AND archived AND (plan->>'to_version')::int = $4
		)`
	var exists bool
	err := r.db.QueryRow(ctx, query, tenantID, entityName, models.MigrationStatusCompleted, toVersion).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check completed runs: %w", err)
	}
	return exists, nil
}

func (r *migrationRunRepository) ListUnfinished(ctx context.Context) ([]*models.MigrationRun, error) {
	query := selectRun + ` WHERE NOT archived AND status NOT IN ($1, $2, $3) ORDER BY started_at`
	rows, err := r.db.Query(ctx, query,
		models.MigrationStatusCompleted,
		models.MigrationStatusFailed,
		models.MigrationStatusRolledBack,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list unfinished runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.MigrationRun
	for rows.Next() {
		run, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate migration runs: %w", err)
	}
	return runs, nil
}

func (r *migrationRunRepository) Archive(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE engine_migration_runs SET archived = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to archive migration run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: migration run %s", apperrors.ErrNotFound, id)
	}
	return nil
}

const selectRun = `
	SELECT id, tenant_id, entity_name, plan, status, phase, cursor, error, started_at, phase_started_at, updated_at, archived
	FROM engine_migration_runs`

type scannable interface {
	Scan(dest ...any) error
}

func (r *migrationRunRepository) scanOne(row pgx.Row) (*models.MigrationRun, error) {
	run, err := r.scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	return run, err
}

func (r *migrationRunRepository) scanRow(row scannable) (*models.MigrationRun, error) {
	var run models.MigrationRun
	var plan []byte
	err := row.Scan(&run.ID, &run.TenantID, &run.EntityName, &plan, &run.Status, &run.Phase,
		&run.Cursor, &run.Error, &run.StartedAt, &run.PhaseStartedAt, &run.UpdatedAt, &run.Archived)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan migration run: %w", err)
	}
	if err := json.Unmarshal(plan, &run.Plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	return &run, nil
}
