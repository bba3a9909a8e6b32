package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fieldline-io/fieldline/pkg/apperrors"
	"github.com/fieldline-io/fieldline/pkg/database"
	"github.com/fieldline-io/fieldline/pkg/models"
)

// SchemaDefinitionRepository persists every deployed schema version.
// Versions are append-only: an update deploys a new version and prior
// versions are retained for rollback reference.
type SchemaDefinitionRepository interface {
	// Create inserts a new schema version. Returns apperrors.ErrConflict if
	// the tenant+entity+version already exists.
	Create(ctx context.Context, def *models.SchemaDefinition) error

	// Get retrieves one schema version.
	Get(ctx context.Context, tenantID uuid.UUID, entityName string, version int) (*models.SchemaDefinition, error)

	// GetLatest retrieves the highest version for a tenant+entity.
	GetLatest(ctx context.Context, tenantID uuid.UUID, entityName string) (*models.SchemaDefinition, error)

	// ListLatest returns the highest version of every tenant+entity.
	// Used to warm the schema cache at startup.
	ListLatest(ctx context.Context) ([]*models.SchemaDefinition, error)

	// ListVersions returns all versions for a tenant+entity, oldest first.
	ListVersions(ctx context.Context, tenantID uuid.UUID, entityName string) ([]*models.SchemaDefinition, error)
}

// schemaDefinitionRepository implements SchemaDefinitionRepository using
// PostgreSQL. Control-plane tables live in the public schema and are read
// outside request scopes (startup warmup, migration loops), so the
// repository holds the pool rather than pulling a tenant scope from
// context.
type schemaDefinitionRepository struct {
	db *database.DB
}

// NewSchemaDefinitionRepository creates a new SchemaDefinitionRepository.
func NewSchemaDefinitionRepository(db *database.DB) SchemaDefinitionRepository {
	return &schemaDefinitionRepository{db: db}
}

func (r *schemaDefinitionRepository) Create(ctx context.Context, def *models.SchemaDefinition) error {
	properties, err := json.Marshal(def.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal properties: %w", err)
	}

	query := `
		INSERT INTO engine_schema_definitions (tenant_id, entity_name, version, key_field, properties)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err = r.db.QueryRow(ctx, query,
		def.TenantID,
		def.EntityName,
		def.Version,
		def.KeyField,
		properties,
	).Scan(&def.ID, &def.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: schema %s/%s v%d already exists", apperrors.ErrConflict, def.TenantID, def.EntityName, def.Version)
		}
		return fmt.Errorf("failed to create schema definition: %w", err)
	}
	return nil
}

func (r *schemaDefinitionRepository) Get(ctx context.Context, tenantID uuid.UUID, entityName string, version int) (*models.SchemaDefinition, error) {
	query := `
		SELECT id, tenant_id, entity_name, version, key_field, properties, created_at
		FROM engine_schema_definitions
		WHERE tenant_id = $1 AND entity_name = $2 AND version = $3`
	return r.scanOne(r.db.QueryRow(ctx, query, tenantID, entityName, version))
}

func (r *schemaDefinitionRepository) GetLatest(ctx context.Context, tenantID uuid.UUID, entityName string) (*models.SchemaDefinition, error) {
	query := `
		SELECT id, tenant_id, entity_name, version, key_field, properties, created_at
		FROM engine_schema_definitions
		WHERE tenant_id = $1 AND entity_name = $2
		ORDER BY version DESC
		LIMIT 1`
	return r.scanOne(r.db.QueryRow(ctx, query, tenantID, entityName))
}

func (r *schemaDefinitionRepository) ListLatest(ctx context.Context) ([]*models.SchemaDefinition, error) {
	query := `
		SELECT DISTINCT ON (tenant_id, entity_name)
			id, tenant_id, entity_name, version, key_field, properties, created_at
		FROM engine_schema_definitions
		ORDER BY tenant_id, entity_name, version DESC`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list latest schema definitions: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

func (r *schemaDefinitionRepository) ListVersions(ctx context.Context, tenantID uuid.UUID, entityName string) ([]*models.SchemaDefinition, error) {
	query := `
		SELECT id, tenant_id, entity_name, version, key_field, properties, created_at
		FROM engine_schema_definitions
		WHERE tenant_id = $1 AND entity_name = $2
		ORDER BY version ASC`
	rows, err := r.db.Query(ctx, query, tenantID, entityName)
	if err != nil {
		return nil, fmt.Errorf("failed to list schema versions: %w", err)
	}
	defer rows.Close()
	return r.scanAll(rows)
}

func (r *schemaDefinitionRepository) scanOne(row pgx.Row) (*models.SchemaDefinition, error) {
	var def models.SchemaDefinition
	var properties []byte
	err := row.Scan(&def.ID, &def.TenantID, &def.EntityName, &def.Version, &def.KeyField, &properties, &def.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan schema definition: %w", err)
	}
	if err := json.Unmarshal(properties, &def.Properties); err != nil {
		return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
	}
	return &def, nil
}

func (r *schemaDefinitionRepository) scanAll(rows pgx.Rows) ([]*models.SchemaDefinition, error) {
	var defs []*models.SchemaDefinition
	for rows.Next() {
		var def models.SchemaDefinition
		var properties []byte
		if err := rows.Scan(&def.ID, &def.TenantID, &def.EntityName, &def.Version, &def.KeyField, &properties, &def.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schema definition: %w", err)
		}
		if err := json.Unmarshal(properties, &def.Properties); err != nil {
			return nil, fmt.Errorf("failed to unmarshal properties: %w", err)
		}
		defs = append(defs, &def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schema definitions: %w", err)
	}
	return defs, nil
}
