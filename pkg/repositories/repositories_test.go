package repositories

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline-io/fieldline/pkg/apperrors"
	"github.com/fieldline-io/fieldline/pkg/models"
	"github.com/fieldline-io/fieldline/pkg/testhelpers"
)

func contactSchema(tenantID uuid.UUID, version int) *models.SchemaDefinition {
	return &models.SchemaDefinition{
		TenantID:   tenantID,
		EntityName: "contact",
		Version:    version,
		KeyField:   "id",
		Properties: []models.Property{
			{Name: "id", Definition: models.PropertyDefinition{Type: models.PropertyTypeString, Required: true}},
			{Name: "email", Definition: models.PropertyDefinition{Type: models.PropertyTypeString, Required: true, Format: "email"}},
		},
	}
}

func TestSchemaDefinitionRepository_CreateAndGet(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	repo := NewSchemaDefinitionRepository(db.DB)
	ctx := context.Background()
	tenantID := uuid.New()

	def := contactSchema(tenantID, 1)
	require.NoError(t, repo.Create(ctx, def))
	assert.NotEqual(t, uuid.Nil, def.ID)
	assert.False(t, def.CreatedAt.IsZero())

	got, err := repo.Get(ctx, tenantID, "contact", 1)
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
	assert.Equal(t, "id", got.KeyField)
	require.Len(t, got.Properties, 2)
	assert.Equal(t, "id", got.Properties[0].Name)
	assert.Equal(t, "email", got.Properties[1].Name)
	assert.Equal(t, "email", got.Properties[1].Definition.Format)
}

func TestSchemaDefinitionRepository_DuplicateVersionConflicts(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	repo := NewSchemaDefinitionRepository(db.DB)
	ctx := context.Background()
	tenantID := uuid.New()

	require.NoError(t, repo.Create(ctx, contactSchema(tenantID, 1)))
	err := repo.Create(ctx, contactSchema(tenantID, 1))
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	// The same version under another tenant is unrelated.
	require.NoError(t, repo.Create(ctx, contactSchema(uuid.New(), 1)))
}

func TestSchemaDefinitionRepository_GetLatest(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	repo := NewSchemaDefinitionRepository(db.DB)
	ctx := context.Background()
	tenantID := uuid.New()

	require.NoError(t, repo.Create(ctx, contactSchema(tenantID, 1)))
	require.NoError(t, repo.Create(ctx, contactSchema(tenantID, 2)))
	require.NoError(t, repo.Create(ctx, contactSchema(tenantID, 3)))

	latest, err := repo.GetLatest(ctx, tenantID, "contact")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)

	_, err = repo.GetLatest(ctx, tenantID, "nonexistent")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSchemaDefinitionRepository_ListVersions(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	repo := NewSchemaDefinitionRepository(db.DB)
	ctx := context.Background()
	tenantID := uuid.New()

	require.NoError(t, repo.Create(ctx, contactSchema(tenantID, 2)))
	require.NoError(t, repo.Create(ctx, contactSchema(tenantID, 1)))
	require.NoError(t, repo.Create(ctx, contactSchema(tenantID, 3)))

	versions, err := repo.ListVersions(ctx, tenantID, "contact")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, 2, versions[1].Version)
	assert.Equal(t, 3, versions[2].Version)
}

func TestSchemaDefinitionRepository_ListLatest(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	repo := NewSchemaDefinitionRepository(db.DB)
	ctx := context.Background()
	tenantID := uuid.New()

	require.NoError(t, repo.Create(ctx, contactSchema(tenantID, 1)))
	require.NoError(t, repo.Create(ctx, contactSchema(tenantID, 2)))
	order := contactSchema(tenantID, 1)
	order.EntityName = "order"
	require.NoError(t, repo.Create(ctx, order))

	latest, err := repo.ListLatest(ctx)
	require.NoError(t, err)

	found := map[string]int{}
	for _, def := range latest {
		if def.TenantID == tenantID {
			found[def.EntityName] = def.Version
		}
	}
	assert.Equal(t, map[string]int{"contact": 2, "order": 1}, found)
}

func pendingRun(tenantID uuid.UUID) *models.MigrationRun {
	return &models.MigrationRun{
		TenantID:   tenantID,
		EntityName: "contact",
		Status:     models.MigrationStatusPending,
		Plan: models.MigrationPlan{
			TenantID:    tenantID,
			EntityName:  "contact",
			FromVersion: 1,
			ToVersion:   2,
			Steps: []models.MigrationStep{
				{Kind: models.MigrationStepExpand, Fields: []string{"phone"}},
				{Kind: models.MigrationStepBackfill, Fields: []string{"phone"}},
			},
		},
	}
}

func TestMigrationRunRepository_CreateAndGet(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	repo := NewMigrationRunRepository(db.DB)
	ctx := context.Background()
	tenantID := uuid.New()

	run := pendingRun(tenantID)
	require.NoError(t, repo.Create(ctx, run))
	assert.NotEqual(t, uuid.Nil, run.ID)

	got, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MigrationStatusPending, got.Status)
	assert.Equal(t, 2, got.Plan.ToVersion)
	require.Len(t, got.Plan.Steps, 2)
	assert.Equal(t, models.MigrationStepBackfill, got.Plan.Steps[1].Kind)

	active, err := repo.GetActive(ctx, tenantID, "contact")
	require.NoError(t, err)
	assert.Equal(t, run.ID, active.ID)
}

func TestMigrationRunRepository_OneActivePerEntity(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	repo := NewMigrationRunRepository(db.DB)
	ctx := context.Background()
	tenantID := uuid.New()

	first := pendingRun(tenantID)
	require.NoError(t, repo.Create(ctx, first))

	err := repo.Create(ctx, pendingRun(tenantID))
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	// Archiving the live run frees the slot for the next attempt.
	require.NoError(t, repo.Archive(ctx, first.ID))
	require.NoError(t, repo.Create(ctx, pendingRun(tenantID)))
}

func TestMigrationRunRepository_Update(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	repo := NewMigrationRunRepository(db.DB)
	ctx := context.Background()
	tenantID := uuid.New()

	run := pendingRun(tenantID)
	require.NoError(t, repo.Create(ctx, run))

	cursor := "c-42"
	run.Status = models.MigrationStatusBackfilling
	run.Phase = models.MigrationPhaseBackfill
	run.Cursor = &cursor
	require.NoError(t, repo.Update(ctx, run))

	got, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MigrationStatusBackfilling, got.Status)
	require.NotNil(t, got.Cursor)
	assert.Equal(t, "c-42", *got.Cursor)

	missing := pendingRun(uuid.New())
	missing.ID = uuid.New()
	assert.ErrorIs(t, repo.Update(ctx, missing), apperrors.ErrNotFound)
}

func TestMigrationRunRepository_ListUnfinished(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	repo := NewMigrationRunRepository(db.DB)
	ctx := context.Background()
	tenantID := uuid.New()

	running := pendingRun(tenantID)
	require.NoError(t, repo.Create(ctx, running))
	running.Status = models.MigrationStatusBackfilling
	require.NoError(t, repo.Update(ctx, running))

	done := pendingRun(uuid.New())
	require.NoError(t, repo.Create(ctx, done))
	done.Status = models.MigrationStatusCompleted
	require.NoError(t, repo.Update(ctx, done))

	unfinished, err := repo.ListUnfinished(ctx)
	require.NoError(t, err)

	ids := map[uuid.UUID]bool{}
	for _, run := range unfinished {
		ids[run.ID] = true
	}
	assert.True(t, ids[running.ID])
	assert.False(t, ids[done.ID])
}

func TestMigrationRunRepository_HasCompleted(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	repo := NewMigrationRunRepository(db.DB)
	ctx := context.Background()
	tenantID := uuid.New()

	run := pendingRun(tenantID)
	require.NoError(t, repo.Create(ctx, run))

	done, err := repo.HasCompleted(ctx, tenantID, "contact", 2)
	require.NoError(t, err)
	assert.False(t, done, "unfinished run must not count as completed")

	run.Status = models.MigrationStatusCompleted
	require.NoError(t, repo.Update(ctx, run))

	// Completed but not yet archived still does not count; the archive
	// write is what ends the run's lifecycle.
	done, err = repo.HasCompleted(ctx, tenantID, "contact", 2)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, repo.Archive(ctx, run.ID))

	done, err = repo.HasCompleted(ctx, tenantID, "contact", 2)
	require.NoError(t, err)
	assert.True(t, done)

	// Scoped to the exact destination version and entity.
	done, err = repo.HasCompleted(ctx, tenantID, "contact", 3)
	require.NoError(t, err)
	assert.False(t, done)
	done, err = repo.HasCompleted(ctx, tenantID, "order", 2)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestMigrationRunRepository_GetActive_NoneIsNotFound(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	repo := NewMigrationRunRepository(db.DB)

	_, err := repo.GetActive(context.Background(), uuid.New(), "contact")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
