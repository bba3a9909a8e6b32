package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldline-io/fieldline/pkg/apperrors"
	"github.com/fieldline-io/fieldline/pkg/cache"
	"github.com/fieldline-io/fieldline/pkg/eventbus"
	"github.com/fieldline-io/fieldline/pkg/gateway"
	"github.com/fieldline-io/fieldline/pkg/mapper"
	"github.com/fieldline-io/fieldline/pkg/models"
	"github.com/fieldline-io/fieldline/pkg/repositories"
)

// SchemaService owns the schema lifecycle: deploying definitions,
// provisioning tenant storage, and keeping the cache's activation protocol
// in step with schema events. Compatibility classification is asserted by
// the producer through the topic; this service routes it, the cache
// enforces it.
type SchemaService interface {
	// Deploy validates and persists the first version of an entity schema
	// and publishes schema.created.
	Deploy(ctx context.Context, def *models.SchemaDefinition) error

	// DeployUpdate validates and persists a new schema version and
	// publishes schema.updated.compatible or schema.updated.breaking
	// according to the producer's classification.
	DeployUpdate(ctx context.Context, def *models.SchemaDefinition, breaking bool) error

	// Get returns one schema version, or the latest for version <= 0.
	Get(ctx context.Context, tenantID uuid.UUID, entityName string, version int) (*models.SchemaDefinition, error)

	// ListVersions returns the deployment history for an entity.
	ListVersions(ctx context.Context, tenantID uuid.UUID, entityName string) ([]*models.SchemaDefinition, error)

	// WarmCache installs the latest version of every schema into the cache.
	// Called once at startup so lookups never fault to storage.
	WarmCache(ctx context.Context) error

	// Register subscribes the service's event consumers to the bus.
	Register(bus *eventbus.Bus)
}

type schemaService struct {
	schemas repositories.SchemaDefinitionRepository
	cache   *cache.SchemaCache
	gateway gateway.StorageGateway
	mapper  *mapper.Mapper
	pub     eventbus.Publisher
	logger  *zap.Logger
}

// NewSchemaService creates a SchemaService.
func NewSchemaService(
	schemas repositories.SchemaDefinitionRepository,
	schemaCache *cache.SchemaCache,
	gw gateway.StorageGateway,
	m *mapper.Mapper,
	pub eventbus.Publisher,
	logger *zap.Logger,
) SchemaService {
	return &schemaService{
		schemas: schemas,
		cache:   schemaCache,
		gateway: gw,
		mapper:  m,
		pub:     pub,
		logger:  logger.Named("schema-service"),
	}
}

var _ SchemaService = (*schemaService)(nil)

func (s *schemaService) Deploy(ctx context.Context, def *models.SchemaDefinition) error {
	if def.Version == 0 {
		def.Version = 1
	}
	if _, err := s.mapper.BuildMapping(def); err != nil {
		return err
	}
	if err := s.schemas.Create(ctx, def); err != nil {
		return err
	}

	evt := eventbus.NewEvent(eventbus.TopicSchemaCreated, def.TenantID, def.EntityName, def.Version)
	evt.Payload = eventbus.SchemaPayload{Definition: def}
	return s.pub.Publish(ctx, evt)
}

func (s *schemaService) DeployUpdate(ctx context.Context, def *models.SchemaDefinition, breaking bool) error {
	latest, err := s.schemas.GetLatest(ctx, def.TenantID, def.EntityName)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("%w: %s/%s", apperrors.ErrSchemaNotFound, def.TenantID, def.EntityName)
		}
		return err
	}
	if def.Version <= latest.Version {
		return fmt.Errorf("%w: version %d must exceed current %d", apperrors.ErrConflict, def.Version, latest.Version)
	}
	if _, err := s.mapper.BuildMapping(def); err != nil {
		return err
	}
	if err := s.schemas.Create(ctx, def); err != nil {
		return err
	}

	topic := eventbus.TopicSchemaUpdatedCompatible
	if breaking {
		topic = eventbus.TopicSchemaUpdatedBreaking
	}
	evt := eventbus.NewEvent(topic, def.TenantID, def.EntityName, def.Version)
	evt.Payload = eventbus.SchemaPayload{Definition: def}
	return s.pub.Publish(ctx, evt)
}

func (s *schemaService) Get(ctx context.Context, tenantID uuid.UUID, entityName string, version int) (*models.SchemaDefinition, error) {
	if version <= 0 {
		return s.schemas.GetLatest(ctx, tenantID, entityName)
	}
	return s.schemas.Get(ctx, tenantID, entityName, version)
}

func (s *schemaService) ListVersions(ctx context.Context, tenantID uuid.UUID, entityName string) ([]*models.SchemaDefinition, error) {
	return s.schemas.ListVersions(ctx, tenantID, entityName)
}

func (s *schemaService) WarmCache(ctx context.Context) error {
	defs, err := s.schemas.ListLatest(ctx)
	if err != nil {
		return fmt.Errorf("failed to load schemas for cache warmup: %w", err)
	}
	for _, def := range defs {
		if err := s.cache.Install(def); err != nil {
			s.logger.Error("Failed to install schema during warmup",
				zap.String("tenant_id", def.TenantID.String()),
				zap.String("entity", def.EntityName),
				zap.Error(err))
			continue
		}
	}
	s.logger.Info("Schema cache warmed", zap.Int("schemas", len(defs)))
	return nil
}

func (s *schemaService) Register(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.TopicSchemaCreated, s.handleCreated)
	bus.Subscribe(eventbus.TopicSchemaUpdatedCompatible, s.handleCompatibleUpdate)
	bus.Subscribe(eventbus.TopicSchemaUpdatedBreaking, s.handleBreakingUpdate)
	bus.Subscribe(eventbus.TopicSchemaMigrated, s.handleMigrated)
}

// handleMigrated converges the cache onto the version a completed
// migration activated. The orchestrator activates its own cache before
// publishing, so the usual outcome is a duplicate-safe no-op; an instance
// that was not holding the drain (restarted mid-migration) installs the
// version from storage instead.
func (s *schemaService) handleMigrated(ctx context.Context, evt eventbus.Event) error {
	if err := s.cache.Activate(evt.TenantID, evt.EntityName, evt.Version); err == nil {
		return nil
	}
	def, err := s.schemas.Get(ctx, evt.TenantID, evt.EntityName, evt.Version)
	if err != nil {
		return err
	}
	return s.cache.Install(def)
}

// handleCreated provisions storage and the cache entry for a new schema.
// Idempotent under duplicate delivery: persisting dedupes on version and
// EnsureSchema only appends.
func (s *schemaService) handleCreated(ctx context.Context, evt eventbus.Event) error {
	def, err := s.definitionFrom(ctx, evt)
	if err != nil {
		return err
	}
	mapping, err := s.mapper.BuildMapping(def)
	if err != nil {
		return err
	}
	if err := s.gateway.EnsureSchema(ctx, mapping); err != nil {
		return err
	}
	return s.cache.Install(def)
}

// handleCompatibleUpdate hot-swaps the cache entry. Storage gains any new
// columns first so the swapped-in mapping never points at structure that
// does not exist yet.
func (s *schemaService) handleCompatibleUpdate(ctx context.Context, evt eventbus.Event) error {
	def, err := s.definitionFrom(ctx, evt)
	if err != nil {
		return err
	}
	mapping, err := s.mapper.BuildMapping(def)
	if err != nil {
		return err
	}
	if err := s.gateway.EnsureSchema(ctx, mapping); err != nil {
		return err
	}
	return s.cache.ApplyCompatibleUpdate(def)
}

// handleBreakingUpdate starts the drain protocol. The new mapping stays
// staged until the migration orchestrator signals completion.
func (s *schemaService) handleBreakingUpdate(ctx context.Context, evt eventbus.Event) error {
	def, err := s.definitionFrom(ctx, evt)
	if err != nil {
		return err
	}
	return s.cache.HandleBreakingChange(def)
}

// definitionFrom resolves the schema definition for an event, persisting
// it first when the producer is external and the event is the first time
// this engine sees the version.
func (s *schemaService) definitionFrom(ctx context.Context, evt eventbus.Event) (*models.SchemaDefinition, error) {
	if payload, ok := evt.Payload.(eventbus.SchemaPayload); ok && payload.Definition != nil {
		def := payload.Definition
		if err := s.schemas.Create(ctx, def); err != nil && !errors.Is(err, apperrors.ErrConflict) {
			return nil, err
		}
		return def, nil
	}
	return s.schemas.Get(ctx, evt.TenantID, evt.EntityName, evt.Version)
}
