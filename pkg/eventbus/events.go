package eventbus

import (
	"time"

	"github.com/google/uuid"

	"github.com/fieldline-io/fieldline/pkg/models"
)

// Topics consumed and published by the engine. The transport behind the bus
// is an external collaborator; these names are the engine-side contract.
const (
	TopicSchemaCreated           = "schema.created"
	TopicSchemaUpdatedCompatible = "schema.updated.compatible"
	TopicSchemaUpdatedBreaking   = "schema.updated.breaking"
	TopicSchemaMigrated          = "schema.migrated"

	TopicMigrationRequested  = "schema.migration.requested"
	TopicMigrationStarted    = "schema.migration.started"
	TopicMigrationExpanded   = "schema.migration.expanded"
	TopicMigrationBackfilled = "schema.migration.backfilled"
	TopicMigrationCompleted  = "schema.migration.completed"
	TopicMigrationFailed     = "schema.migration.failed"
)

// Event is the envelope every message carries. Delivery is at-least-once
// with per-tenant ordering; consumers dedupe on
// (tenant, entity, version, phase).
type Event struct {
	ID         uuid.UUID             `json:"id"`
	Topic      string                `json:"topic"`
	TenantID   uuid.UUID             `json:"tenant_id"`
	EntityName string                `json:"entity_name"`
	Version    int                   `json:"version"`
	Phase      models.MigrationPhase `json:"phase,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
	Payload    any                   `json:"payload,omitempty"`
}

// NewEvent builds an envelope with a fresh ID and timestamp.
func NewEvent(topic string, tenantID uuid.UUID, entityName string, version int) Event {
	return Event{
		ID:         uuid.New(),
		Topic:      topic,
		TenantID:   tenantID,
		EntityName: entityName,
		Version:    version,
		Timestamp:  time.Now().UTC(),
	}
}

// SchemaPayload accompanies schema.created and schema.updated.* events.
// The producer asserts the compatible-vs-breaking classification through
// the topic; the cache trusts it rather than re-deriving it.
type SchemaPayload struct {
	Definition *models.SchemaDefinition `json:"definition"`
}

// MigrationRequestedPayload accompanies schema.migration.requested.
type MigrationRequestedPayload struct {
	FromVersion int                  `json:"from_version"`
	ToVersion   int                  `json:"to_version"`
	Plan        models.MigrationPlan `json:"plan"`
}

// MigrationFailedPayload accompanies schema.migration.failed.
type MigrationFailedPayload struct {
	Phase models.MigrationPhase `json:"phase"`
	Error string                `json:"error"`
}
