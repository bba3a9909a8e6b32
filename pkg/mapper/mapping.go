package mapper

import (
	"regexp"

	"github.com/google/uuid"

	"github.com/fieldline-io/fieldline/pkg/models"
)

// FieldMapping binds one schema field to its storage column plus the
// validation rules applied on encode.
type FieldMapping struct {
	Field  string
	Column string
	Def    models.PropertyDefinition

	pattern *regexp.Regexp // compiled from Def.Pattern at build time
}

// EntityMapping is the derived, immutable translation table for one
// (tenant, entity, version). A schema change produces a new mapping; an
// existing mapping is never mutated, which is what lets the cache swap
// entries wholesale while readers hold references to the old one.
type EntityMapping struct {
	tenantID   uuid.UUID
	entityName string
	version    int
	table      string
	keyField   string
	keyColumn  string

	byField  map[string]FieldMapping
	byColumn map[string]FieldMapping
	order    []string // field names in declaration order
}

// TenantID returns the tenant the mapping belongs to.
func (m *EntityMapping) TenantID() uuid.UUID { return m.tenantID }

// EntityName returns the entity the mapping describes.
func (m *EntityMapping) EntityName() string { return m.entityName }

// Version returns the schema version the mapping was derived from.
func (m *EntityMapping) Version() int { return m.version }

// Table returns the derived storage table name (pluralized entity name).
func (m *EntityMapping) Table() string { return m.table }

// KeyField returns the schema field that uniquely identifies a record.
func (m *EntityMapping) KeyField() string { return m.keyField }

// KeyColumn returns the storage column backing the key field.
func (m *EntityMapping) KeyColumn() string { return m.keyColumn }

// Field returns the mapping for the named schema field.
func (m *EntityMapping) Field(name string) (FieldMapping, bool) {
	fm, ok := m.byField[name]
	return fm, ok
}

// ByColumn returns the mapping owning the named storage column.
func (m *EntityMapping) ByColumn(column string) (FieldMapping, bool) {
	fm, ok := m.byColumn[column]
	return fm, ok
}

// Fields returns all field mappings in declaration order. The order is
// informational; no caller may rely on it for addressing.
func (m *EntityMapping) Fields() []FieldMapping {
	fields := make([]FieldMapping, 0, len(m.order))
	for _, name := range m.order {
		fields = append(fields, m.byField[name])
	}
	return fields
}

// Columns returns all storage column names in declaration order.
func (m *EntityMapping) Columns() []string {
	columns := make([]string, 0, len(m.order))
	for _, name := range m.order {
		columns = append(columns, m.byField[name].Column)
	}
	return columns
}

// FieldCount returns the number of mapped fields.
func (m *EntityMapping) FieldCount() int { return len(m.order) }
