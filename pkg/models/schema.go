package models

import (
	"time"

	"github.com/google/uuid"
)

// PropertyType enumerates the value types a schema property may declare.
type PropertyType string

const (
	PropertyTypeString   PropertyType = "string"
	PropertyTypeInteger  PropertyType = "integer"
	PropertyTypeNumber   PropertyType = "number"
	PropertyTypeBoolean  PropertyType = "boolean"
	PropertyTypeDatetime PropertyType = "datetime"
	PropertyTypeObject   PropertyType = "object"
)

// ValidPropertyTypes contains all valid property type values.
var ValidPropertyTypes = []PropertyType{
	PropertyTypeString,
	PropertyTypeInteger,
	PropertyTypeNumber,
	PropertyTypeBoolean,
	PropertyTypeDatetime,
	PropertyTypeObject,
}

// IsValidPropertyType checks if the given type is valid.
func IsValidPropertyType(t PropertyType) bool {
	for _, v := range ValidPropertyTypes {
		if v == t {
			return true
		}
	}
	return false
}

// PropertyDefinition describes one field of an entity schema.
type PropertyDefinition struct {
	Type      PropertyType `json:"type"`
	Required  bool         `json:"required,omitempty"`
	Format    string       `json:"format,omitempty"`  // "email", "uuid" (string type only)
	Pattern   string       `json:"pattern,omitempty"` // anchored regexp (string type only)
	MinLength *int         `json:"min_length,omitempty"`
	MaxLength *int         `json:"max_length,omitempty"`
	Default   any          `json:"default,omitempty"`
}

// Property pairs a field name with its definition. SchemaDefinition keeps
// properties as an ordered slice so the author's declaration order survives
// serialization, but the order is informational only: every lookup in the
// engine is by field name, never by position.
type Property struct {
	Name       string             `json:"name"`
	Definition PropertyDefinition `json:"definition"`
}

// SchemaDefinition is one version of a tenant entity's schema.
// Definitions are immutable once deployed; an update produces a new version
// and prior versions are retained for rollback reference.
type SchemaDefinition struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	EntityName string     `json:"entity_name"`
	Version    int        `json:"version"`
	KeyField   string     `json:"key_field"`
	Properties []Property `json:"properties"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Property returns the definition for the named field.
func (d *SchemaDefinition) Property(name string) (PropertyDefinition, bool) {
	for _, p := range d.Properties {
		if p.Name == name {
			return p.Definition, true
		}
	}
	return PropertyDefinition{}, false
}

// HasKeyField reports whether the declared key field exists in properties.
func (d *SchemaDefinition) HasKeyField() bool {
	_, ok := d.Property(d.KeyField)
	return ok
}

// FieldNames returns the declared field names in declaration order.
func (d *SchemaDefinition) FieldNames() []string {
	names := make([]string, 0, len(d.Properties))
	for _, p := range d.Properties {
		names = append(names, p.Name)
	}
	return names
}
