package mapper

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/jinzhu/inflection"

	"github.com/fieldline-io/fieldline/pkg/apperrors"
	"github.com/fieldline-io/fieldline/pkg/models"
)

// Mapper builds entity mappings from schema definitions and memoizes them
// per (tenant, entity, version). Stateless apart from the memo; safe for
// concurrent use.
type Mapper struct {
	mu   sync.Mutex
	memo map[string]*EntityMapping
}

// New creates a new Mapper.
func New() *Mapper {
	return &Mapper{memo: make(map[string]*EntityMapping)}
}

// BuildMapping derives the storage mapping for a schema definition.
// Returns apperrors.ErrInvalidSchema when a property type is unrecognized,
// the key field is missing from the properties, a pattern does not compile,
// or two properties collide on the same derived column name.
func (m *Mapper) BuildMapping(def *models.SchemaDefinition) (*EntityMapping, error) {
	key := fmt.Sprintf("%s/%s/%d", def.TenantID, def.EntityName, def.Version)

	m.mu.Lock()
	if cached, ok := m.memo[key]; ok {
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	built, err := buildMapping(def)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.memo[key] = built
	m.mu.Unlock()
	return built, nil
}

func buildMapping(def *models.SchemaDefinition) (*EntityMapping, error) {
	if def.EntityName == "" {
		return nil, fmt.Errorf("%w: entity name is empty", apperrors.ErrInvalidSchema)
	}
	if len(def.Properties) == 0 {
		return nil, fmt.Errorf("%w: no properties declared", apperrors.ErrInvalidSchema)
	}
	if !def.HasKeyField() {
		return nil, fmt.Errorf("%w: key field %q is not declared in properties", apperrors.ErrInvalidSchema, def.KeyField)
	}

	mapping := &EntityMapping{
		tenantID:   def.TenantID,
		entityName: def.EntityName,
		version:    def.Version,
		table:      TableName(def.EntityName),
		keyField:   def.KeyField,
		byField:    make(map[string]FieldMapping, len(def.Properties)),
		byColumn:   make(map[string]FieldMapping, len(def.Properties)),
	}

	for _, p := range def.Properties {
		if !models.IsValidPropertyType(p.Definition.Type) {
			return nil, fmt.Errorf("%w: property %q has unrecognized type %q", apperrors.ErrInvalidSchema, p.Name, p.Definition.Type)
		}
		if _, dup := mapping.byField[p.Name]; dup {
			return nil, fmt.Errorf("%w: property %q declared twice", apperrors.ErrInvalidSchema, p.Name)
		}

		column := ColumnName(p.Name)
		if prior, collides := mapping.byColumn[column]; collides {
			return nil, fmt.Errorf("%w: properties %q and %q collide on column %q", apperrors.ErrInvalidSchema, prior.Field, p.Name, column)
		}

		fm := FieldMapping{Field: p.Name, Column: column, Def: p.Definition}
		if p.Definition.Pattern != "" {
			re, err := regexp.Compile(anchored(p.Definition.Pattern))
			if err != nil {
				return nil, fmt.Errorf("%w: property %q has invalid pattern: %v", apperrors.ErrInvalidSchema, p.Name, err)
			}
			fm.pattern = re
		}

		mapping.byField[p.Name] = fm
		mapping.byColumn[column] = fm
		mapping.order = append(mapping.order, p.Name)
	}

	mapping.keyColumn = mapping.byField[def.KeyField].Column
	return mapping, nil
}

// TableName derives the storage table name for an entity: snake_case,
// pluralized ("contact" → "contacts", "OrderItem" → "order_items").
func TableName(entityName string) string {
	return inflection.Plural(ColumnName(entityName))
}

// ColumnName derives the storage column name for a field: lower snake_case
// with any non-identifier runes folded to underscores. Distinct field names
// may collide here ("firstName" and "first_name"); BuildMapping rejects the
// schema rather than letting two fields share a column.
func ColumnName(fieldName string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range fieldName {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevLower = true
		default:
			b.WriteByte('_')
			prevLower = false
		}
	}
	return b.String()
}

func anchored(pattern string) string {
	if !strings.HasPrefix(pattern, "^") {
		pattern = "^" + pattern
	}
	if !strings.HasSuffix(pattern, "$") {
		pattern += "$"
	}
	return pattern
}
