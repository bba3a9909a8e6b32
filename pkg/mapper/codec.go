package mapper

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline-io/fieldline/pkg/apperrors"
	"github.com/fieldline-io/fieldline/pkg/models"
)

// Record is the loosely-typed external representation of an entity:
// field name → value. All internal access routes through the mapping;
// nothing in the engine indexes a record by position.
type Record map[string]any

// Row is the storage-facing representation: column name → value.
type Row map[string]any

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Encode validates a record against the mapping and translates it to a
// storage row. Unknown fields are rejected outright rather than silently
// dropped. Missing optional fields take their declared default, or null.
// An explicit null value is canonicalized the same way as an absent
// field: for an optional field without a default it stores NULL, which
// Decode renders by omitting the field. Returns
// apperrors.ErrFieldMismatch on any violation.
func Encode(mapping *EntityMapping, record Record) (Row, error) {
	for name := range record {
		if _, ok := mapping.Field(name); !ok {
			return nil, fmt.Errorf("%w: unknown field %q for entity %q v%d", apperrors.ErrFieldMismatch, name, mapping.EntityName(), mapping.Version())
		}
	}

	row := make(Row, mapping.FieldCount())
	for _, fm := range mapping.Fields() {
		value, present := record[fm.Field]
		if !present || value == nil {
			if fm.Def.Default != nil {
				row[fm.Column] = fm.Def.Default
				continue
			}
			if fm.Def.Required {
				return nil, fmt.Errorf("%w: required field %q is absent", apperrors.ErrFieldMismatch, fm.Field)
			}
			row[fm.Column] = nil
			continue
		}

		coerced, err := coerceValue(fm, value)
		if err != nil {
			return nil, err
		}
		row[fm.Column] = coerced
	}
	return row, nil
}

// Decode translates a storage row back to a record. Every value is returned
// under its original field name regardless of property declaration order or
// the physical column order of the row. Columns the mapping does not know
// about (engine housekeeping columns) are ignored. Null columns take the
// field's declared default, or are omitted.
func Decode(mapping *EntityMapping, row Row) (Record, error) {
	record := make(Record, mapping.FieldCount())
	for _, fm := range mapping.Fields() {
		value, present := row[fm.Column]
		if !present || value == nil {
			if fm.Def.Default != nil {
				record[fm.Field] = fm.Def.Default
			}
			continue
		}

		decoded, err := decodeValue(fm, value)
		if err != nil {
			return nil, err
		}
		record[fm.Field] = decoded
	}
	return record, nil
}

// EncodeValue validates and coerces a single field value against the
// mapping. Used for filter and partial-update values that do not pass
// through a full Encode.
func EncodeValue(mapping *EntityMapping, field string, value any) (any, error) {
	fm, ok := mapping.Field(field)
	if !ok {
		return nil, fmt.Errorf("%w: unknown field %q for entity %q v%d", apperrors.ErrFieldMismatch, field, mapping.EntityName(), mapping.Version())
	}
	if value == nil {
		if fm.Def.Required {
			return nil, fmt.Errorf("%w: required field %q cannot be null", apperrors.ErrFieldMismatch, field)
		}
		return nil, nil
	}
	return coerceValue(fm, value)
}

// coerceValue validates a record value against its property definition and
// normalizes it to the canonical Go type for its property type.
func coerceValue(fm FieldMapping, value any) (any, error) {
	switch fm.Def.Type {
	case models.PropertyTypeString:
		s, ok := value.(string)
		if !ok {
			return nil, mismatch(fm, "expected string, got %T", value)
		}
		if err := validateString(fm, s); err != nil {
			return nil, err
		}
		return s, nil

	case models.PropertyTypeInteger:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			// JSON decoding yields float64 for all numbers.
			if v != math.Trunc(v) {
				return nil, mismatch(fm, "expected integer, got %v", v)
			}
			return int64(v), nil
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				return nil, mismatch(fm, "expected integer, got %q", v.String())
			}
			return n, nil
		default:
			return nil, mismatch(fm, "expected integer, got %T", value)
		}

	case models.PropertyTypeNumber:
		switch v := value.(type) {
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, mismatch(fm, "expected number, got %q", v.String())
			}
			return f, nil
		default:
			return nil, mismatch(fm, "expected number, got %T", value)
		}

	case models.PropertyTypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, mismatch(fm, "expected boolean, got %T", value)
		}
		return b, nil

	case models.PropertyTypeDatetime:
		switch v := value.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, mismatch(fm, "expected RFC 3339 timestamp, got %q", v)
			}
			return t.UTC(), nil
		default:
			return nil, mismatch(fm, "expected timestamp, got %T", value)
		}

	case models.PropertyTypeObject:
		switch value.(type) {
		case map[string]any, []any:
			return value, nil
		default:
			return nil, mismatch(fm, "expected object or array, got %T", value)
		}

	default:
		// buildMapping rejects unknown types; unreachable on a built mapping.
		return nil, mismatch(fm, "unrecognized type %q", fm.Def.Type)
	}
}

// decodeValue converts a raw storage value to the canonical record type.
func decodeValue(fm FieldMapping, value any) (any, error) {
	switch fm.Def.Type {
	case models.PropertyTypeObject:
		// JSONB comes back as []byte from the driver.
		if raw, ok := value.([]byte); ok {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return nil, mismatch(fm, "stored object does not parse: %v", err)
			}
			return decoded, nil
		}
		return value, nil
	case models.PropertyTypeDatetime:
		if t, ok := value.(time.Time); ok {
			return t.UTC(), nil
		}
		return value, nil
	case models.PropertyTypeInteger:
		switch v := value.(type) {
		case int32:
			return int64(v), nil
		case int:
			return int64(v), nil
		}
		return value, nil
	case models.PropertyTypeNumber:
		if v, ok := value.(float32); ok {
			return float64(v), nil
		}
		return value, nil
	default:
		return value, nil
	}
}

func validateString(fm FieldMapping, s string) error {
	if fm.Def.MinLength != nil && len(s) < *fm.Def.MinLength {
		return mismatch(fm, "length %d below minimum %d", len(s), *fm.Def.MinLength)
	}
	if fm.Def.MaxLength != nil && len(s) > *fm.Def.MaxLength {
		return mismatch(fm, "length %d above maximum %d", len(s), *fm.Def.MaxLength)
	}
	if fm.pattern != nil && !fm.pattern.MatchString(s) {
		return mismatch(fm, "value does not match pattern %q", fm.Def.Pattern)
	}
	switch fm.Def.Format {
	case "":
	case "email":
		if !emailPattern.MatchString(s) {
			return mismatch(fm, "value is not a valid email address")
		}
	case "uuid":
		if _, err := uuid.Parse(s); err != nil {
			return mismatch(fm, "value is not a valid UUID")
		}
	default:
		return mismatch(fm, "unrecognized format %q", fm.Def.Format)
	}
	return nil
}

func mismatch(fm FieldMapping, format string, args ...any) error {
	return fmt.Errorf("%w: field %q: %s", apperrors.ErrFieldMismatch, fm.Field, fmt.Sprintf(format, args...))
}
