package apperrors

import "errors"

var (
	// ErrInvalidSchema indicates a schema definition that cannot produce a
	// valid mapping: unknown property type, key field missing from the
	// properties, or two properties colliding on the same storage column.
	// Surfaced to the schema author at build time; never reaches storage.
	ErrInvalidSchema = errors.New("invalid schema")

	// ErrFieldMismatch indicates a record that does not conform to its
	// mapping: a required field is absent, a value fails validation, or the
	// record carries a field the mapping does not know about.
	ErrFieldMismatch = errors.New("field mismatch")

	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrConstraintViolation = errors.New("constraint violation")

	// ErrUnavailable indicates the storage engine is unreachable.
	// Retryable by the caller with bounded backoff.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrSchemaNotFound indicates no schema is provisioned for the
	// requested tenant+entity.
	ErrSchemaNotFound = errors.New("schema not found")

	// ErrSchemaDraining indicates the entity is mid-migration: in-flight
	// operations against the old mapping finish, new ones are rejected
	// until the new mapping activates. Callers should retry shortly.
	ErrSchemaDraining = errors.New("schema draining")
)
