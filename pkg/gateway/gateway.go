package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/fieldline-io/fieldline/pkg/apperrors"
	"github.com/fieldline-io/fieldline/pkg/database"
	"github.com/fieldline-io/fieldline/pkg/mapper"
	"github.com/fieldline-io/fieldline/pkg/models"
)

// QueryOptions narrows a Query call. Filters are keyed by field name and
// translated through the mapping; limit/offset paginate; OrderBy names a
// single field, ascending unless Desc.
type QueryOptions struct {
	Filters map[string]any
	Limit   int
	Offset  int
	OrderBy string
	Desc    bool
}

// StorageGateway executes CRUD against tenant storage using a given
// mapping. Handlers obtain the mapping from the schema cache; the gateway
// derives every table reference from the mapping's tenant, so a call
// scoped to one tenant cannot address another tenant's storage.
type StorageGateway interface {
	// EnsureSchema creates the tenant namespace and entity table if absent
	// and appends any columns the mapping declares that storage lacks.
	// Idempotent; never removes or renames existing columns.
	EnsureSchema(ctx context.Context, mapping *mapper.EntityMapping) error

	// Insert encodes and stores a new record.
	Insert(ctx context.Context, mapping *mapper.EntityMapping, record mapper.Record) error

	// Get returns the record with the given key.
	Get(ctx context.Context, mapping *mapper.EntityMapping, key string) (mapper.Record, error)

	// Query returns records matching the options, decoded through the mapping.
	Query(ctx context.Context, mapping *mapper.EntityMapping, opts QueryOptions) ([]mapper.Record, error)

	// Update applies the given fields to the record with the given key.
	Update(ctx context.Context, mapping *mapper.EntityMapping, key string, fields mapper.Record) error

	// Delete removes the record with the given key.
	Delete(ctx context.Context, mapping *mapper.EntityMapping, key string) error

	// ListKeys returns up to limit record keys strictly after afterKey in
	// key order. Used by backfill to walk the population in bounded batches.
	ListKeys(ctx context.Context, mapping *mapper.EntityMapping, afterKey string, limit int) ([]string, error)

	// BackfillColumns sets the given column values on the identified rows,
	// preserving any value already present. Converges under re-execution.
	BackfillColumns(ctx context.Context, mapping *mapper.EntityMapping, keys []string, values mapper.Row) error

	// DropColumns removes columns from the entity table. Only the contract
	// phase of a migration may call this.
	DropColumns(ctx context.Context, mapping *mapper.EntityMapping, columns []string) error
}

type storageGateway struct {
	db     *database.DB
	logger *zap.Logger
}

// New creates a StorageGateway backed by Postgres.
func New(db *database.DB, logger *zap.Logger) StorageGateway {
	return &storageGateway{db: db, logger: logger.Named("storage-gateway")}
}

var _ StorageGateway = (*storageGateway)(nil)

// withTenant yields a connection pinned to the mapping's tenant. A scope
// already present on the context is reused when it belongs to the same
// tenant; a scope for a different tenant is a caller bug and is refused.
func (g *storageGateway) withTenant(ctx context.Context, mapping *mapper.EntityMapping) (*database.TenantScope, func(), error) {
	if scope, ok := database.GetTenantScope(ctx); ok {
		if scope.TenantID != mapping.TenantID() {
			return nil, nil, fmt.Errorf("tenant scope %s does not match mapping tenant %s", scope.TenantID, mapping.TenantID())
		}
		return scope, func() {}, nil
	}

	scope, err := g.db.WithTenant(ctx, mapping.TenantID())
	if err != nil {
		return nil, nil, classifyError(err)
	}
	return scope, scope.Close, nil
}

func (g *storageGateway) EnsureSchema(ctx context.Context, mapping *mapper.EntityMapping) error {
	scope, done, err := g.withTenant(ctx, mapping)
	if err != nil {
		return err
	}
	defer done()

	if _, err := scope.Conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", scope.Schema)); err != nil {
		return classifyError(err)
	}

	create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q.%q (%q TEXT PRIMARY KEY)",
		scope.Schema, mapping.Table(), mapping.KeyColumn())
	if _, err := scope.Conn.Exec(ctx, create); err != nil {
		return classifyError(err)
	}

	// Additive only: appending a column takes a brief metadata lock, never
	// an exclusive lock on existing rows, so live traffic keeps flowing.
	for _, fm := range mapping.Fields() {
		if fm.Column == mapping.KeyColumn() {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %q.%q ADD COLUMN IF NOT EXISTS %q %s",
			scope.Schema, mapping.Table(), fm.Column, columnType(fm.Def.Type))
		if _, err := scope.Conn.Exec(ctx, alter); err != nil {
			return classifyError(err)
		}
	}

	g.logger.Debug("Schema ensured",
		zap.String("tenant_id", mapping.TenantID().String()),
		zap.String("table", mapping.Table()),
		zap.Int("columns", mapping.FieldCount()))
	return nil
}

func (g *storageGateway) Insert(ctx context.Context, mapping *mapper.EntityMapping, record mapper.Record) error {
	row, err := mapper.Encode(mapping, record)
	if err != nil {
		return err
	}

	scope, done, gerr := g.withTenant(ctx, mapping)
	if gerr != nil {
		return gerr
	}
	defer done()

	columns := mapping.Columns()
	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = fmt.Sprintf("%q", col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[col]
	}

	query := fmt.Sprintf("INSERT INTO %q.%q (%s) VALUES (%s)",
		scope.Schema, mapping.Table(),
		strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	if _, err := scope.Conn.Exec(ctx, query, args...); err != nil {
		return classifyError(err)
	}
	return nil
}

func (g *storageGateway) Get(ctx context.Context, mapping *mapper.EntityMapping, key string) (mapper.Record, error) {
	scope, done, err := g.withTenant(ctx, mapping)
	if err != nil {
		return nil, err
	}
	defer done()

	query := fmt.Sprintf("SELECT %s FROM %q.%q WHERE %q = $1",
		selectList(mapping), scope.Schema, mapping.Table(), mapping.KeyColumn())
	rows, err := scope.Conn.Query(ctx, query, key)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	records, err := decodeRows(mapping, rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s %q", apperrors.ErrNotFound, mapping.EntityName(), key)
	}
	return records[0], nil
}

func (g *storageGateway) Query(ctx context.Context, mapping *mapper.EntityMapping, opts QueryOptions) ([]mapper.Record, error) {
	scope, done, err := g.withTenant(ctx, mapping)
	if err != nil {
		return nil, err
	}
	defer done()

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %q.%q", selectList(mapping), scope.Schema, mapping.Table())

	var args []any
	if len(opts.Filters) > 0 {
		conds := make([]string, 0, len(opts.Filters))
		for field, value := range opts.Filters {
			coerced, err := mapper.EncodeValue(mapping, field, value)
			if err != nil {
				return nil, err
			}
			if s, ok := coerced.(string); ok {
				if isSQLi, _ := libinjection.IsSQLi(s); isSQLi {
					return nil, fmt.Errorf("%w: filter value for %q rejected", apperrors.ErrFieldMismatch, field)
				}
			}
			fm, _ := mapping.Field(field)
			args = append(args, coerced)
			conds = append(conds, fmt.Sprintf("%q = $%d", fm.Column, len(args)))
		}
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}

	orderBy := opts.OrderBy
	if orderBy == "" {
		orderBy = mapping.KeyField()
	}
	orderFm, ok := mapping.Field(orderBy)
	if !ok {
		return nil, fmt.Errorf("%w: unknown order field %q", apperrors.ErrFieldMismatch, orderBy)
	}
	fmt.Fprintf(&sb, " ORDER BY %q", orderFm.Column)
	if opts.Desc {
		sb.WriteString(" DESC")
	}

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}

	rows, err := scope.Conn.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	return decodeRows(mapping, rows)
}

func (g *storageGateway) Update(ctx context.Context, mapping *mapper.EntityMapping, key string, fields mapper.Record) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: no fields to update", apperrors.ErrFieldMismatch)
	}

	assignments := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+1)
	for field, value := range fields {
		coerced, err := mapper.EncodeValue(mapping, field, value)
		if err != nil {
			return err
		}
		fm, _ := mapping.Field(field)
		args = append(args, coerced)
		assignments = append(assignments, fmt.Sprintf("%q = $%d", fm.Column, len(args)))
	}

	scope, done, err := g.withTenant(ctx, mapping)
	if err != nil {
		return err
	}
	defer done()

	args = append(args, key)
	query := fmt.Sprintf("UPDATE %q.%q SET %s WHERE %q = $%d",
		scope.Schema, mapping.Table(), strings.Join(assignments, ", "), mapping.KeyColumn(), len(args))
	tag, err := scope.Conn.Exec(ctx, query, args...)
	if err != nil {
		return classifyError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %q", apperrors.ErrNotFound, mapping.EntityName(), key)
	}
	return nil
}

func (g *storageGateway) Delete(ctx context.Context, mapping *mapper.EntityMapping, key string) error {
	scope, done, err := g.withTenant(ctx, mapping)
	if err != nil {
		return err
	}
	defer done()

	query := fmt.Sprintf("DELETE FROM %q.%q WHERE %q = $1", scope.Schema, mapping.Table(), mapping.KeyColumn())
	tag, err := scope.Conn.Exec(ctx, query, key)
	if err != nil {
		return classifyError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %q", apperrors.ErrNotFound, mapping.EntityName(), key)
	}
	return nil
}

func (g *storageGateway) ListKeys(ctx context.Context, mapping *mapper.EntityMapping, afterKey string, limit int) ([]string, error) {
	scope, done, err := g.withTenant(ctx, mapping)
	if err != nil {
		return nil, err
	}
	defer done()

	query := fmt.Sprintf("SELECT %q::text FROM %q.%q WHERE %q::text > $1 ORDER BY %q::text LIMIT $2",
		mapping.KeyColumn(), scope.Schema, mapping.Table(), mapping.KeyColumn(), mapping.KeyColumn())
	rows, err := scope.Conn.Query(ctx, query, afterKey, limit)
	if err != nil {
		return nil, classifyError(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, classifyError(err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err)
	}
	return keys, nil
}

func (g *storageGateway) BackfillColumns(ctx context.Context, mapping *mapper.EntityMapping, keys []string, values mapper.Row) error {
	if len(keys) == 0 || len(values) == 0 {
		return nil
	}

	scope, done, err := g.withTenant(ctx, mapping)
	if err != nil {
		return err
	}
	defer done()

	assignments := make([]string, 0, len(values))
	args := make([]any, 0, len(values)+1)
	for column, value := range values {
		args = append(args, value)
		// COALESCE keeps values written by live traffic between expand and
		// backfill, and makes re-running a batch after a crash converge.
		assignments = append(assignments, fmt.Sprintf("%q = COALESCE(%q, $%d)", column, column, len(args)))
	}
	args = append(args, keys)

	// One statement per batch keeps the row lock scoped to the batch.
	query := fmt.Sprintf("UPDATE %q.%q SET %s WHERE %q::text = ANY($%d)",
		scope.Schema, mapping.Table(), strings.Join(assignments, ", "), mapping.KeyColumn(), len(args))
	if _, err := scope.Conn.Exec(ctx, query, args...); err != nil {
		return classifyError(err)
	}
	return nil
}

func (g *storageGateway) DropColumns(ctx context.Context, mapping *mapper.EntityMapping, columns []string) error {
	scope, done, err := g.withTenant(ctx, mapping)
	if err != nil {
		return err
	}
	defer done()

	for _, column := range columns {
		query := fmt.Sprintf("ALTER TABLE %q.%q DROP COLUMN IF EXISTS %q", scope.Schema, mapping.Table(), column)
		if _, err := scope.Conn.Exec(ctx, query); err != nil {
			return classifyError(err)
		}
		g.logger.Info("Column dropped",
			zap.String("tenant_id", mapping.TenantID().String()),
			zap.String("table", mapping.Table()),
			zap.String("column", column))
	}
	return nil
}

// selectList returns the quoted mapped columns. Selecting by explicit name
// (never SELECT *) keeps decoding independent of physical column order.
func selectList(mapping *mapper.EntityMapping) string {
	columns := mapping.Columns()
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = fmt.Sprintf("%q", col)
	}
	return strings.Join(quoted, ", ")
}

// decodeRows builds records from a result set by column name.
func decodeRows(mapping *mapper.EntityMapping, rows pgx.Rows) ([]mapper.Record, error) {
	var records []mapper.Record
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classifyError(err)
		}
		row := make(mapper.Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		record, err := mapper.Decode(mapping, row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err)
	}
	return records, nil
}

// columnType maps a property type to its Postgres column type.
func columnType(t models.PropertyType) string {
	switch t {
	case models.PropertyTypeInteger:
		return "BIGINT"
	case models.PropertyTypeNumber:
		return "DOUBLE PRECISION"
	case models.PropertyTypeBoolean:
		return "BOOLEAN"
	case models.PropertyTypeDatetime:
		return "TIMESTAMPTZ"
	case models.PropertyTypeObject:
		return "JSONB"
	default:
		return "TEXT"
	}
}

// classifyError folds driver errors into the gateway taxonomy: integrity
// codes become ConstraintViolation, connectivity and timeouts become
// Unavailable (retryable by the caller), everything else passes through.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrUnavailable, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505", pgErr.Code == "23502", pgErr.Code == "23514", pgErr.Code == "22P02":
			return fmt.Errorf("%w: %s", apperrors.ErrConstraintViolation, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P03":
			return fmt.Errorf("%w: %s", apperrors.ErrUnavailable, pgErr.Message)
		}
		return err
	}
	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", apperrors.ErrUnavailable, err)
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "closed pool") || strings.Contains(msg, "conn closed") {
		return fmt.Errorf("%w: %v", apperrors.ErrUnavailable, err)
	}
	return err
}
