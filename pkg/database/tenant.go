package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TenantSchema derives the Postgres schema name that holds a tenant's
// entity tables. Tenant data never shares a schema: every table reference
// the engine emits is resolved inside this namespace, so a connection
// scoped to one tenant cannot address another tenant's storage.
func TenantSchema(tenantID uuid.UUID) string {
	return "tenant_" + strings.ReplaceAll(tenantID.String(), "-", "")
}

// TenantScope wraps a connection pinned to one tenant's schema via
// search_path. The connection resolves unqualified table names inside the
// tenant namespace only.
type TenantScope struct {
	Conn     *pgxpool.Conn
	TenantID uuid.UUID
	Schema   string
}

// Close resets the search path and releases the connection to the pool.
// This MUST be called to prevent tenant scope from leaking to the next
// request served by the same connection.
func (s *TenantScope) Close() {
	if s.Conn == nil {
		return
	}
	_, _ = s.Conn.Exec(context.Background(), "RESET search_path")
	s.Conn.Release()
}

// WithTenant acquires a connection and pins its search path to the
// tenant's schema. The returned TenantScope MUST be closed with
// defer scope.Close().
func (db *DB) WithTenant(ctx context.Context, tenantID uuid.UUID) (*TenantScope, error) {
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	schema := TenantSchema(tenantID)
	_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %q", schema))
	if err != nil {
		conn.Release()
		return nil, err
	}

	return &TenantScope{Conn: conn, TenantID: tenantID, Schema: schema}, nil
}
