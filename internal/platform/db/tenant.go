package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
	DBTxKey     contextKey = "db_tx"
)

const schemaPrefix = "tenant_"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidTenantID reports whether id is safe to interpolate into a schema name.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// SchemaName returns the Postgres schema holding a tenant's tables.
func SchemaName(tenantID string) string {
	return schemaPrefix + tenantID
}

func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)

			if !ValidTenantID(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := c.Request().Context()
			conn, err := acquireTenantConn(ctx, pool, tenantID)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "tenant resolution failed")
			}
			defer releaseTenantConn(conn)

			ctx = context.WithValue(ctx, TenantIDKey, tenantID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)

			return next(c)
		}
	}
}

// WithTenantConn runs fn with a tenant-scoped connection bound to ctx, the
// same way TenantMiddleware does for HTTP requests. Used by the CLI and the
// scheduler.
func WithTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string, fn func(ctx context.Context) error) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}
	conn, err := acquireTenantConn(ctx, pool, tenantID)
	if err != nil {
		return err
	}
	defer releaseTenantConn(conn)

	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return fn(ctx)
}

func acquireTenantConn(ctx context.Context, pool *pgxpool.Pool, tenantID string) (*pgxpool.Conn, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(tenantID)))
	if err != nil {
		conn.Release()
		return nil, fmt.Errorf("set search_path for tenant %s: %w", tenantID, err)
	}
	return conn, nil
}

// releaseTenantConn resets the search_path so a pooled connection never
// carries one tenant's schema into another request.
func releaseTenantConn(conn *pgxpool.Conn) {
	if _, err := conn.Exec(context.Background(), "RESET search_path"); err != nil {
		conn.Conn().Close(context.Background())
	}
	conn.Release()
}

func extractTenantID(c echo.Context, defaultTenant string) string {
	// 1. Check JWT claim (set by auth middleware)
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}

	// 2. Check X-Tenant-ID header
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}

	// 3. Check query parameter
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}

	return defaultTenant
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// WithTenant returns a context carrying tenantID without a connection.
// Intended for tests and in-memory backends.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, TenantIDKey, tenantID)
}

// CreateTenantSchema creates a new schema for a tenant and runs all migrations against it.
// A nil migrations filesystem skips migrations.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrations fs.FS) error {
	if !ValidTenantID(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}

	schema := SchemaName(tenantID)

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrations != nil {
		migrator := NewMigrator(pool, migrations)
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}

// ListTenants returns the IDs of every tenant schema in the database.
func ListTenants(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT schema_name FROM information_schema.schemata
		WHERE schema_name LIKE 'tenant\_%'
		ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("list tenant schemas: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var schema string
		if err := rows.Scan(&schema); err != nil {
			return nil, fmt.Errorf("scan schema name: %w", err)
		}
		tenants = append(tenants, strings.TrimPrefix(schema, schemaPrefix))
	}
	return tenants, rows.Err()
}
