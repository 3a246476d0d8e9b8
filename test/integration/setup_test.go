package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/assistant/internal/platform/auditlog"
	"github.com/ehr/assistant/internal/platform/auth"
	"github.com/ehr/assistant/internal/platform/db"
	"github.com/ehr/assistant/migrations"
)

// testDB holds the shared database infrastructure for integration tests.
type testDB struct {
	Pool    *pgxpool.Pool
	ConnStr string
}

// globalDB is the package-level test database, initialized once in TestMain.
var globalDB *testDB

func TestMain(m *testing.M) {
	if _, err := exec.LookPath("docker"); err != nil {
		fmt.Fprintln(os.Stderr, "skipping integration tests: docker not found")
		os.Exit(0)
	}

	ctx := context.Background()
	connStr, cleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	pool, err := db.NewPool(ctx, connStr, 20, 2)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}

	globalDB = &testDB{Pool: pool, ConnStr: connStr}
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// newTenant creates a migrated tenant schema and drops it when the test ends.
func newTenant(t *testing.T, prefix string) string {
	t.Helper()
	ctx := context.Background()
	tenantID := uniqueTenantID(prefix)
	if err := db.CreateTenantSchema(ctx, globalDB.Pool, tenantID, migrations.FS); err != nil {
		t.Fatalf("create tenant schema %s: %v", tenantID, err)
	}
	t.Cleanup(func() {
		schema := db.SchemaName(tenantID)
		if _, err := globalDB.Pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
	})
	return tenantID
}

// uniqueTenantID generates a unique tenant ID for test isolation.
func uniqueTenantID(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}

// inTenant runs fn on a tenant-scoped connection as userID, the way the
// HTTP middleware stack binds a request.
func inTenant(t *testing.T, tenantID, userID string, fn func(ctx context.Context) error) {
	t.Helper()
	if err := runInTenant(tenantID, userID, fn); err != nil {
		t.Fatalf("tenant %s: %v", tenantID, err)
	}
}

func runInTenant(tenantID, userID string, fn func(ctx context.Context) error) error {
	ctx := auth.WithUser(context.Background(), userID, []string{"physician"})
	return db.WithTenantConn(ctx, globalDB.Pool, tenantID, fn)
}

// insertPatient adds a patient row directly.
func insertPatient(t *testing.T, tenantID, first, last string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	inTenant(t, tenantID, "seed", func(ctx context.Context) error {
		_, err := db.Conn(ctx, globalDB.Pool).Exec(ctx,
			`INSERT INTO patient (id, mrn, first_name, last_name, birth_date) VALUES ($1, $2, $3, $4, $5)`,
			id, "MRN-"+id.String()[:8], first, last, time.Date(1970, 5, 1, 0, 0, 0, 0, time.UTC))
		return err
	})
	return id
}

// countRows counts rows in table of tenantID.
func countRows(t *testing.T, tenantID, table string) int {
	t.Helper()
	var n int
	inTenant(t, tenantID, "seed", func(ctx context.Context) error {
		return db.Conn(ctx, globalDB.Pool).QueryRow(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	})
	return n
}

func newAuditWriter() *auditlog.Writer {
	return auditlog.NewWriter(auditlog.NewPGStore(globalDB.Pool), nil, zerolog.Nop())
}

// verifyChain runs a full verification of tenantID's chain.
func verifyChain(t *testing.T, tenantID string) *auditlog.VerifyResult {
	t.Helper()
	var res *auditlog.VerifyResult
	inTenant(t, tenantID, "auditor", func(ctx context.Context) error {
		var err error
		res, err = auditlog.Verify(ctx, auditlog.NewPGStore(globalDB.Pool), auditlog.Range{})
		return err
	})
	return res
}
