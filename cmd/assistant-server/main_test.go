package main

import (
	"bytes"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/ehr/assistant/internal/config"
	"github.com/ehr/assistant/internal/platform/auditlog"
	"github.com/ehr/assistant/internal/platform/db"
)

func TestMigrationSource_EmbeddedByDefault(t *testing.T) {
	names, err := fs.Glob(migrationSource(""), "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	want := []string{"001_clinical.sql", "002_assistant.sql", "003_audit_chain.sql"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("embedded migrations = %v, want %v", names, want)
	}
}

func TestMigrationSource_Directory(t *testing.T) {
	dir := t.TempDir()
	names, err := fs.Glob(migrationSource(dir), "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected empty directory, got %v", names)
	}
}

func TestDescribeVerify(t *testing.T) {
	ok := describeVerify("clinic_a", &auditlog.VerifyResult{Valid: true, Checked: 12})
	if ok != "clinic_a: ok (12 entries)" {
		t.Errorf("unexpected summary: %q", ok)
	}

	id := int64(7)
	broken := describeVerify("clinic_b", &auditlog.VerifyResult{Checked: 6, FirstBrokenAt: &id, Reason: "stored hash does not match recomputation"})
	if !strings.Contains(broken, "BROKEN") || !strings.Contains(broken, "entry 7") {
		t.Errorf("unexpected summary: %q", broken)
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, "tenant_default", []db.MigrationStatus{
		{Version: 1, Name: "001_clinical.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_assistant.sql"},
	})
	out := buf.String()
	if !strings.Contains(out, "applied") || !strings.Contains(out, "2026-03-01 08:00:00") {
		t.Errorf("missing applied row:\n%s", out)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("missing pending row:\n%s", out)
	}
}

func TestRechain_RequiresConfirmation(t *testing.T) {
	cmd := auditCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)

	cmd.SetArgs([]string{"rechain", "--tenant", "clinic_a"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--confirm") {
		t.Fatalf("expected confirmation error, got %v", err)
	}

	cmd.SetArgs([]string{"rechain", "--confirm"})
	err = cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "--tenant") {
		t.Fatalf("expected tenant error, got %v", err)
	}
}

func TestTenantCreate_RejectsInvalidName(t *testing.T) {
	cmd := tenantCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"create", "--name", "bad-name; DROP"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "invalid tenant") {
		t.Fatalf("expected invalid tenant error, got %v", err)
	}
}

func TestNewUsageRepo_RejectsBadRedisURL(t *testing.T) {
	_, _, err := newUsageRepo(&config.Config{UsageBackend: "redis", RedisURL: "not-a-url"}, nil)
	if err == nil {
		t.Fatal("expected parse error for REDIS_URL")
	}
}

func TestNewUsageRepo_DefaultsToPostgres(t *testing.T) {
	repo, closeFn, err := newUsageRepo(&config.Config{UsageBackend: "postgres"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo == nil {
		t.Fatal("expected a repository")
	}
	if err := closeFn(); err != nil {
		t.Errorf("close: %v", err)
	}
}
