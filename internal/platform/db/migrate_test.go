package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"003_audit_chain.sql": {Data: []byte("CREATE TABLE audit_entry (id BIGSERIAL PRIMARY KEY);")},
		"001_clinical.sql":    {Data: []byte("CREATE TABLE patient (id UUID PRIMARY KEY);")},
		"002_assistant.sql":   {Data: []byte("CREATE TABLE conversation (id UUID PRIMARY KEY);")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []int{1, 2, 3} {
		if migrations[i].Version != want {
			t.Errorf("migration %d: expected version %d, got %d", i, want, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_clinical.sql" {
		t.Errorf("expected name 001_clinical.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE patient (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_SkipsNonMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"001_clinical.sql":   {Data: []byte("SELECT 1;")},
		"README.md":          {Data: []byte("docs")},
		"noversion.sql":      {Data: []byte("SELECT 2;")},
		"abc_named.sql":      {Data: []byte("SELECT 3;")},
		"archive/002_x.sql":  {Data: []byte("SELECT 4;")},
		"embed.go":           {Data: []byte("package migrations")},
		"010_later_file.sql": {Data: []byte("SELECT 5;")},
	}

	migrations, err := NewMigrator(nil, fsys).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[1].Version != 10 {
		t.Errorf("expected version 10, got %d", migrations[1].Version)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"01_b.sql":  {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigrator(nil, fsys).LoadMigrations(); err == nil {
		t.Error("expected error for duplicate version")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).LoadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}

func TestBuildStatus(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	migrations := []Migration{
		{Version: 1, Name: "001_clinical.sql"},
		{Version: 2, Name: "002_assistant.sql"},
	}
	statuses := buildStatus(migrations, map[int]time.Time{1: at})

	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 1 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected migration 2 pending, got %+v", statuses[1])
	}
}

func TestSchemaLockKey_Stable(t *testing.T) {
	if schemaLockKey("tenant_a") != schemaLockKey("tenant_a") {
		t.Error("expected stable lock key")
	}
	if schemaLockKey("tenant_a") == schemaLockKey("tenant_b") {
		t.Error("expected distinct lock keys per schema")
	}
}
