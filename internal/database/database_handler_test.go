package database

import (
	"strings"
	"testing"

	"gorm.io/driver/sqlite"

	"banhammer/internal/domain"
)

func TestBuildDSN(t *testing.T) {
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_NAME", "bans")
	t.Setenv("DB_USERNAME", "writer")
	t.Setenv("DB_PASSWORD", "secret")

	dsn := buildDSN()
	for _, part := range []string{"host=db.internal", "port=6543", "dbname=bans", "user=writer", "password=secret", "sslmode=disable"} {
		if !strings.Contains(dsn, part) {
			t.Fatalf("buildDSN returned %q, missing %q", dsn, part)
		}
	}
}

func TestSetupDBMigratesBanEntries(t *testing.T) {
	db, err := SetupDB(WithDialector(sqlite.Open("file:setupdb?mode=memory&cache=shared")))
	if err != nil {
		t.Fatalf("SetupDB returned error: %v", err)
	}
	t.Cleanup(func() { _ = Close(db) })

	if !db.Migrator().HasTable(&domain.BanEntry{}) {
		t.Fatal("SetupDB did not create the ban_entries table")
	}
	if !db.Migrator().HasIndex(&domain.BanEntry{}, "idx_ban_entries_table_address") {
		t.Fatal("SetupDB did not create the unique (table_id, address) index")
	}
}

func TestSetupDBRequiresConnection(t *testing.T) {
	if _, err := SetupDB(WithDialector(nil)); err == nil {
		t.Fatal("SetupDB without dialector returned nil error")
	}
}

func TestCloseNil(t *testing.T) {
	if err := Close(nil); err != nil {
		t.Fatalf("Close(nil) returned %v, want nil", err)
	}
}
