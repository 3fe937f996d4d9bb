package migration

import (
	"io/fs"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestAutoMigrateCreatesTables(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:migration_test?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	if err := Run(db, "sqlite"); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	for _, table := range []string{"invoices", "payment_entries", "escalation_overrides", "reminders", "audit_logs"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s", table)
		}
	}
	if !db.Migrator().HasColumn("reminders", "is_read") {
		t.Fatalf("expected reminders.is_read column")
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(embeddedMigrations, "sql/*.up.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	downs, err := fs.Glob(embeddedMigrations, "sql/*.down.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(ups) == 0 || len(ups) != len(downs) {
		t.Fatalf("expected paired migrations, got %d up and %d down", len(ups), len(downs))
	}
}
