package db

import (
	"errors"
	"strings"
	"testing"

	"github.com/smallbiznis/carebill/internal/config"
)

func TestNormalizeType(t *testing.T) {
	cases := map[string]string{
		" PostgreSQL ": TypePostgres,
		"pg":           TypePostgres,
		"mysql":        TypeMySQL,
		"sqlite3":      TypeSQLite,
		"oracle":       "oracle",
	}
	for raw, want := range cases {
		if got := NormalizeType(raw); got != want {
			t.Fatalf("NormalizeType(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestDialectSelection(t *testing.T) {
	for _, dbType := range []string{"postgres", "mysql", "sqlite"} {
		d, err := Dialect(config.Config{DBType: dbType, DBPath: "test.db"})
		if err != nil {
			t.Fatalf("%s: %v", dbType, err)
		}
		if d.Name() != dbType {
			t.Fatalf("expected dialector %s, got %s", dbType, d.Name())
		}
	}

	_, err := Dialect(config.Config{DBType: "oracle"})
	if !errors.Is(err, ErrUnsupportedDialect) {
		t.Fatalf("expected ErrUnsupportedDialect, got %v", err)
	}
}

func TestPostgresDSNEscapesCredentials(t *testing.T) {
	dsn := postgresDSN(config.Config{
		AppName: "carebill", DBUser: "billing", DBPassword: "p@ss word",
		DBHost: "db", DBPort: "5432", DBName: "carebill", DBSSLMode: "disable",
	})
	if !strings.HasPrefix(dsn, "postgres://billing:p%40ss%20word@db:5432/carebill?") {
		t.Fatalf("unexpected dsn %s", dsn)
	}
	if !strings.Contains(dsn, "application_name=carebill") || !strings.Contains(dsn, "TimeZone=UTC") {
		t.Fatalf("missing query params in %s", dsn)
	}
}
