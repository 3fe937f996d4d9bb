package db

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/smallbiznis/carebill/internal/config"
)

var ErrUnsupportedDialect = errors.New("unsupported_database_type")

const (
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeSQLite   = "sqlite"
)

// NormalizeType maps DATABASE_TYPE aliases onto the dialect names GORM
// reports. Unknown values are returned lower-cased.
func NormalizeType(raw string) string {
	switch t := strings.ToLower(strings.TrimSpace(raw)); t {
	case "postgresql", "pg", "pgx":
		return TypePostgres
	case "sqlite3":
		return TypeSQLite
	default:
		return t
	}
}

func Dialect(cfg config.Config) (gorm.Dialector, error) {
	switch NormalizeType(cfg.DBType) {
	case TypePostgres:
		return postgres.New(postgres.Config{DSN: postgresDSN(cfg)}), nil
	case TypeMySQL:
		return mysql.New(mysql.Config{DSN: mysqlDSN(cfg), DefaultStringSize: 255}), nil
	case TypeSQLite:
		return sqlite.Open(sqliteDSN(cfg.DBPath)), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.DBType)
}

func postgresDSN(cfg config.Config) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.DBUser, cfg.DBPassword),
		Host:   cfg.DBHost + ":" + cfg.DBPort,
		Path:   "/" + cfg.DBName,
	}
	q := url.Values{}
	q.Set("sslmode", cfg.DBSSLMode)
	q.Set("TimeZone", "UTC")
	q.Set("application_name", cfg.AppName)
	u.RawQuery = q.Encode()
	return u.String()
}

func mysqlDSN(cfg config.Config) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
}

// sqliteDSN queues concurrent writers for up to five seconds and enforces
// the reversal foreign key.
func sqliteDSN(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "carebill.db"
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}
