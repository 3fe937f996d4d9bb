package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Postgres SQLSTATE codes the billing core reacts to.
const (
	PGSerializationFailure = "40001"
	PGDeadlockDetected     = "40P01"
	PGLockNotAvailable     = "55P03"
	PGUniqueViolation      = "23505"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || HasPGCode(err, PGUniqueViolation) {
		return true
	}

	msg := err.Error()
	// PostgreSQL without pgconn wrapping, MySQL 1062, SQLite 2067.
	return strings.Contains(msg, "duplicate key value violates unique constraint") ||
		strings.Contains(msg, "Error 1062") ||
		strings.Contains(msg, "UNIQUE constraint failed")
}

// IsRetryable reports whether err is transient lock contention, so the whole
// transaction can be replayed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if HasPGCode(err, PGSerializationFailure) ||
		HasPGCode(err, PGDeadlockDetected) ||
		HasPGCode(err, PGLockNotAvailable) {
		return true
	}

	msg := strings.ToLower(err.Error())
	// MySQL 1213 deadlock / 1205 lock wait timeout, SQLite busy/locked.
	return strings.Contains(msg, "error 1213") ||
		strings.Contains(msg, "error 1205") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

func IsLockTimeout(err error) bool {
	return HasPGCode(err, PGLockNotAvailable)
}

func IsSerializationFailure(err error) bool {
	return HasPGCode(err, PGSerializationFailure) || HasPGCode(err, PGDeadlockDetected)
}

func HasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

// IsDBError reports whether err came from the database layer rather than
// from business validation. Record-not-found is not a DB error.
func IsDBError(err error) bool {
	if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrInvalidValue) ||
		errors.Is(err, gorm.ErrNotImplemented) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) || IsRetryable(err)
}
