package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// IsDuplicateKeyErr reports whether err is a unique-constraint violation.
// Redemption idempotency relies on this classification: the loser of a
// concurrent insert race must see the conflict, not a generic failure.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL: unique_violation
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL error 1062
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite error 2067
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}
