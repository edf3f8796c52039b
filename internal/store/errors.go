package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when an insert hits the idempotency constraint.
	ErrDuplicate = errors.New("store: duplicate delivery log")
	// ErrStaleTransition is returned when a status update matched no
	// non-terminal row.
	ErrStaleTransition = errors.New("store: log missing or already terminal")
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
