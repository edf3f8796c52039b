// Package store is the Postgres access layer: the delivery_logs table the
// pipeline owns, and read-only lookups of the leads, contracts and
// destinations maintained by the rest of the platform.
package store

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	logsTable         = "convhook.delivery_logs"
	leadsTable        = "convhook.leads"
	contractsTable    = "convhook.contracts"
	destinationsTable = "convhook.destinations"

	idempotencyConstraint = "uq_delivery_logs_idempotency"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store runs squirrel-built statements against a pgx pool.
type Store struct {
	db DB
	sb sq.StatementBuilderType
}

// New returns a Store using Postgres ($n) placeholders.
func New(db DB) *Store {
	return &Store{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
