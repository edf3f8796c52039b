package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/conversion_hook/internal/delivery"
)

var logColumns = []string{
	"id::text",
	"company_id::text",
	"destination_id",
	"event_name",
	"source_event_type",
	"source_entity_id",
	"COALESCE(correlation_id, '')",
	"event_time",
	"event_payload",
	"status",
	"attempts",
	"last_attempt_at",
	"next_retry_at",
	"COALESCE(http_status, 0)",
	"COALESCE(error_code, '')",
	"COALESCE(error_message, '')",
	"COALESCE(provider_trace_id, '')",
	"sent_at",
	"created_at",
	"updated_at",
}

var nonTerminal = []string{string(delivery.StatusPending), string(delivery.StatusRetrying)}

func scanLog(row pgx.Row) (delivery.Log, error) {
	var (
		l       delivery.Log
		status  string
		payload []byte
	)
	err := row.Scan(
		&l.ID,
		&l.CompanyID,
		&l.DestinationID,
		&l.EventName,
		&l.SourceEventType,
		&l.SourceEntityID,
		&l.CorrelationID,
		&l.EventTime,
		&payload,
		&status,
		&l.Attempts,
		&l.LastAttemptAt,
		&l.NextRetryAt,
		&l.HTTPStatus,
		&l.ErrorCode,
		&l.ErrorMessage,
		&l.ProviderTraceID,
		&l.SentAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return delivery.Log{}, ErrNotFound
	}
	if err != nil {
		return delivery.Log{}, err
	}
	l.Status = delivery.Status(status)
	l.EventPayload = payload
	return l, nil
}

func (s *Store) insertLogQuery(l delivery.Log) sq.InsertBuilder {
	return s.sb.
		Insert(logsTable).
		Columns(
			"company_id",
			"destination_id",
			"event_name",
			"source_event_type",
			"source_entity_id",
			"correlation_id",
			"event_time",
			"event_payload",
			"status",
			"attempts",
		).
		Values(
			l.CompanyID,
			l.DestinationID,
			l.EventName,
			l.SourceEventType,
			l.SourceEntityID,
			nullString(l.CorrelationID),
			l.EventTime,
			sq.Expr("?::jsonb", string(l.EventPayload)),
			string(delivery.StatusPending),
			0,
		).
		Suffix("ON CONFLICT ON CONSTRAINT " + idempotencyConstraint + " DO NOTHING RETURNING id::text, created_at, updated_at")
}

// InsertLog creates a pending log and fills in its generated fields. It
// returns ErrDuplicate when a row with the same idempotency key exists.
func (s *Store) InsertLog(ctx context.Context, l *delivery.Log) error {
	sqlStr, args, err := s.insertLogQuery(*l).ToSql()
	if err != nil {
		return fmt.Errorf("build delivery log insert: %w", err)
	}
	err = s.db.QueryRow(ctx, sqlStr, args...).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert delivery log: %w", err)
	}
	l.Status = delivery.StatusPending
	l.Attempts = 0
	return nil
}

// GetLog loads a log by id.
func (s *Store) GetLog(ctx context.Context, id string) (delivery.Log, error) {
	sqlStr, args, err := s.sb.Select(logColumns...).
		From(logsTable).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return delivery.Log{}, fmt.Errorf("build delivery log select: %w", err)
	}
	l, err := scanLog(s.db.QueryRow(ctx, sqlStr, args...))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return delivery.Log{}, fmt.Errorf("select delivery log %s: %w", id, err)
	}
	return l, err
}

func (s *Store) logByKeyQuery(k delivery.IdempotencyKey) sq.SelectBuilder {
	return s.sb.Select(logColumns...).
		From(logsTable).
		Where(sq.Eq{
			"company_id":        k.CompanyID,
			"source_event_type": k.SourceEventType,
			"source_entity_id":  k.SourceEntityID,
			"event_name":        k.EventName,
		}).
		Limit(1)
}

// GetLogByKey loads the log owning an idempotency key.
func (s *Store) GetLogByKey(ctx context.Context, k delivery.IdempotencyKey) (delivery.Log, error) {
	sqlStr, args, err := s.logByKeyQuery(k).ToSql()
	if err != nil {
		return delivery.Log{}, fmt.Errorf("build delivery log key select: %w", err)
	}
	l, err := scanLog(s.db.QueryRow(ctx, sqlStr, args...))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return delivery.Log{}, fmt.Errorf("select delivery log by key: %w", err)
	}
	return l, err
}

// LogFilter narrows ListLogs. Zero values match everything.
type LogFilter struct {
	CompanyID string
	Status    delivery.Status
	Limit     uint64
}

func (s *Store) listLogsQuery(f LogFilter) sq.SelectBuilder {
	q := s.sb.Select(logColumns...).From(logsTable)
	if f.CompanyID != "" {
		q = q.Where(sq.Eq{"company_id": f.CompanyID})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	limit := f.Limit
	if limit == 0 || limit > 500 {
		limit = 50
	}
	return q.OrderBy("created_at DESC").Limit(limit)
}

// ListLogs returns the most recent logs matching f.
func (s *Store) ListLogs(ctx context.Context, f LogFilter) ([]delivery.Log, error) {
	sqlStr, args, err := s.listLogsQuery(f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build delivery log list: %w", err)
	}
	rows, err := s.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query delivery logs: %w", err)
	}
	defer rows.Close()

	var out []delivery.Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// StatusUpdate is one worker transition of a log.
type StatusUpdate struct {
	ID          string
	Status      delivery.Status
	Attempts    int
	Attempt     delivery.Attempt
	NextRetryAt *time.Time
}

func (s *Store) updateStatusQuery(u StatusUpdate) sq.UpdateBuilder {
	q := s.sb.Update(logsTable).
		Set("status", string(u.Status)).
		Set("attempts", u.Attempts).
		Set("last_attempt_at", u.Attempt.At).
		Set("http_status", nullInt(u.Attempt.HTTPStatus)).
		Set("error_code", nullString(u.Attempt.ErrorCode)).
		Set("error_message", nullString(u.Attempt.ErrorMessage)).
		Set("provider_trace_id", nullString(u.Attempt.ProviderTraceID)).
		Set("next_retry_at", u.NextRetryAt)
	if u.Status == delivery.StatusSent {
		q = q.Set("sent_at", u.Attempt.At)
	}
	return q.
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": u.ID, "status": nonTerminal})
}

// UpdateStatus applies a transition. Only pending and retrying rows can move;
// anything else yields ErrStaleTransition.
func (s *Store) UpdateStatus(ctx context.Context, u StatusUpdate) error {
	if !u.Status.Valid() || u.Status == delivery.StatusPending {
		return fmt.Errorf("invalid target status %q", u.Status)
	}
	sqlStr, args, err := s.updateStatusQuery(u).ToSql()
	if err != nil {
		return fmt.Errorf("build delivery log update: %w", err)
	}
	ct, err := s.db.Exec(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update delivery log %s: %w", u.ID, err)
	}
	if ct.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}
