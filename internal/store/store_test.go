package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/conversion_hook/internal/delivery"
)

type fakeRow struct {
	err  error
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if r.scan != nil {
		return r.scan(dest...)
	}
	return nil
}

type fakeDB struct {
	row     fakeRow
	tag     string
	execErr error

	lastSQL  string
	lastArgs []any
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	return pgconn.NewCommandTag(f.tag), f.execErr
}

func (f *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL, f.lastArgs = sql, args
	return f.row
}

func sampleLog() delivery.Log {
	return delivery.Log{
		CompanyID:       "c1",
		DestinationID:   "px-1",
		EventName:       "Lead",
		SourceEventType: delivery.SourceLeadCreated,
		SourceEntityID:  "lead-1",
		EventTime:       time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		EventPayload:    json.RawMessage(`{"event_name":"Lead"}`),
	}
}

func TestInsertLogQuery(t *testing.T) {
	s := New(&fakeDB{})
	sqlStr, args, err := s.insertLogQuery(sampleLog()).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sqlStr, "INSERT INTO convhook.delivery_logs")
	assert.Contains(t, sqlStr, "$8::jsonb")
	assert.Contains(t, sqlStr, "ON CONFLICT ON CONSTRAINT uq_delivery_logs_idempotency DO NOTHING")
	assert.Contains(t, sqlStr, "RETURNING id::text, created_at, updated_at")
	require.Len(t, args, 10)
	assert.Equal(t, `{"event_name":"Lead"}`, args[7])
	assert.Equal(t, "pending", args[8])
	assert.Nil(t, args[5], "empty correlation id is stored as NULL")
}

func TestInsertLog(t *testing.T) {
	created := time.Now()
	db := &fakeDB{row: fakeRow{scan: func(dest ...any) error {
		*dest[0].(*string) = "log-1"
		*dest[1].(*time.Time) = created
		*dest[2].(*time.Time) = created
		return nil
	}}}
	l := sampleLog()
	require.NoError(t, New(db).InsertLog(context.Background(), &l))
	assert.Equal(t, "log-1", l.ID)
	assert.Equal(t, delivery.StatusPending, l.Status)
	assert.Equal(t, created, l.CreatedAt)
}

func TestInsertLogDuplicate(t *testing.T) {
	cases := map[string]error{
		"on conflict do nothing": pgx.ErrNoRows,
		"unique violation":       &pgconn.PgError{Code: "23505"},
	}
	for name, rowErr := range cases {
		t.Run(name, func(t *testing.T) {
			l := sampleLog()
			err := New(&fakeDB{row: fakeRow{err: rowErr}}).InsertLog(context.Background(), &l)
			assert.ErrorIs(t, err, ErrDuplicate)
		})
	}
}

func TestInsertLogOtherError(t *testing.T) {
	l := sampleLog()
	err := New(&fakeDB{row: fakeRow{err: errors.New("conn reset")}}).InsertLog(context.Background(), &l)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicate)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("plain")))
	assert.False(t, isUniqueViolation(nil))
}

func TestGetLogNotFound(t *testing.T) {
	_, err := New(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}}).GetLog(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogByKeyQuery(t *testing.T) {
	s := New(&fakeDB{})
	sqlStr, args, err := s.logByKeyQuery(sampleLog().Key()).ToSql()
	require.NoError(t, err)
	assert.Contains(t, sqlStr, "FROM convhook.delivery_logs WHERE")
	assert.Contains(t, sqlStr, "LIMIT 1")
	assert.ElementsMatch(t, []any{"c1", "lead.created", "lead-1", "Lead"}, args)
}

func TestUpdateStatusQuery(t *testing.T) {
	s := New(&fakeDB{})
	at := time.Now()
	next := at.Add(time.Minute)

	sqlStr, args, err := s.updateStatusQuery(StatusUpdate{
		ID:          "log-1",
		Status:      delivery.StatusRetrying,
		Attempts:    2,
		Attempt:     delivery.Attempt{At: at, HTTPStatus: 503, ErrorCode: "http_503", ErrorMessage: "unavailable"},
		NextRetryAt: &next,
	}).ToSql()
	require.NoError(t, err)
	assert.Contains(t, sqlStr, "UPDATE convhook.delivery_logs SET status = $1")
	assert.Contains(t, sqlStr, "updated_at = now()")
	assert.Contains(t, sqlStr, "WHERE id = $9 AND status IN ($10,$11)")
	assert.NotContains(t, sqlStr, "sent_at")
	assert.Len(t, args, 11)

	sqlStr, args, err = s.updateStatusQuery(StatusUpdate{
		ID: "log-1", Status: delivery.StatusSent, Attempts: 1,
		Attempt: delivery.Attempt{At: at, HTTPStatus: 200},
	}).ToSql()
	require.NoError(t, err)
	assert.Contains(t, sqlStr, "sent_at = $9")
	assert.Len(t, args, 12)
	assert.Nil(t, args[4], "empty error code is cleared")
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()

	db := &fakeDB{tag: "UPDATE 1"}
	require.NoError(t, New(db).UpdateStatus(ctx, StatusUpdate{
		ID: "log-1", Status: delivery.StatusSent, Attempts: 1,
		Attempt: delivery.Attempt{At: time.Now(), HTTPStatus: 200},
	}))
	assert.Contains(t, db.lastSQL, "UPDATE convhook.delivery_logs")

	db = &fakeDB{tag: "UPDATE 0"}
	err := New(db).UpdateStatus(ctx, StatusUpdate{
		ID: "log-1", Status: delivery.StatusFailed, Attempts: 3,
		Attempt: delivery.Attempt{At: time.Now()},
	})
	assert.ErrorIs(t, err, ErrStaleTransition)

	err = New(&fakeDB{tag: "UPDATE 1"}).UpdateStatus(ctx, StatusUpdate{ID: "x", Status: delivery.StatusPending})
	assert.Error(t, err)
}

func TestListLogsQuery(t *testing.T) {
	s := New(&fakeDB{})
	sqlStr, args, err := s.listLogsQuery(LogFilter{CompanyID: "c1", Status: delivery.StatusFailed}).ToSql()
	require.NoError(t, err)
	assert.Contains(t, sqlStr, "WHERE company_id = $1 AND status = $2")
	assert.Contains(t, sqlStr, "ORDER BY created_at DESC LIMIT 50")
	assert.Equal(t, []any{"c1", "failed"}, args)
}

func TestDestinationForLeadQuery(t *testing.T) {
	s := New(&fakeDB{})

	sqlStr, args, err := s.destinationForLeadQuery(Lead{CompanyID: "c1", DestinationID: "d1"}).ToSql()
	require.NoError(t, err)
	assert.Contains(t, sqlStr, "WHERE company_id = $1 AND id = $2")
	assert.Equal(t, []any{"c1", "d1"}, args)

	sqlStr, args, err = s.destinationForLeadQuery(Lead{CompanyID: "c1"}).ToSql()
	require.NoError(t, err)
	assert.Contains(t, sqlStr, "WHERE company_id = $1 AND is_default = $2")
	assert.Contains(t, sqlStr, "LIMIT 1")
	assert.Equal(t, []any{"c1", true}, args)
}

func TestLookupsNotFound(t *testing.T) {
	ctx := context.Background()
	s := New(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}})

	_, err := s.GetLead(ctx, "c1", "l1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetContract(ctx, "c1", "k1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetDestination(ctx, "c1", "px")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDestinationSourceURL(t *testing.T) {
	assert.Equal(t, "https://shop.example", Destination{Domain: "shop.example"}.SourceURL())
	assert.Empty(t, Destination{}.SourceURL())
}
