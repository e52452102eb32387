package billing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	rows    [][]any
	rowErr  error
	execErr error

	lastSQL  string
	lastArgs []any
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.lastSQL, f.lastArgs = sql, args
	if f.rowErr != nil {
		return nil, f.rowErr
	}
	limit := len(f.rows)
	if n, ok := args[len(args)-1].(int); ok && n < limit {
		limit = n
	}
	return &fakeRows{rows: f.rows[:limit], idx: -1}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL, f.lastArgs = sql, args
	if f.rowErr != nil {
		return fakeRow{err: f.rowErr}
	}
	if len(f.rows) == 0 {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{values: f.rows[0]}
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.lastSQL, f.lastArgs = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(r.values, dest)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { r.idx++; return r.idx < len(r.rows) }
func (r *fakeRows) Scan(dest ...any) error                       { return assign(r.rows[r.idx], dest) }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.idx], nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func assign(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("got %d values for %d destinations", len(values), len(dest))
	}
	for i, v := range values {
		switch d := dest[i].(type) {
		case *int64:
			*d = v.(int64)
		case *string:
			*d = v.(string)
		case *float64:
			*d = v.(float64)
		case **float64:
			if v == nil {
				*d = nil
			} else {
				f := v.(float64)
				*d = &f
			}
		default:
			return fmt.Errorf("unsupported destination %T", d)
		}
	}
	return nil
}

func TestPostgresStore_GetLatestNoRows(t *testing.T) {
	store := NewPostgresStore(&fakeDB{})
	rec, err := store.GetLatest(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPostgresStore_GetLatest(t *testing.T) {
	db := &fakeDB{rows: [][]any{{int64(1234567), "2023-10-12T09:00:00", 555.2, 20.0}}}
	rec, err := NewPostgresStore(db).GetLatest(context.Background(), 1234567)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 555.2, rec.MeterReading)
	assert.Equal(t, 20.0, *rec.Cost)
	assert.Contains(t, db.lastSQL, "ORDER BY ts DESC")
	assert.Equal(t, []any{int64(1234567)}, db.lastArgs)
}

func TestPostgresStore_GetLatestError(t *testing.T) {
	cause := errors.New("boom")
	_, err := NewPostgresStore(&fakeDB{rowErr: cause}).GetLatest(context.Background(), 1)
	require.ErrorIs(t, err, cause)
}

func TestPostgresStore_QueryPages(t *testing.T) {
	db := &fakeDB{rows: [][]any{
		{int64(1), "2023-10-12T09:00:00", 1.0, 20.0},
		{int64(1), "2023-10-12T10:00:00", 2.0, nil},
		{int64(1), "2023-10-12T11:00:00", 3.0, 105.4},
	}}
	store := NewPostgresStore(db)
	r := TimeRange{Start: "2023-10-12T09:00:00", End: "2023-10-12T11:00:00"}

	page, err := store.Query(context.Background(), 1, r, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Nil(t, page.Records[1].Cost)
	assert.Equal(t, encodeCursor("2023-10-12T10:00:00"), page.Next)
	assert.Equal(t, []any{int64(1), r.Start, r.End, "", 3}, db.lastArgs)

	_, err = store.Query(context.Background(), 1, r, 2, page.Next)
	require.NoError(t, err)
	assert.Equal(t, "2023-10-12T10:00:00", db.lastArgs[3])
}

func TestPostgresStore_QueryLastPageHasNoCursor(t *testing.T) {
	db := &fakeDB{rows: [][]any{{int64(1), "2023-10-12T09:00:00", 1.0, 20.0}}}
	page, err := NewPostgresStore(db).Query(context.Background(), 1, TimeRange{Start: "a", End: "b"}, 5, "")
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.Empty(t, page.Next)
}

func TestPostgresStore_Put(t *testing.T) {
	db := &fakeDB{}
	rec := &BilledRecord{MeterID: 1, Timestamp: "2023-10-12T10:00:00", MeterReading: 655.2, Cost: costOf(3)}
	require.NoError(t, NewPostgresStore(db).Put(context.Background(), rec))
	assert.Contains(t, db.lastSQL, "ON CONFLICT (meter_id, ts) DO UPDATE")
	assert.Equal(t, []any{int64(1), "2023-10-12T10:00:00", 655.2, rec.Cost}, db.lastArgs)

	db.execErr = errors.New("read only")
	require.ErrorIs(t, NewPostgresStore(db).Put(context.Background(), rec), db.execErr)
}

func TestPostgresStore_EnsureSchemaUsesByteOrderCollation(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, NewPostgresStore(db).EnsureSchema(context.Background()))
	assert.Equal(t, Schema, db.lastSQL)
	assert.Regexp(t, `ts\s+TEXT COLLATE "C"\s+NOT NULL`, db.lastSQL)

	db.execErr = errors.New("permission denied")
	require.ErrorIs(t, NewPostgresStore(db).EnsureSchema(context.Background()), db.execErr)
}
