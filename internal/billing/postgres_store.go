package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the billed record table. ts holds TimestampLayout strings,
// which sort chronologically under the byte-order "C" collation.
const Schema = `
	CREATE TABLE IF NOT EXISTS smart_meter_data (
		meter_id      BIGINT             NOT NULL,
		ts            TEXT COLLATE "C"   NOT NULL,
		meter_reading DOUBLE PRECISION   NOT NULL,
		cost          DOUBLE PRECISION,
		PRIMARY KEY (meter_id, ts)
	)
`

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create smart_meter_data table: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetLatest(ctx context.Context, meterID int64) (*BilledRecord, error) {
	query := `
		SELECT meter_id, ts, meter_reading, cost
		FROM smart_meter_data
		WHERE meter_id = $1
		ORDER BY ts DESC
		LIMIT 1
	`
	var rec BilledRecord
	err := s.db.QueryRow(ctx, query, meterID).Scan(&rec.MeterID, &rec.Timestamp, &rec.MeterReading, &rec.Cost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get latest record: %w", err)
	}

	return &rec, nil
}

// Query pages with a keyset on ts. One extra row is fetched to learn whether
// another page exists.
func (s *PostgresStore) Query(ctx context.Context, meterID int64, r TimeRange, pageSize int, cursor Cursor) (Page, error) {
	after, err := decodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	query := `
		SELECT meter_id, ts, meter_reading, cost
		FROM smart_meter_data
		WHERE meter_id = $1 AND ts BETWEEN $2 AND $3 AND ts > $4
		ORDER BY ts ASC
		LIMIT $5
	`
	rows, err := s.db.Query(ctx, query, meterID, r.Start, r.End, after, pageSize+1)
	if err != nil {
		return Page{}, fmt.Errorf("failed to query billed records: %w", err)
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		var rec BilledRecord
		if err := rows.Scan(&rec.MeterID, &rec.Timestamp, &rec.MeterReading, &rec.Cost); err != nil {
			return Page{}, fmt.Errorf("failed to scan billed record: %w", err)
		}
		page.Records = append(page.Records, rec)
	}

	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("error iterating billed records: %w", err)
	}

	if len(page.Records) > pageSize {
		page.Records = page.Records[:pageSize]
		page.Next = encodeCursor(page.Records[pageSize-1].Timestamp)
	}
	return page, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec *BilledRecord) error {
	query := `
		INSERT INTO smart_meter_data (meter_id, ts, meter_reading, cost)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (meter_id, ts) DO UPDATE
		SET meter_reading = EXCLUDED.meter_reading, cost = EXCLUDED.cost
	`
	_, err := s.db.Exec(ctx, query, rec.MeterID, rec.Timestamp, rec.MeterReading, rec.Cost)
	if err != nil {
		return fmt.Errorf("failed to put billed record: %w", err)
	}

	return nil
}
