package billing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout is the wire and storage format of reading timestamps. It is
// fixed width, so lexical order equals chronological order.
const TimestampLayout = "2006-01-02T15:04:05"

var (
	ErrInvalidTimeRange = errors.New("invalid time range")
	ErrInvalidCursor    = errors.New("invalid cursor")
)

// MeterReading is a single cumulative counter value reported by a meter.
type MeterReading struct {
	MeterID      int64   `json:"meterId"`
	Timestamp    string  `json:"timestamp"`
	MeterReading float64 `json:"meterReading"`
}

// UnmarshalJSON accepts both the [meterId, timestamp, meterReading] triple
// sent by meters and the object form.
func (r *MeterReading) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var triple []json.RawMessage
		if err := json.Unmarshal(data, &triple); err != nil {
			return err
		}
		if len(triple) != 3 {
			return fmt.Errorf("reading must have 3 elements, got %d", len(triple))
		}
		if err := json.Unmarshal(triple[0], &r.MeterID); err != nil {
			return fmt.Errorf("invalid meterId: %w", err)
		}
		if err := json.Unmarshal(triple[1], &r.Timestamp); err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
		if err := json.Unmarshal(triple[2], &r.MeterReading); err != nil {
			return fmt.Errorf("invalid meterReading: %w", err)
		}
		return nil
	}

	type plain MeterReading
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = MeterReading(p)
	return nil
}

// BilledRecord is a reading together with the cost billed for it. Records are
// written once and never updated by this service.
type BilledRecord struct {
	MeterID      int64    `json:"meterId"`
	Timestamp    string   `json:"timestamp"`
	MeterReading float64  `json:"meterReading"`
	Cost         *float64 `json:"cost,omitempty"`
}

// CostOrZero treats a record without a stored cost as free.
func (r BilledRecord) CostOrZero() float64 {
	if r.Cost == nil {
		return 0
	}
	return *r.Cost
}

// TimeRange is an inclusive [Start, End] range of timestamps.
type TimeRange struct {
	Start string
	End   string
}

// Cursor marks where the next page of a query resumes. The zero value starts
// from the beginning of the range.
type Cursor string

// Page is one slice of a range query. An empty Next means there are no more
// records.
type Page struct {
	Records []BilledRecord
	Next    Cursor
}

// Store is an ordered store of billed records partitioned by meter and sorted
// by timestamp.
type Store interface {
	// GetLatest returns the most recent record for the meter, or nil if the
	// meter has none.
	GetLatest(ctx context.Context, meterID int64) (*BilledRecord, error)
	// Query returns records with Start <= timestamp <= End in ascending order.
	Query(ctx context.Context, meterID int64, r TimeRange, pageSize int, cursor Cursor) (Page, error)
	// Put writes the record; an existing record with the same meter and
	// timestamp is overwritten.
	Put(ctx context.Context, rec *BilledRecord) error
}

// ParseTimestamp parses a reading timestamp in the billing time zone. Only
// the canonical zero-padded form is accepted, since stores sort on the raw
// string.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(TimestampLayout, s, loc)
	if err != nil {
		return time.Time{}, err
	}
	if t.Format(TimestampLayout) != s {
		return time.Time{}, &time.ParseError{
			Layout:  TimestampLayout,
			Value:   s,
			Message: ": timestamp is not in canonical " + TimestampLayout + " form",
		}
	}
	return t, nil
}

// ParseRange validates both bounds and their order.
func ParseRange(start, end string, loc *time.Location) (TimeRange, error) {
	s, err := ParseTimestamp(start, loc)
	if err != nil {
		return TimeRange{}, err
	}
	e, err := ParseTimestamp(end, loc)
	if err != nil {
		return TimeRange{}, err
	}
	if s.After(e) {
		return TimeRange{}, fmt.Errorf("%w: start %s is after end %s", ErrInvalidTimeRange, start, end)
	}
	return TimeRange{Start: start, End: end}, nil
}

// encodeCursor and decodeCursor implement keyset pagination on the timestamp
// sort key, shared by the store implementations.
func encodeCursor(timestamp string) Cursor {
	return Cursor(base64.RawURLEncoding.EncodeToString([]byte(timestamp)))
}

func decodeCursor(c Cursor) (string, error) {
	if c == "" {
		return "", nil
	}
	b, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if _, err := ParseTimestamp(string(b), time.UTC); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return string(b), nil
}
