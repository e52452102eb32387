package seeder

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/vnmchuo/meter-billing/internal/billing"
)

// SubmitFunc ingests one reading.
type SubmitFunc func(ctx context.Context, reading billing.MeterReading) error

var expectedHeader = []string{"meterid", "timestamp", "meterreading"}

// ParseReadingsCSV parses readings from r.
//
// Expected header: meterId,timestamp,meterReading
//
// Invalid rows are skipped and returned as a joined error (errors.Join).
func ParseReadingsCSV(r io.Reader) ([]billing.MeterReading, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if !headerMatches(header) {
		return nil, fmt.Errorf("unexpected header %q (want %q)", strings.Join(header, ","), "meterId,timestamp,meterReading")
	}

	var (
		readings []billing.MeterReading
		rowErrs  []error
		rowNum   = 1
	)

	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("row %d: read: %w", rowNum, err))
			continue
		}
		if len(row) < 3 {
			rowErrs = append(rowErrs, fmt.Errorf("row %d: expected 3 columns, got %d", rowNum, len(row)))
			continue
		}

		id, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
		if err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("row %d: parse meterId %q: %w", rowNum, row[0], err))
			continue
		}

		ts := strings.TrimSpace(row[1])
		if _, err := billing.ParseTimestamp(ts, nil); err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("row %d: parse timestamp %q: %w", rowNum, row[1], err))
			continue
		}

		v, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
		if err != nil {
			rowErrs = append(rowErrs, fmt.Errorf("row %d: parse meterReading %q: %w", rowNum, row[2], err))
			continue
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			rowErrs = append(rowErrs, fmt.Errorf("row %d: invalid meterReading %v", rowNum, v))
			continue
		}

		readings = append(readings, billing.MeterReading{MeterID: id, Timestamp: ts, MeterReading: v})
	}

	if readings == nil {
		readings = []billing.MeterReading{}
	}
	return readings, errors.Join(rowErrs...)
}

func headerMatches(header []string) bool {
	if len(header) < len(expectedHeader) {
		return false
	}
	for i, want := range expectedHeader {
		if strings.ToLower(strings.TrimSpace(header[i])) != want {
			return false
		}
	}
	return true
}

// Replay submits readings in timestamp order so each one is billed against
// the reading that precedes it. Failed submissions are logged and skipped;
// it stops early only when ctx ends. It returns the number of readings
// ingested.
func Replay(ctx context.Context, readings []billing.MeterReading, submit SubmitFunc, log *zap.Logger) (int, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ordered := make([]billing.MeterReading, len(readings))
	copy(ordered, readings)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp < ordered[j].Timestamp
	})

	var (
		ingested int
		errs     []error
	)
	for _, r := range ordered {
		if err := ctx.Err(); err != nil {
			return ingested, err
		}
		if err := submit(ctx, r); err != nil {
			log.Warn("reading rejected",
				zap.Int64("meter_id", r.MeterID),
				zap.String("timestamp", r.Timestamp),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("meter %d at %s: %w", r.MeterID, r.Timestamp, err))
			continue
		}
		ingested++
	}
	return ingested, errors.Join(errs...)
}

// ReplayCSV loads readings from the file at path and replays them. Rows that
// fail to parse are logged and skipped.
func ReplayCSV(ctx context.Context, path string, submit SubmitFunc, log *zap.Logger) (int, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	readings, parseErr := ParseReadingsCSV(f)
	if readings == nil {
		return 0, parseErr
	}
	if parseErr != nil {
		log.Warn("skipped invalid rows", zap.String("path", path), zap.Error(parseErr))
	}

	n, err := Replay(ctx, readings, submit, log)
	log.Info("replay finished",
		zap.String("path", path),
		zap.Int("parsed", len(readings)),
		zap.Int("ingested", n),
	)
	return n, err
}
