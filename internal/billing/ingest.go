package billing

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/meter-billing/internal/rates"
)

// ErrProcessingFailed is the only error a caller sees when a store operation
// fails during ingestion. The whole event should be resent.
var ErrProcessingFailed = errors.New("failed to process the event payload, please try again")

// Ingestor turns meter readings into billed records.
type Ingestor struct {
	store    Store
	schedule rates.Schedule
	loc      *time.Location
	log      *zap.Logger
}

func NewIngestor(store Store, schedule rates.Schedule, loc *time.Location, log *zap.Logger) *Ingestor {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{store: store, schedule: schedule, loc: loc, log: log}
}

// Ingest bills the reading against the latest stored record of its meter and
// writes the result. A meter without history is billed from a zero baseline.
//
// A malformed timestamp is returned unchanged. Store failures are logged and
// reported as ErrProcessingFailed.
func (i *Ingestor) Ingest(ctx context.Context, ev MeterReading) (*BilledRecord, error) {
	ts, err := ParseTimestamp(ev.Timestamp, i.loc)
	if err != nil {
		return nil, err
	}
	log := i.log.With(
		zap.Int64("meter_id", ev.MeterID),
		zap.String("timestamp", ev.Timestamp),
		zap.Float64("meter_reading", ev.MeterReading),
	)

	last, err := i.store.GetLatest(ctx, ev.MeterID)
	if err != nil {
		log.Error("failed to process meter record", zap.String("stage", "get_latest"), zap.Error(err))
		return nil, ErrProcessingFailed
	}

	var lastReading float64
	if last != nil {
		lastReading = last.MeterReading
	}
	if ev.MeterReading < lastReading {
		log.Warn("meter reading decreased, billing negative delta", zap.Float64("last_reading", lastReading))
	}

	billingHour := rates.BillingHour(ts)
	cost := i.schedule.Cost(ev.MeterReading, lastReading, billingHour)
	rec := &BilledRecord{
		MeterID:      ev.MeterID,
		Timestamp:    ev.Timestamp,
		MeterReading: ev.MeterReading,
		Cost:         &cost,
	}

	if err := i.store.Put(ctx, rec); err != nil {
		log.Error("failed to process meter record", zap.String("stage", "put"), zap.Error(err))
		return nil, ErrProcessingFailed
	}

	log.Info("record inserted", zap.Int("billing_hour", billingHour), zap.Float64("cost", cost))
	return rec, nil
}
