package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vnmchuo/meter-billing/internal/rates"
)

type mockStore struct {
	getLatestFunc func(ctx context.Context, meterID int64) (*BilledRecord, error)
	queryFunc     func(ctx context.Context, meterID int64, r TimeRange, pageSize int, cursor Cursor) (Page, error)
	putFunc       func(ctx context.Context, rec *BilledRecord) error

	puts []*BilledRecord
}

func (m *mockStore) GetLatest(ctx context.Context, meterID int64) (*BilledRecord, error) {
	if m.getLatestFunc != nil {
		return m.getLatestFunc(ctx, meterID)
	}
	return nil, nil
}

func (m *mockStore) Query(ctx context.Context, meterID int64, r TimeRange, pageSize int, cursor Cursor) (Page, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, meterID, r, pageSize, cursor)
	}
	return Page{}, nil
}

func (m *mockStore) Put(ctx context.Context, rec *BilledRecord) error {
	if m.putFunc != nil {
		if err := m.putFunc(ctx, rec); err != nil {
			return err
		}
	}
	m.puts = append(m.puts, rec)
	return nil
}

var testSchedule = rates.Schedule{PeakHourStart: 9, PeakHourEnd: 17, PeakRate: 0.5, OffPeakRate: 0.2}

func costOf(f float64) *float64 { return &f }

func TestIngest_FirstReadingBillsFromZero(t *testing.T) {
	store := &mockStore{}
	ing := NewIngestor(store, testSchedule, time.UTC, nil)

	rec, err := ing.Ingest(context.Background(), MeterReading{MeterID: 1234567, Timestamp: "2023-10-12T10:00:00", MeterReading: 655.2})
	require.NoError(t, err)

	assert.Equal(t, int64(1234567), rec.MeterID)
	assert.Equal(t, "2023-10-12T10:00:00", rec.Timestamp)
	assert.Equal(t, 655.2, rec.MeterReading)
	require.NotNil(t, rec.Cost)
	assert.Equal(t, testSchedule.Cost(655.2, 0, 9), *rec.Cost)
	assert.Equal(t, 655.2*testSchedule.PeakRate, *rec.Cost)
	require.Len(t, store.puts, 1)
	assert.Same(t, rec, store.puts[0])
}

func TestIngest_BillsDeltaFromLatestRecord(t *testing.T) {
	var gotMeter int64
	store := &mockStore{
		getLatestFunc: func(ctx context.Context, meterID int64) (*BilledRecord, error) {
			gotMeter = meterID
			return &BilledRecord{MeterID: meterID, Timestamp: "2023-10-12T09:00:00", MeterReading: 555.2, Cost: costOf(20)}, nil
		},
	}
	ing := NewIngestor(store, testSchedule, time.UTC, nil)

	rec, err := ing.Ingest(context.Background(), MeterReading{MeterID: 1234567, Timestamp: "2023-10-12T10:00:00", MeterReading: 655.2})
	require.NoError(t, err)

	assert.Equal(t, int64(1234567), gotMeter)
	reading, last := 655.2, 555.2
	assert.Equal(t, (reading-last)*testSchedule.PeakRate, *rec.Cost)
	assert.InDelta(t, 100*testSchedule.PeakRate, *rec.Cost, 1e-9)
}

func TestIngest_UsesHourBeforeReading(t *testing.T) {
	// 17:00 reading covers 16:00-17:00, which is still peak.
	ing := NewIngestor(&mockStore{}, testSchedule, time.UTC, nil)
	rec, err := ing.Ingest(context.Background(), MeterReading{MeterID: 1, Timestamp: "2023-10-12T17:00:00", MeterReading: 10})
	require.NoError(t, err)
	assert.Equal(t, 10*testSchedule.PeakRate, *rec.Cost)

	// 09:00 reading covers 08:00-09:00, off-peak.
	rec, err = ing.Ingest(context.Background(), MeterReading{MeterID: 2, Timestamp: "2023-10-12T09:00:00", MeterReading: 10})
	require.NoError(t, err)
	assert.Equal(t, 10*testSchedule.OffPeakRate, *rec.Cost)
}

func TestIngest_NegativeDeltaIsBilledAndLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	store := &mockStore{
		getLatestFunc: func(ctx context.Context, meterID int64) (*BilledRecord, error) {
			return &BilledRecord{MeterID: meterID, Timestamp: "2023-10-12T01:00:00", MeterReading: 50}, nil
		},
	}
	ing := NewIngestor(store, testSchedule, time.UTC, zap.New(core))

	rec, err := ing.Ingest(context.Background(), MeterReading{MeterID: 1, Timestamp: "2023-10-12T03:00:00", MeterReading: 40})
	require.NoError(t, err)
	assert.Equal(t, -10*testSchedule.OffPeakRate, *rec.Cost)
	assert.Equal(t, 1, logs.FilterMessage("meter reading decreased, billing negative delta").Len())
}

func TestIngest_MalformedTimestampIsReturnedAsIs(t *testing.T) {
	calls := 0
	store := &mockStore{
		getLatestFunc: func(ctx context.Context, meterID int64) (*BilledRecord, error) {
			calls++
			return nil, nil
		},
	}
	ing := NewIngestor(store, testSchedule, time.UTC, nil)

	_, err := ing.Ingest(context.Background(), MeterReading{MeterID: 1, Timestamp: "12/10/2023 10:00", MeterReading: 1})
	var perr *time.ParseError
	require.ErrorAs(t, err, &perr)
	assert.NotErrorIs(t, err, ErrProcessingFailed)
	assert.Zero(t, calls)
	assert.Empty(t, store.puts)
}

func TestIngest_StoreFailuresAreNormalized(t *testing.T) {
	cause := errors.New("connection reset by peer")

	tests := []struct {
		name  string
		store *mockStore
	}{
		{
			name: "get latest fails",
			store: &mockStore{getLatestFunc: func(ctx context.Context, meterID int64) (*BilledRecord, error) {
				return nil, cause
			}},
		},
		{
			name: "put fails",
			store: &mockStore{putFunc: func(ctx context.Context, rec *BilledRecord) error {
				return cause
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.ErrorLevel)
			ing := NewIngestor(tt.store, testSchedule, time.UTC, zap.New(core))

			rec, err := ing.Ingest(context.Background(), MeterReading{MeterID: 1, Timestamp: "2023-10-12T10:00:00", MeterReading: 1})
			assert.Nil(t, rec)
			assert.Equal(t, ErrProcessingFailed, err)
			assert.NotErrorIs(t, err, cause)
			assert.Empty(t, tt.store.puts)

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, cause.Error(), entries[0].ContextMap()["error"])
		})
	}
}

func TestIngest_WithMemoryStoreChainsReadings(t *testing.T) {
	store := NewMemoryStore()
	ing := NewIngestor(store, testSchedule, time.UTC, nil)
	ctx := context.Background()

	readings := []MeterReading{
		{MeterID: 7, Timestamp: "2023-10-12T08:00:00", MeterReading: 100},
		{MeterID: 7, Timestamp: "2023-10-12T09:00:00", MeterReading: 110},
		{MeterID: 7, Timestamp: "2023-10-12T10:00:00", MeterReading: 130},
	}
	for _, r := range readings {
		_, err := ing.Ingest(ctx, r)
		require.NoError(t, err)
	}

	page, err := store.Query(ctx, 7, TimeRange{Start: "2023-10-12T00:00:00", End: "2023-10-12T23:59:59"}, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Records, 3)
	assert.Equal(t, 100*testSchedule.OffPeakRate, *page.Records[0].Cost)
	assert.Equal(t, 10*testSchedule.OffPeakRate, *page.Records[1].Cost)
	assert.Equal(t, 20*testSchedule.PeakRate, *page.Records[2].Cost)
}

func TestIngest_UnpaddedHourIsRejectedBeforeStore(t *testing.T) {
	store := NewMemoryStore()
	ing := NewIngestor(store, testSchedule, time.UTC, nil)
	ctx := context.Background()

	_, err := ing.Ingest(ctx, MeterReading{MeterID: 1, Timestamp: "2023-10-12T9:00:00", MeterReading: 100})
	var perr *time.ParseError
	require.ErrorAs(t, err, &perr)

	_, err = ing.Ingest(ctx, MeterReading{MeterID: 1, Timestamp: "2023-10-12T09:00:00", MeterReading: 100})
	require.NoError(t, err)
	_, err = ing.Ingest(ctx, MeterReading{MeterID: 1, Timestamp: "2023-10-12T10:00:00", MeterReading: 150})
	require.NoError(t, err)

	latest, err := store.GetLatest(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "2023-10-12T10:00:00", latest.Timestamp)

	total, err := NewAggregator(store, 1, time.UTC).Aggregate(ctx, 1, "2023-10-12T08:00:00", "2023-10-12T10:30:00")
	require.NoError(t, err)
	want := 100*testSchedule.OffPeakRate + (150-100)*testSchedule.PeakRate
	assert.Equal(t, want, total)
}
