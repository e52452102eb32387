package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/meter-billing/internal/billing"
	"github.com/vnmchuo/meter-billing/internal/logger"
	"github.com/vnmchuo/meter-billing/internal/worker"
	"github.com/vnmchuo/meter-billing/pkg/ratelimit"
)

const (
	ingestSuccessMessage = "Smart meter data ingested successfully."
	ingestFailureMessage = "Failed to process the event payload. Please try again."
)

// Submitter queues a reading for ingestion and waits for the billed record.
// *worker.Dispatcher satisfies it.
type Submitter interface {
	Submit(ctx context.Context, reading billing.MeterReading) (*billing.BilledRecord, error)
}

// CostCalculator is satisfied by *billing.Aggregator.
type CostCalculator interface {
	Aggregate(ctx context.Context, meterID int64, start, end string) (float64, error)
}

type Handler struct {
	ingest  Submitter
	costs   CostCalculator
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	log     *zap.Logger
}

func NewHandler(ingest Submitter, costs CostCalculator, limiter *ratelimit.Limiter, tracer trace.Tracer, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		ingest:  ingest,
		costs:   costs,
		limiter: limiter,
		tracer:  tracer,
		log:     log,
	}
}

type ingestResponse struct {
	Message string                `json:"message"`
	Record  *billing.BilledRecord `json:"record"`
}

type costResponse struct {
	MeterID   int64   `json:"meter_id"`
	Start     string  `json:"start"`
	End       string  `json:"end"`
	TotalCost float64 `json:"total_cost"`
}

// HandleIngest accepts one reading, either as a [meterId, timestamp,
// meterReading] triple or as an object, and bills it.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.ingest")
	defer span.End()
	log := logger.FromContext(ctx, h.log)

	var reading billing.MeterReading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		readingsIngested.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	span.SetAttributes(
		attribute.Int64("meter_id", reading.MeterID),
		attribute.String("timestamp", reading.Timestamp),
	)

	allowed, err := h.limiter.Allow(ctx, reading.MeterID)
	if err != nil {
		log.Warn("rate limiter unavailable", zap.Int64("meter_id", reading.MeterID), zap.Error(err))
	}
	if err != nil || !allowed {
		readingsIngested.WithLabelValues("rate_limited").Inc()
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	rec, err := h.ingest.Submit(ctx, reading)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest failed")

		var parseErr *time.ParseError
		switch {
		case errors.As(err, &parseErr):
			readingsIngested.WithLabelValues("invalid").Inc()
			writeError(w, http.StatusBadRequest, "invalid timestamp, expected "+billing.TimestampLayout)
		case errors.Is(err, worker.ErrStopped):
			readingsIngested.WithLabelValues("unavailable").Inc()
			writeError(w, http.StatusServiceUnavailable, "service is shutting down")
		default:
			readingsIngested.WithLabelValues("failed").Inc()
			writeError(w, http.StatusInternalServerError, ingestFailureMessage)
		}
		return
	}

	readingsIngested.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, ingestResponse{Message: ingestSuccessMessage, Record: rec})
}

// HandleCost returns the total billed cost of a meter over an inclusive
// time range.
func (h *Handler) HandleCost(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "api.cost")
	defer span.End()

	meterID, err := strconv.ParseInt(chi.URLParam(r, "meterID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid meter id")
		return
	}

	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	if start == "" || end == "" {
		writeError(w, http.StatusBadRequest, "start and end are required")
		return
	}
	span.SetAttributes(
		attribute.Int64("meter_id", meterID),
		attribute.String("start", start),
		attribute.String("end", end),
	)

	total, err := h.costs.Aggregate(ctx, meterID, start, end)
	if err != nil {
		var parseErr *time.ParseError
		switch {
		case errors.As(err, &parseErr):
			writeError(w, http.StatusBadRequest, "invalid timestamp, expected "+billing.TimestampLayout)
		case errors.Is(err, billing.ErrInvalidTimeRange):
			writeError(w, http.StatusBadRequest, "start must not be after end")
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "aggregation failed")
			logger.FromContext(ctx, h.log).Error("failed to calculate cost",
				zap.Int64("meter_id", meterID),
				zap.String("start", start),
				zap.String("end", end),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, "failed to calculate cost")
		}
		return
	}

	writeJSON(w, http.StatusOK, costResponse{
		MeterID:   meterID,
		Start:     start,
		End:       end,
		TotalCost: total,
	})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "meter-billing"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
