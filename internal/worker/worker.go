package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnmchuo/meter-billing/internal/billing"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

var ErrStopped = errors.New("dispatcher stopped")

// Ingester is satisfied by *billing.Ingestor.
type Ingester interface {
	Ingest(ctx context.Context, ev billing.MeterReading) (*billing.BilledRecord, error)
}

type IngestJob struct {
	ID        string
	Reading   billing.MeterReading
	Status    JobStatus
	CreatedAt time.Time

	ctx    context.Context
	result chan jobResult
}

type jobResult struct {
	record *billing.BilledRecord
	err    error
}

// Dispatcher runs ingestion on a fixed set of shards. Every reading of a meter
// lands on the same shard and shards run one job at a time, so readings of a
// meter are billed in submission order and never concurrently.
type Dispatcher struct {
	ingester Ingester
	shards   []chan *IngestJob
	log      *zap.Logger

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(ingester Ingester, shards int, log *zap.Logger) *Dispatcher {
	if shards <= 0 {
		shards = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		ingester: ingester,
		shards:   make([]chan *IngestJob, shards),
		log:      log,
	}
	for i := range d.shards {
		d.shards[i] = make(chan *IngestJob, 64)
	}
	return d
}

// Start launches one goroutine per shard.
func (d *Dispatcher) Start() {
	for i, ch := range d.shards {
		d.wg.Add(1)
		go d.run(i, ch)
	}
}

// Stop refuses new jobs, drains queued ones and waits for the shards to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, ch := range d.shards {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Submit queues the reading on its meter's shard and waits for the result.
// If ctx ends first the job may still run.
func (d *Dispatcher) Submit(ctx context.Context, reading billing.MeterReading) (*billing.BilledRecord, error) {
	job := &IngestJob{
		ID:        uuid.New().String(),
		Reading:   reading,
		Status:    JobStatusPending,
		CreatedAt: time.Now(),
		ctx:       context.WithoutCancel(ctx),
		result:    make(chan jobResult, 1),
	}

	d.mu.RLock()
	if d.stopped {
		d.mu.RUnlock()
		return nil, ErrStopped
	}
	ch := d.shards[d.shardFor(reading.MeterID)]
	select {
	case ch <- job:
		d.mu.RUnlock()
	case <-ctx.Done():
		d.mu.RUnlock()
		return nil, ctx.Err()
	}

	select {
	case res := <-job.result:
		return res.record, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) shardFor(meterID int64) int {
	n := int64(len(d.shards))
	return int(((meterID % n) + n) % n)
}

func (d *Dispatcher) run(shard int, jobs <-chan *IngestJob) {
	defer d.wg.Done()
	for job := range jobs {
		job.Status = JobStatusRunning
		rec, err := d.ingester.Ingest(job.ctx, job.Reading)
		if err != nil {
			job.Status = JobStatusFailed
		} else {
			job.Status = JobStatusDone
		}
		d.log.Debug("ingest job finished",
			zap.String("job_id", job.ID),
			zap.Int("shard", shard),
			zap.Int64("meter_id", job.Reading.MeterID),
			zap.String("status", string(job.Status)),
			zap.Duration("queued_for", time.Since(job.CreatedAt)),
		)
		job.result <- jobResult{record: rec, err: err}
	}
}
