package billing

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryPolicy makes Attempts tries in total, sleeping attempt*Delay between
// them.
type RetryPolicy struct {
	Attempts uint
	Delay    time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: time.Second}

var _ Store = (*ResilientStore)(nil)

// ResilientStore retries failed store calls and stops calling a store that
// keeps failing.
type ResilientStore struct {
	next    Store
	policy  RetryPolicy
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewResilientStore(next Store, policy RetryPolicy, log *zap.Logger) *ResilientStore {
	if policy.Attempts == 0 {
		policy.Attempts = DefaultRetryPolicy.Attempts
	}
	if log == nil {
		log = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidCursor) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &ResilientStore{
		next:    next,
		policy:  policy,
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

func (s *ResilientStore) GetLatest(ctx context.Context, meterID int64) (*BilledRecord, error) {
	return call(ctx, s, "get_latest", func() (*BilledRecord, error) {
		return s.next.GetLatest(ctx, meterID)
	})
}

func (s *ResilientStore) Query(ctx context.Context, meterID int64, r TimeRange, pageSize int, cursor Cursor) (Page, error) {
	return call(ctx, s, "query", func() (Page, error) {
		return s.next.Query(ctx, meterID, r, pageSize, cursor)
	})
}

func (s *ResilientStore) Put(ctx context.Context, rec *BilledRecord) error {
	_, err := call(ctx, s, "put", func() (struct{}, error) {
		return struct{}{}, s.next.Put(ctx, rec)
	})
	return err
}

func call[T any](ctx context.Context, s *ResilientStore, op string, fn func() (T, error)) (T, error) {
	attempt := func() (T, error) {
		var zero T
		res, err := s.breaker.Execute(func() (interface{}, error) {
			return fn()
		})
		if err != nil {
			if isPermanent(ctx, err) {
				return zero, backoff.Permanent(err)
			}
			return zero, err
		}
		return res.(T), nil
	}

	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(&linearBackOff{step: s.policy.Delay}),
		backoff.WithMaxTries(s.policy.Attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn("store call failed, retrying",
				zap.String("op", op), zap.Duration("backoff", next), zap.Error(err))
		}),
	)
}

// isPermanent reports errors that another attempt cannot fix.
func isPermanent(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil:
		return true
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return true
	case errors.Is(err, ErrInvalidCursor):
		return true
	}
	return false
}

type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() { b.attempt = 0 }
