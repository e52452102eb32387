package billing

import (
	"context"
	"sort"
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps each meter partition as a slice sorted by timestamp.
type MemoryStore struct {
	mu     sync.RWMutex
	meters map[int64][]BilledRecord
}

func NewMemoryStore(records ...BilledRecord) *MemoryStore {
	s := &MemoryStore{meters: make(map[int64][]BilledRecord)}
	for i := range records {
		s.put(records[i])
	}
	return s
}

func (s *MemoryStore) GetLatest(_ context.Context, meterID int64) (*BilledRecord, error) {

	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.meters[meterID]
	if len(recs) == 0 {
		return nil, nil
	}
	out := copyRecord(recs[len(recs)-1])
	return &out, nil
}

func (s *MemoryStore) Query(_ context.Context, meterID int64, r TimeRange, pageSize int, cursor Cursor) (Page, error) {

	after, err := decodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.meters[meterID]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Timestamp >= r.Start })
	if after != "" {
		i = max(i, sort.Search(len(recs), func(i int) bool { return recs[i].Timestamp > after }))
	}
	j := sort.Search(len(recs), func(i int) bool { return recs[i].Timestamp > r.End })
	if i >= j {
		return Page{}, nil
	}

	end := i + pageSize
	if end > j {
		end = j
	}
	page := Page{Records: make([]BilledRecord, 0, end-i)}
	for _, rec := range recs[i:end] {
		page.Records = append(page.Records, copyRecord(rec))
	}
	if end < j {
		page.Next = encodeCursor(recs[end-1].Timestamp)
	}
	return page, nil
}

func (s *MemoryStore) Put(_ context.Context, rec *BilledRecord) error {

	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(*rec)
	return nil
}

// put must be called with mu held, or before the store is shared.
func (s *MemoryStore) put(rec BilledRecord) {
	rec = copyRecord(rec)
	recs := s.meters[rec.MeterID]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Timestamp >= rec.Timestamp })
	if i < len(recs) && recs[i].Timestamp == rec.Timestamp {
		recs[i] = rec
		return
	}
	recs = append(recs, BilledRecord{})
	copy(recs[i+1:], recs[i:])
	recs[i] = rec
	s.meters[rec.MeterID] = recs
}

func copyRecord(rec BilledRecord) BilledRecord {
	if rec.Cost != nil {
		c := *rec.Cost
		rec.Cost = &c
	}
	return rec
}
