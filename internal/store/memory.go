package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/techmedaddy/vigil/pkg/models"
)

// MemoryActionStore is an in-memory ActionStore. It backs tests and the
// degraded no-database startup mode.
type MemoryActionStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*models.ActionRecord

	now func() time.Time
}

// NewMemoryActionStore creates an empty in-memory action store.
func NewMemoryActionStore() *MemoryActionStore {
	return &MemoryActionStore{
		nextID:  1,
		records: make(map[int64]*models.ActionRecord),
		now:     time.Now,
	}
}

// Create inserts a new pending record and returns its id.
func (s *MemoryActionStore) Create(ctx context.Context, target, action, details string) (int64, error) {
	if target == "" || len(target) > 255 {
		return 0, fmt.Errorf("store: invalid target %q", target)
	}
	if action == "" || len(action) > 255 {
		return 0, fmt.Errorf("store: invalid action %q", action)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	now := s.now().UTC()
	// Attempts starts at 1: an envelope with attempt=1 is created alongside
	// the record, and the counter tracks the attempt it is waiting on.
	s.records[id] = &models.ActionRecord{
		ID:        id,
		Target:    target,
		Action:    action,
		Status:    models.ActionStatusPending,
		Details:   details,
		StartedAt: now,
		UpdatedAt: now,
		Attempts:  1,
	}
	return id, nil
}

// Get returns a copy of the record.
func (s *MemoryActionStore) Get(ctx context.Context, id int64) (*models.ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: action %d", ErrNotFound, id)
	}
	cp := *rec
	return &cp, nil
}

// Claim returns the record iff it is still pending.
func (s *MemoryActionStore) Claim(ctx context.Context, id int64) (*models.ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: action %d", ErrNotFound, id)
	}
	if rec.Status != models.ActionStatusPending {
		return nil, fmt.Errorf("%w: action %d is %s", ErrConflict, id, rec.Status)
	}
	cp := *rec
	return &cp, nil
}

// cas applies the transition iff the record is in one of the expected
// states. Caller supplies the mutation applied on success.
func (s *MemoryActionStore) cas(id int64, from []models.ActionStatus, mutate func(*models.ActionRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: action %d", ErrNotFound, id)
	}
	for _, status := range from {
		if rec.Status == status {
			mutate(rec)
			rec.UpdatedAt = s.now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: action %d is %s", ErrConflict, id, rec.Status)
}

// MarkRunning transitions pending -> running.
func (s *MemoryActionStore) MarkRunning(ctx context.Context, id int64) error {
	return s.cas(id, []models.ActionStatus{models.ActionStatusPending}, func(r *models.ActionRecord) {
		r.Status = models.ActionStatusRunning
	})
}

// MarkCompleted transitions running -> completed.
func (s *MemoryActionStore) MarkCompleted(ctx context.Context, id int64, details string) error {
	return s.cas(id, []models.ActionStatus{models.ActionStatusRunning}, func(r *models.ActionRecord) {
		r.Status = models.ActionStatusCompleted
		if details != "" {
			r.Details = details
		}
		r.LastError = ""
	})
}

// MarkFailed transitions pending or running -> failed.
func (s *MemoryActionStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return s.cas(id, []models.ActionStatus{models.ActionStatusPending, models.ActionStatusRunning},
		func(r *models.ActionRecord) {
			r.Status = models.ActionStatusFailed
			r.LastError = lastError
		})
}

// MarkPendingRetry transitions running -> pending, incrementing attempts.
func (s *MemoryActionStore) MarkPendingRetry(ctx context.Context, id int64, lastError string) error {
	return s.cas(id, []models.ActionStatus{models.ActionStatusRunning}, func(r *models.ActionRecord) {
		r.Status = models.ActionStatusPending
		r.Attempts++
		r.LastError = lastError
	})
}

// Cancel transitions pending -> cancelled.
func (s *MemoryActionStore) Cancel(ctx context.Context, id int64) error {
	return s.cas(id, []models.ActionStatus{models.ActionStatusPending}, func(r *models.ActionRecord) {
		r.Status = models.ActionStatusCancelled
	})
}

// List returns records newest first, honoring the filter.
func (s *MemoryActionStore) List(ctx context.Context, filter ActionFilter) ([]*models.ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.ActionRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.Target != "" && rec.Target != filter.Target {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ByStatus returns up to limit records with the given status, newest first.
func (s *MemoryActionStore) ByStatus(ctx context.Context, status models.ActionStatus, limit int) ([]*models.ActionRecord, error) {
	return s.List(ctx, ActionFilter{Status: status, Limit: limit})
}

// MemoryMetricStore is an in-memory MetricStore.
type MemoryMetricStore struct {
	mu      sync.Mutex
	nextID  int64
	samples []*models.MetricSample

	now func() time.Time
}

// NewMemoryMetricStore creates an empty in-memory metric store.
func NewMemoryMetricStore() *MemoryMetricStore {
	return &MemoryMetricStore{nextID: 1, now: time.Now}
}

// Insert stores a sample and returns its id. A zero timestamp is replaced
// with server-receipt time.
func (s *MemoryMetricStore) Insert(ctx context.Context, sample *models.MetricSample) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sample
	cp.ID = s.nextID
	s.nextID++
	if cp.Timestamp.IsZero() {
		cp.Timestamp = s.now().UTC()
	}
	if cp.Tags != nil {
		tags := make(map[string]string, len(cp.Tags))
		for k, v := range cp.Tags {
			tags[k] = v
		}
		cp.Tags = tags
	}
	s.samples = append(s.samples, &cp)
	sample.ID = cp.ID
	return cp.ID, nil
}

// ListSince returns samples at or after cutoff, newest first, up to limit.
func (s *MemoryMetricStore) ListSince(ctx context.Context, cutoff time.Time, limit int) ([]*models.MetricSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.MetricSample, 0)
	for i := len(s.samples) - 1; i >= 0 && len(out) < limit; i-- {
		if s.samples[i].Timestamp.Before(cutoff) {
			continue
		}
		cp := *s.samples[i]
		out = append(out, &cp)
	}
	return out, nil
}
