// Package store provides persistence for metric samples and action records.
//
// Two implementations share the same interfaces: an in-memory store used in
// tests and when Vigil runs without a database, and a PostgreSQL store
// backed by pgx. Action status transitions use optimistic compare-and-set
// so that concurrent workers racing on the same record resolve to exactly
// one winner.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/techmedaddy/vigil/pkg/models"
)

// Sentinel errors returned by store operations.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("status transition conflict")
)

// MaxListLimit caps the page size of action listings.
const MaxListLimit = 500

// ActionFilter narrows action listings. Zero values mean "no filter";
// a zero Limit defaults to 50.
type ActionFilter struct {
	Limit  int
	Status models.ActionStatus
	Target string
}

func (f ActionFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return 50
	case f.Limit > MaxListLimit:
		return MaxListLimit
	}
	return f.Limit
}

// ActionStore persists action records and enforces the status transition
// DAG: pending -> running -> completed|failed, running -> pending (retry),
// pending -> failed (circuit open), pending -> cancelled. Implementations
// must be safe for concurrent use and must apply every transition as an
// atomic compare-and-set on (id, expected status).
type ActionStore interface {
	// Create inserts a new pending record and returns its id.
	Create(ctx context.Context, target, action, details string) (int64, error)

	// Get returns a copy of the record.
	Get(ctx context.Context, id int64) (*models.ActionRecord, error)

	// Claim returns the record iff it is still pending. A record in any
	// other state yields ErrConflict (duplicate or stale delivery).
	Claim(ctx context.Context, id int64) (*models.ActionRecord, error)

	// MarkRunning transitions pending -> running. Exactly one concurrent
	// caller wins; the rest receive ErrConflict.
	MarkRunning(ctx context.Context, id int64) error

	// MarkCompleted transitions running -> completed.
	MarkCompleted(ctx context.Context, id int64, details string) error

	// MarkFailed transitions pending or running -> failed, recording the
	// final error. The pending path covers circuit-open short-circuits.
	MarkFailed(ctx context.Context, id int64, lastError string) error

	// MarkPendingRetry transitions running -> pending for a transient
	// failure, incrementing the attempt counter.
	MarkPendingRetry(ctx context.Context, id int64, lastError string) error

	// Cancel transitions pending -> cancelled.
	Cancel(ctx context.Context, id int64) error

	// List returns records newest first, honoring the filter.
	List(ctx context.Context, filter ActionFilter) ([]*models.ActionRecord, error)

	// ByStatus returns up to limit records with the given status, newest first.
	ByStatus(ctx context.Context, status models.ActionStatus, limit int) ([]*models.ActionRecord, error)
}

// MetricStore persists ingested metric samples.
type MetricStore interface {
	// Insert stores a sample and returns its id.
	Insert(ctx context.Context, sample *models.MetricSample) (int64, error)

	// ListSince returns samples with timestamps at or after cutoff, newest
	// first, bounded by limit.
	ListSince(ctx context.Context, cutoff time.Time, limit int) ([]*models.MetricSample, error)
}
