package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/techmedaddy/vigil/pkg/models"
)

// PgStore implements ActionStore and MetricStore using PostgreSQL via
// pgxpool. Status transitions are guarded with optimistic compare-and-set:
// every UPDATE carries the expected current status in its WHERE clause, so
// a lost race shows up as zero affected rows.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL-backed store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the metrics and actions tables if they do not exist.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS metrics (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			tags JSONB,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_metrics_timestamp ON metrics (timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_metrics_name ON metrics (name);

		CREATE TABLE IF NOT EXISTS actions (
			id BIGSERIAL PRIMARY KEY,
			target VARCHAR(255) NOT NULL,
			action VARCHAR(255) NOT NULL,
			status VARCHAR(50) NOT NULL,
			details TEXT,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			attempts INTEGER NOT NULL DEFAULT 1,
			last_error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_actions_status ON actions (status);
		CREATE INDEX IF NOT EXISTS idx_actions_target ON actions (target);
	`)
	if err != nil {
		return fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return nil
}

const actionCols = `id, target, action, status, details, started_at, updated_at, attempts, last_error`

// scannable is satisfied by both pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanAction(row scannable) (*models.ActionRecord, error) {
	var rec models.ActionRecord
	var details, lastError *string
	err := row.Scan(&rec.ID, &rec.Target, &rec.Action, (*string)(&rec.Status),
		&details, &rec.StartedAt, &rec.UpdatedAt, &rec.Attempts, &lastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pgstore: scan action: %w", err)
	}
	if details != nil {
		rec.Details = *details
	}
	if lastError != nil {
		rec.LastError = *lastError
	}
	return &rec, nil
}

// Create inserts a new pending record and returns its id.
func (s *PgStore) Create(ctx context.Context, target, action, details string) (int64, error) {
	if target == "" || len(target) > 255 {
		return 0, fmt.Errorf("pgstore: invalid target %q", target)
	}
	if action == "" || len(action) > 255 {
		return 0, fmt.Errorf("pgstore: invalid action %q", action)
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO actions (target, action, status, details)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		target, action, string(models.ActionStatusPending), details).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("pgstore: create action: %w", err)
	}
	return id, nil
}

// Get retrieves an action record by id.
func (s *PgStore) Get(ctx context.Context, id int64) (*models.ActionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+actionCols+` FROM actions WHERE id = $1`, id)
	return scanAction(row)
}

// Claim returns the record iff it is still pending.
func (s *PgStore) Claim(ctx context.Context, id int64) (*models.ActionRecord, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.ActionStatusPending {
		return nil, fmt.Errorf("%w: action %d is %s", ErrConflict, id, rec.Status)
	}
	return rec, nil
}

// cas runs an UPDATE conditioned on the expected current status and
// translates zero affected rows into ErrConflict or ErrNotFound.
func (s *PgStore) cas(ctx context.Context, id int64, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("pgstore: transition action %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: action %d", ErrNotFound, id)
		}
		return fmt.Errorf("%w: action %d", ErrConflict, id)
	}
	return nil
}

// MarkRunning transitions pending -> running.
func (s *PgStore) MarkRunning(ctx context.Context, id int64) error {
	return s.cas(ctx, id, `
		UPDATE actions SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		string(models.ActionStatusRunning), id, string(models.ActionStatusPending))
}

// MarkCompleted transitions running -> completed.
func (s *PgStore) MarkCompleted(ctx context.Context, id int64, details string) error {
	return s.cas(ctx, id, `
		UPDATE actions SET status = $1, updated_at = now(), last_error = NULL,
			details = CASE WHEN $2 <> '' THEN $2 ELSE details END
		WHERE id = $3 AND status = $4`,
		string(models.ActionStatusCompleted), details, id, string(models.ActionStatusRunning))
}

// MarkFailed transitions pending or running -> failed.
func (s *PgStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	return s.cas(ctx, id, `
		UPDATE actions SET status = $1, updated_at = now(), last_error = $2
		WHERE id = $3 AND status IN ($4, $5)`,
		string(models.ActionStatusFailed), lastError, id,
		string(models.ActionStatusPending), string(models.ActionStatusRunning))
}

// MarkPendingRetry transitions running -> pending, incrementing attempts.
func (s *PgStore) MarkPendingRetry(ctx context.Context, id int64, lastError string) error {
	return s.cas(ctx, id, `
		UPDATE actions SET status = $1, updated_at = now(),
			attempts = attempts + 1, last_error = $2
		WHERE id = $3 AND status = $4`,
		string(models.ActionStatusPending), lastError, id, string(models.ActionStatusRunning))
}

// Cancel transitions pending -> cancelled.
func (s *PgStore) Cancel(ctx context.Context, id int64) error {
	return s.cas(ctx, id, `
		UPDATE actions SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		string(models.ActionStatusCancelled), id, string(models.ActionStatusPending))
}

// List returns records newest first, honoring the filter.
func (s *PgStore) List(ctx context.Context, filter ActionFilter) ([]*models.ActionRecord, error) {
	query := `SELECT ` + actionCols + ` FROM actions`
	args := make([]any, 0, 3)
	where := ""
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	if filter.Target != "" {
		args = append(args, filter.Target)
		if where == "" {
			where = fmt.Sprintf(" WHERE target = $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND target = $%d", len(args))
		}
	}
	args = append(args, filter.limit())
	query += where + fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list actions: %w", err)
	}
	defer rows.Close()

	var out []*models.ActionRecord
	for rows.Next() {
		rec, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ByStatus returns up to limit records with the given status, newest first.
func (s *PgStore) ByStatus(ctx context.Context, status models.ActionStatus, limit int) ([]*models.ActionRecord, error) {
	return s.List(ctx, ActionFilter{Status: status, Limit: limit})
}

// Insert stores a metric sample and returns its id.
func (s *PgStore) Insert(ctx context.Context, sample *models.MetricSample) (int64, error) {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var tags []byte
	if len(sample.Tags) > 0 {
		var err error
		if tags, err = json.Marshal(sample.Tags); err != nil {
			return 0, fmt.Errorf("pgstore: encode tags: %w", err)
		}
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO metrics (name, value, tags, timestamp)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		sample.Name, sample.Value, tags, ts).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("pgstore: insert metric: %w", err)
	}
	sample.ID = id
	return id, nil
}

// ListSince returns samples at or after cutoff, newest first, up to limit.
func (s *PgStore) ListSince(ctx context.Context, cutoff time.Time, limit int) ([]*models.MetricSample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, value, tags, timestamp FROM metrics
		WHERE timestamp >= $1 ORDER BY timestamp DESC LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list metrics: %w", err)
	}
	defer rows.Close()

	var out []*models.MetricSample
	for rows.Next() {
		var sample models.MetricSample
		var tags []byte
		if err := rows.Scan(&sample.ID, &sample.Name, &sample.Value, &tags, &sample.Timestamp); err != nil {
			return nil, fmt.Errorf("pgstore: scan metric: %w", err)
		}
		if len(tags) > 0 {
			if err := json.Unmarshal(tags, &sample.Tags); err != nil {
				return nil, fmt.Errorf("pgstore: decode tags: %w", err)
			}
		}
		out = append(out, &sample)
	}
	return out, rows.Err()
}
