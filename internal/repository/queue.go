package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mr1hm/go-safety-alerts/internal/models"
)

const writeColumns = `id, method, endpoint, headers, body, alert_id, enqueued_at`

func (s *SQLiteDB) AddWrite(ctx context.Context, scope string, w models.QueuedWrite) (bool, error) {
	var headers []byte
	if len(w.Headers) > 0 {
		var err error
		headers, err = json.Marshal(w.Headers)
		if err != nil {
			return false, fmt.Errorf("error encoding headers: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_writes (scope, id, method, endpoint, headers, body, alert_id, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, id) DO NOTHING`,
		scope, w.ID, w.Method, w.Endpoint, string(headers), w.Body, w.AlertID, w.EnqueuedAt.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("error inserting queued write: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("error reading rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteDB) ListWrites(ctx context.Context, scope string) ([]models.QueuedWrite, error) {
	return s.queryWrites(ctx, `SELECT `+writeColumns+` FROM queued_writes WHERE scope = ? ORDER BY seq`, scope)
}

func (s *SQLiteDB) OldestWrites(ctx context.Context, scope string, limit int) ([]models.QueuedWrite, error) {
	return s.queryWrites(ctx, `SELECT `+writeColumns+` FROM queued_writes WHERE scope = ? ORDER BY seq LIMIT ?`, scope, limit)
}

func (s *SQLiteDB) WritesBefore(ctx context.Context, scope string, cutoff time.Time) ([]models.QueuedWrite, error) {
	return s.queryWrites(ctx, `SELECT `+writeColumns+` FROM queued_writes WHERE scope = ? AND enqueued_at < ? ORDER BY seq`, scope, cutoff.UnixNano())
}

func (s *SQLiteDB) DeleteWrite(ctx context.Context, scope, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_writes WHERE scope = ? AND id = ?`, scope, id)
	if err != nil {
		return fmt.Errorf("error deleting queued write: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queued write %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteDB) CountWrites(ctx context.Context, scope string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_writes WHERE scope = ?`, scope).Scan(&n); err != nil {
		return 0, fmt.Errorf("error counting queued writes: %w", err)
	}
	return n, nil
}

func (s *SQLiteDB) queryWrites(ctx context.Context, query string, args ...any) ([]models.QueuedWrite, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying queued writes: %w", err)
	}
	defer rows.Close()

	var writes []models.QueuedWrite
	for rows.Next() {
		var (
			w          models.QueuedWrite
			headers    sql.NullString
			alertID    sql.NullString
			enqueuedAt int64
		)
		if err := rows.Scan(&w.ID, &w.Method, &w.Endpoint, &headers, &w.Body, &alertID, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("error scanning queued write: %w", err)
		}
		if headers.String != "" {
			w.Headers = http.Header{}
			if err := json.Unmarshal([]byte(headers.String), &w.Headers); err != nil {
				return nil, fmt.Errorf("error decoding headers of %s: %w", w.ID, err)
			}
		}
		w.AlertID = alertID.String
		w.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		writes = append(writes, w)
	}
	return writes, rows.Err()
}
