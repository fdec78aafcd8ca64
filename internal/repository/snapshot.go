package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mr1hm/go-safety-alerts/internal/models"
)

func (s *SQLiteDB) SaveAlert(ctx context.Context, scope string, a models.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("error encoding alert %s: %w", a.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_snapshots (scope, id, status, created_at, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope, id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		scope, a.ID, string(a.Status), a.CreatedAt.UnixNano(), data, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("error saving alert %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteDB) GetAlert(ctx context.Context, scope, id string) (models.Alert, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM alert_snapshots WHERE scope = ? AND id = ?`, scope, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Alert{}, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Alert{}, fmt.Errorf("error loading alert %s: %w", id, err)
	}
	var a models.Alert
	if err := json.Unmarshal(data, &a); err != nil {
		return models.Alert{}, fmt.Errorf("error decoding alert %s: %w", id, err)
	}
	return a, nil
}

// ListAlerts returns the snapshot of scope, newest first.
func (s *SQLiteDB) ListAlerts(ctx context.Context, scope string) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM alert_snapshots
		WHERE scope = ?
		ORDER BY created_at DESC, id DESC`, scope)
	if err != nil {
		return nil, fmt.Errorf("error querying alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("error scanning alert: %w", err)
		}
		var a models.Alert
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("error decoding alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *SQLiteDB) DeleteAlert(ctx context.Context, scope, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM alert_snapshots WHERE scope = ? AND id = ?`, scope, id); err != nil {
		return fmt.Errorf("error deleting alert %s: %w", id, err)
	}
	return nil
}

var (
	_ QueueRepository    = (*SQLiteDB)(nil)
	_ SnapshotRepository = (*SQLiteDB)(nil)
)
