package repository

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/mr1hm/go-safety-alerts/internal/models"
)

func setupTestDB(t *testing.T) *SQLiteDB {
	db, err := NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	return db
}

func testWrite(id string, at time.Time) models.QueuedWrite {
	return models.QueuedWrite{
		ID:         id,
		Method:     http.MethodPost,
		Endpoint:   "/alerts/a1/respond",
		Headers:    http.Header{"Idempotency-Key": []string{id}},
		Body:       []byte(`{"response":"safe"}`),
		EnqueuedAt: at,
		AlertID:    "a1",
	}
}

func TestSQLiteDB_AddAndListWrites(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"w1", "w2", "w3"} {
		inserted, err := db.AddWrite(ctx, "user_1", testWrite(id, now.Add(time.Duration(i)*time.Second)))
		if err != nil {
			t.Fatalf("AddWrite failed: %v", err)
		}
		if !inserted {
			t.Errorf("expected %s to be inserted", id)
		}
	}

	writes, err := db.ListWrites(ctx, "user_1")
	if err != nil {
		t.Fatalf("ListWrites failed: %v", err)
	}
	if len(writes) != 3 {
		t.Fatalf("expected 3 writes, got %d", len(writes))
	}
	for i, id := range []string{"w1", "w2", "w3"} {
		if writes[i].ID != id {
			t.Errorf("expected %s at position %d, got %s", id, i, writes[i].ID)
		}
	}

	got := writes[0]
	if got.Headers.Get("Idempotency-Key") != "w1" {
		t.Errorf("headers not round-tripped: %v", got.Headers)
	}
	if string(got.Body) != `{"response":"safe"}` {
		t.Errorf("body not round-tripped: %s", got.Body)
	}
	if !got.EnqueuedAt.Equal(now) {
		t.Errorf("expected enqueued_at %v, got %v", now, got.EnqueuedAt)
	}
}

func TestSQLiteDB_AddWriteIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	w := testWrite("w1", time.Now())

	db.AddWrite(ctx, "user_1", w)
	inserted, err := db.AddWrite(ctx, "user_1", w)
	if err != nil {
		t.Fatalf("AddWrite failed: %v", err)
	}
	if inserted {
		t.Error("expected duplicate id to be ignored")
	}

	n, _ := db.CountWrites(ctx, "user_1")
	if n != 1 {
		t.Errorf("expected 1 write, got %d", n)
	}
}

func TestSQLiteDB_WritesAreScoped(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	db.AddWrite(ctx, "user_1", testWrite("w1", time.Now()))
	db.AddWrite(ctx, "user_2", testWrite("w1", time.Now()))

	for _, scope := range []string{"user_1", "user_2"} {
		n, err := db.CountWrites(ctx, scope)
		if err != nil {
			t.Fatalf("CountWrites failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 write in %s, got %d", scope, n)
		}
	}

	if err := db.DeleteWrite(ctx, "user_1", "w1"); err != nil {
		t.Fatalf("DeleteWrite failed: %v", err)
	}
	if n, _ := db.CountWrites(ctx, "user_2"); n != 1 {
		t.Error("delete leaked across scopes")
	}
	if err := db.DeleteWrite(ctx, "user_1", "w1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteDB_OldestAndExpiredWrites(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"w1", "w2", "w3", "w4"} {
		db.AddWrite(ctx, "s", testWrite(id, base.Add(time.Duration(i)*time.Hour)))
	}

	oldest, err := db.OldestWrites(ctx, "s", 2)
	if err != nil {
		t.Fatalf("OldestWrites failed: %v", err)
	}
	if len(oldest) != 2 || oldest[0].ID != "w1" || oldest[1].ID != "w2" {
		t.Errorf("unexpected oldest writes: %+v", oldest)
	}

	expired, err := db.WritesBefore(ctx, "s", base.Add(150*time.Minute))
	if err != nil {
		t.Fatalf("WritesBefore failed: %v", err)
	}
	if len(expired) != 3 {
		t.Errorf("expected 3 writes before cutoff, got %d", len(expired))
	}
}

func TestSQLiteDB_SaveAndListAlerts(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	dist := 3.2

	older := models.Alert{ID: "a1", Type: models.AlertTypeDeviation, Severity: models.SeverityHigh, Status: models.StatusActive, CreatedAt: base, ArmedAt: base, ResponseWindowSec: 600, DistanceFromPlannedKm: &dist}
	newer := models.Alert{ID: "a2", Type: models.AlertTypeCheckin, Severity: models.SeverityLow, Status: models.StatusActive, CreatedAt: base.Add(time.Minute), ArmedAt: base.Add(time.Minute), ResponseWindowSec: 900}

	for _, a := range []models.Alert{older, newer} {
		if err := db.SaveAlert(ctx, "user_1", a); err != nil {
			t.Fatalf("SaveAlert failed: %v", err)
		}
	}

	escalatedAt := base.Add(10 * time.Minute)
	older.Status = models.StatusEscalated
	older.EscalatedAt = &escalatedAt
	if err := db.SaveAlert(ctx, "user_1", older); err != nil {
		t.Fatalf("SaveAlert update failed: %v", err)
	}

	alerts, err := db.ListAlerts(ctx, "user_1")
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].ID != "a2" || alerts[1].ID != "a1" {
		t.Errorf("expected newest first, got %s, %s", alerts[0].ID, alerts[1].ID)
	}
	if alerts[1].Status != models.StatusEscalated || alerts[1].EscalatedAt == nil {
		t.Errorf("update not applied: %+v", alerts[1])
	}
	if alerts[1].DistanceFromPlannedKm == nil || *alerts[1].DistanceFromPlannedKm != 3.2 {
		t.Errorf("distance not round-tripped")
	}

	got, err := db.GetAlert(ctx, "user_1", "a2")
	if err != nil {
		t.Fatalf("GetAlert failed: %v", err)
	}
	if got.ResponseWindowSec != 900 {
		t.Errorf("expected window 900, got %d", got.ResponseWindowSec)
	}

	if err := db.DeleteAlert(ctx, "user_1", "a2"); err != nil {
		t.Fatalf("DeleteAlert failed: %v", err)
	}
	if _, err := db.GetAlert(ctx, "user_1", "a2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if other, _ := db.ListAlerts(ctx, "user_2"); len(other) != 0 {
		t.Errorf("expected no alerts in another scope, got %d", len(other))
	}
}

func TestSQLiteDB_FileBackedSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "agent.db")
	ctx := context.Background()

	db, err := NewSQLiteDB(path)
	if err != nil {
		t.Fatalf("NewSQLiteDB failed: %v", err)
	}
	db.AddWrite(ctx, "s", testWrite("w1", time.Now()))
	db.Close()

	db, err = NewSQLiteDB(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	n, err := db.CountWrites(ctx, "s")
	if err != nil {
		t.Fatalf("CountWrites failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected write to survive reopen, got %d", n)
	}
}
