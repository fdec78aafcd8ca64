package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mr1hm/go-safety-alerts/internal/models"
)

var ErrNotFound = errors.New("not found")

// QueueRepository persists offline writes per scope in FIFO order.
type QueueRepository interface {
	// AddWrite stores w unless a write with the same id exists. It reports
	// whether a row was inserted.
	AddWrite(ctx context.Context, scope string, w models.QueuedWrite) (bool, error)
	ListWrites(ctx context.Context, scope string) ([]models.QueuedWrite, error)
	DeleteWrite(ctx context.Context, scope, id string) error
	CountWrites(ctx context.Context, scope string) (int, error)
	// OldestWrites returns up to limit writes, oldest first.
	OldestWrites(ctx context.Context, scope string, limit int) ([]models.QueuedWrite, error)
	// WritesBefore returns writes enqueued before cutoff, oldest first.
	WritesBefore(ctx context.Context, scope string, cutoff time.Time) ([]models.QueuedWrite, error)
}

// SnapshotRepository persists the last known state of every alert so
// countdowns survive a restart.
type SnapshotRepository interface {
	SaveAlert(ctx context.Context, scope string, a models.Alert) error
	GetAlert(ctx context.Context, scope, id string) (models.Alert, error)
	ListAlerts(ctx context.Context, scope string) ([]models.Alert, error)
	DeleteAlert(ctx context.Context, scope, id string) error
}
