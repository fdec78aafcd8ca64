// Package offline holds backend writes made while disconnected and replays
// them in order once connectivity returns.
package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mr1hm/go-safety-alerts/internal/clock"
	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/pubsub"
	"github.com/mr1hm/go-safety-alerts/internal/remote"
	"github.com/mr1hm/go-safety-alerts/internal/repository"
)

var ErrQueueOverflow = errors.New("offline queue overflow")

const (
	DefaultMaxItems = 500
	DefaultMaxAge   = 72 * time.Hour
)

type EventKind string

const (
	EventEnqueued EventKind = "enqueued"
	EventAcked    EventKind = "acked"
	EventFailed   EventKind = "failed"
	EventEvicted  EventKind = "evicted"
)

type Event struct {
	Kind    EventKind          `json:"kind"`
	Write   models.QueuedWrite `json:"write"`
	Ack     *models.Ack        `json:"ack,omitempty"`
	Err     error              `json:"-"`
	Message string             `json:"error,omitempty"`
	At      time.Time          `json:"at"`
}

// Sender delivers one write to the backend.
type Sender interface {
	Do(ctx context.Context, w models.QueuedWrite) (models.Ack, error)
}

type Config struct {
	Scope    string
	MaxItems int
	MaxAge   time.Duration
	Clock    clock.Clock
}

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Acked   int
	Failed  int
	Pending int
	// Skipped is set when another replay was already running.
	Skipped bool
}

type Queue struct {
	repo   repository.QueueRepository
	sender Sender
	cfg    Config
	events *pubsub.Broadcaster[Event]

	replayMu sync.Mutex
	mu       sync.Mutex
	states   map[string]models.WriteState
}

func New(repo repository.QueueRepository, sender Sender, cfg Config) *Queue {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Queue{
		repo:   repo,
		sender: sender,
		cfg:    cfg,
		events: pubsub.NewBroadcaster[Event](64),
		states: make(map[string]models.WriteState),
	}
}

// Enqueue stores w for later replay. Enqueueing an id that is already
// queued does nothing and reports false.
func (q *Queue) Enqueue(ctx context.Context, w models.QueuedWrite) (bool, error) {
	if w.ID == "" {
		return false, fmt.Errorf("queued write has no id")
	}
	if w.EnqueuedAt.IsZero() {
		w.EnqueuedAt = q.cfg.Clock.Now()
	}
	if err := q.evictExpired(ctx); err != nil {
		return false, err
	}

	inserted, err := q.repo.AddWrite(ctx, q.cfg.Scope, w)
	if err != nil {
		return false, fmt.Errorf("error enqueueing write %s: %w", w.ID, err)
	}
	if !inserted {
		slog.Debug("write already queued", "write_id", w.ID)
		return false, nil
	}

	q.setState(w.ID, models.WriteQueued)
	q.publish(Event{Kind: EventEnqueued, Write: w})
	slog.Info("write queued", "write_id", w.ID, "alert_id", w.AlertID, "endpoint", w.Endpoint)

	if err := q.evictOverflow(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Replay sends queued writes oldest first, one attempt each. A connectivity
// failure puts the write back and ends the pass. Only one pass runs at a
// time; a concurrent call returns with Skipped set.
func (q *Queue) Replay(ctx context.Context) (ReplayResult, error) {
	if !q.replayMu.TryLock() {
		return ReplayResult{Skipped: true}, nil
	}
	defer q.replayMu.Unlock()

	var res ReplayResult
	if err := q.evictExpired(ctx); err != nil {
		return res, err
	}
	writes, err := q.repo.ListWrites(ctx, q.cfg.Scope)
	if err != nil {
		return res, fmt.Errorf("error listing queued writes: %w", err)
	}
	if len(writes) == 0 {
		return res, nil
	}
	slog.Info("replaying queued writes", "count", len(writes))

	for i, w := range writes {
		q.setState(w.ID, models.WriteReplaying)
		ack, err := q.sender.Do(ctx, w)

		switch {
		case err == nil:
			if err := q.remove(ctx, w.ID); err != nil {
				return res, err
			}
			res.Acked++
			q.setState(w.ID, models.WriteAcked)
			q.publish(Event{Kind: EventAcked, Write: w, Ack: &ack})
			slog.Info("queued write acknowledged", "write_id", w.ID, "alert_id", w.AlertID)

		case remote.IsConnectivity(err) || ctx.Err() != nil:
			q.setState(w.ID, models.WriteQueued)
			res.Pending = len(writes) - i
			slog.Warn("replay stopped, backend unreachable", "write_id", w.ID, "pending", res.Pending, "error", err)
			return res, nil

		default:
			if err := q.remove(ctx, w.ID); err != nil {
				return res, err
			}
			res.Failed++
			q.setState(w.ID, models.WriteFailed)
			q.publish(Event{Kind: EventFailed, Write: w, Err: err})
			slog.Error("queued write rejected", "write_id", w.ID, "alert_id", w.AlertID, "error", err)
		}
	}
	return res, nil
}

func (q *Queue) Pending(ctx context.Context) ([]models.QueuedWrite, error) {
	return q.repo.ListWrites(ctx, q.cfg.Scope)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.repo.CountWrites(ctx, q.cfg.Scope)
}

// State returns the last known state of a write handled by this process.
func (q *Queue) State(id string) (models.WriteState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.states[id]
	return st, ok
}

func (q *Queue) OnEvent(handler func(Event)) func() {
	return q.events.Listen(handler)
}

func (q *Queue) Close() {
	q.events.Close()
	q.events.Wait()
}

func (q *Queue) evictExpired(ctx context.Context) error {
	cutoff := q.cfg.Clock.Now().Add(-q.cfg.MaxAge)
	expired, err := q.repo.WritesBefore(ctx, q.cfg.Scope, cutoff)
	if err != nil {
		return fmt.Errorf("error finding expired writes: %w", err)
	}
	reason := fmt.Errorf("%w: older than %s", ErrQueueOverflow, q.cfg.MaxAge)
	return q.evict(ctx, expired, reason)
}

func (q *Queue) evictOverflow(ctx context.Context) error {
	n, err := q.repo.CountWrites(ctx, q.cfg.Scope)
	if err != nil {
		return fmt.Errorf("error counting queued writes: %w", err)
	}
	if n <= q.cfg.MaxItems {
		return nil
	}
	victims, err := q.repo.OldestWrites(ctx, q.cfg.Scope, n-q.cfg.MaxItems)
	if err != nil {
		return fmt.Errorf("error finding oldest writes: %w", err)
	}
	reason := fmt.Errorf("%w: more than %d writes", ErrQueueOverflow, q.cfg.MaxItems)
	return q.evict(ctx, victims, reason)
}

func (q *Queue) evict(ctx context.Context, writes []models.QueuedWrite, reason error) error {
	for _, w := range writes {
		if err := q.remove(ctx, w.ID); err != nil {
			return err
		}
		q.setState(w.ID, models.WriteFailed)
		q.publish(Event{Kind: EventEvicted, Write: w, Err: reason})
		slog.Warn("queued write evicted", "write_id", w.ID, "alert_id", w.AlertID, "reason", reason)
	}
	return nil
}

func (q *Queue) remove(ctx context.Context, id string) error {
	err := q.repo.DeleteWrite(ctx, q.cfg.Scope, id)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("error removing write %s: %w", id, err)
	}
	return nil
}

func (q *Queue) setState(id string, st models.WriteState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states[id] = st
}

func (q *Queue) publish(e Event) {
	if e.At.IsZero() {
		e.At = q.cfg.Clock.Now()
	}
	if e.Err != nil {
		e.Message = e.Err.Error()
	}
	q.events.Publish(e)
}
