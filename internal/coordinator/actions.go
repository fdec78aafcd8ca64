package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mr1hm/go-safety-alerts/internal/alertstore"
	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/notify"
	"github.com/mr1hm/go-safety-alerts/internal/remote"
)

// RespondToAlert records the traveler's answer and reports it to the
// backend, directly when connected or through the offline queue. Answering
// an alert that is already resolved returns it unchanged.
func (c *Coordinator) RespondToAlert(ctx context.Context, id string, response models.Response, message string) (models.Alert, error) {
	r, err := models.ParseResponse(string(response))
	if err != nil {
		return models.Alert{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if c.isDisposed() {
		return models.Alert{}, ErrDisposed
	}

	cur, ok := c.store.Get(id)
	if !ok {
		return models.Alert{}, fmt.Errorf("%w: %s", alertstore.ErrNotFound, id)
	}
	if cur.IsTerminal() {
		return cur, nil
	}

	now := c.clock.Now()
	if cur.Status == models.StatusSnoozed {
		if _, err := c.store.Transition(id, models.StatusActive, alertstore.Fields{ArmedAt: now}); err != nil && !alertstore.IsResolutionRace(err) {
			return models.Alert{}, fmt.Errorf("error waking snoozed alert: %w", err)
		}
	}

	a, err := c.store.Transition(id, models.StatusResponded, alertstore.Fields{
		Response:        r,
		ResponseMessage: message,
		ResponseAt:      now,
		PendingSync:     true,
	})
	if err != nil {
		if alertstore.IsResolutionRace(err) {
			cur, _ := c.store.Get(id)
			slog.Debug("response lost race", "alert_id", id, "status", cur.Status)
			return cur, nil
		}
		return models.Alert{}, fmt.Errorf("error responding to alert: %w", err)
	}

	c.scheduler.Cancel(id)
	c.metrics.AlertTransition(a)
	c.publish(a)
	slog.Info("alert responded", "alert_id", id, "response", r)

	w, err := remote.NewWrite(http.MethodPost, remote.RespondPath(id), remote.RespondRequest{
		Response: a.Response,
		Message:  a.ResponseMessage,
	}, id, now)
	if err != nil {
		return a, err
	}
	acked, err := c.submit(ctx, w)
	if err != nil {
		slog.Error("error reporting response", "alert_id", id, "write_id", w.ID, "error", err)
		return a, nil
	}
	if acked {
		if synced, err := c.store.SetPendingSync(id, false); err == nil {
			a = synced
			c.publish(a)
		}
	}
	return a, nil
}

// SnoozeAlert silences an active alert for d. The countdown restarts with
// the full response window once the snooze ends.
func (c *Coordinator) SnoozeAlert(ctx context.Context, id string, d time.Duration) (models.Alert, error) {
	if d <= 0 {
		d = c.cfg.SnoozeDuration
	}
	if c.isDisposed() {
		return models.Alert{}, ErrDisposed
	}
	until := c.clock.Now().Add(d)
	a, err := c.store.Transition(id, models.StatusSnoozed, alertstore.Fields{SnoozedUntil: until})
	if err != nil {
		return models.Alert{}, err
	}
	c.scheduler.Snooze(id, until)
	c.metrics.AlertTransition(a)
	c.publish(a)
	slog.Info("alert snoozed", "alert_id", id, "until", until)
	return a, nil
}

// CreateAlert raises a new alert on this device and reports it to the
// backend.
func (c *Coordinator) CreateAlert(ctx context.Context, in NewAlert) (models.Alert, error) {
	if c.isDisposed() {
		return models.Alert{}, ErrDisposed
	}
	sev, err := models.ParseSeverity(string(in.Severity))
	if err != nil {
		return models.Alert{}, fmt.Errorf("%w: %w", alertstore.ErrInvalidAlert, err)
	}
	if in.Message == "" {
		return models.Alert{}, fmt.Errorf("%w: message is required", alertstore.ErrInvalidAlert)
	}

	a, err := c.ingest(models.Alert{
		ID:                    uuid.NewString(),
		Type:                  in.Type,
		Severity:              sev,
		Title:                 in.Title,
		Message:               in.Message,
		Status:                models.StatusActive,
		CreatedAt:             c.clock.Now(),
		TripID:                in.TripID,
		UserID:                in.UserID,
		Location:              in.Location,
		DistanceFromPlannedKm: in.DistanceFromPlannedKm,
	}, sourceLocal)
	if err != nil {
		return models.Alert{}, err
	}

	w, err := remote.NewWrite(http.MethodPost, "/alerts", a, a.ID, a.CreatedAt)
	if err != nil {
		return a, err
	}
	if _, err := c.submit(ctx, w); err != nil {
		slog.Error("error reporting new alert", "alert_id", a.ID, "error", err)
	}
	return a, nil
}

// SimulateAlert injects a local-only alert for demos and tests. Missing
// fields get defaults; the backend never sees it.
func (c *Coordinator) SimulateAlert(ctx context.Context, partial models.Alert) (models.Alert, error) {
	if c.isDisposed() {
		return models.Alert{}, ErrDisposed
	}
	a := partial
	if a.ID == "" {
		a.ID = "sim_" + uuid.NewString()
	}
	if a.Type == "" {
		a.Type = models.AlertTypeManual
	}
	if a.Severity == "" {
		a.Severity = models.SeverityMedium
	}
	if a.Title == "" {
		a.Title = "Test alert"
	}
	if a.Message == "" {
		a.Message = "This is a simulated safety alert. Are you safe?"
	}
	if a.TripID == "" {
		a.TripID = "sim-trip"
	}
	a.Status = models.StatusActive
	a.CreatedAt = c.clock.Now()
	a.ArmedAt = a.CreatedAt
	return c.ingest(a, sourceLocal)
}

// SubmitLocation reports the traveler's position. Offline reports are
// queued and sent in order once the backend is reachable again.
func (c *Coordinator) SubmitLocation(ctx context.Context, u models.LocationUpdate) error {
	if u.TripID == "" {
		return fmt.Errorf("%w: trip_id is required", ErrInvalidLocation)
	}
	if u.Latitude < -90 || u.Latitude > 90 || u.Longitude < -180 || u.Longitude > 180 {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidLocation)
	}
	if c.isDisposed() {
		return ErrDisposed
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = c.clock.Now()
	}

	w, err := remote.NewWrite(http.MethodPost, remote.LocationsPath, u, "", u.Timestamp)
	if err != nil {
		return err
	}
	if _, err := c.submit(ctx, w); err != nil {
		return fmt.Errorf("error reporting location: %w", err)
	}
	return nil
}

func (c *Coordinator) onEscalated(a models.Alert) {
	c.metrics.AlertTransition(a)
	c.publish(a)
	c.dispatcher.Remind(a, notify.ReasonEscalated)
	c.metrics.Notified(string(notify.ReasonEscalated))

	at := c.clock.Now()
	if a.EscalatedAt != nil {
		at = *a.EscalatedAt
	}
	w, err := remote.NewWrite(http.MethodPost, remote.EscalatePath(a.ID), remote.EscalateRequest{EscalatedAt: at}, a.ID, at)
	if err != nil {
		slog.Error("escalation delivery failure", "event", "escalation_delivery_failure", "alert_id", a.ID, "error", err)
		return
	}
	report := func(ctx context.Context) {
		if _, err := c.submit(ctx, w); err != nil {
			slog.Error("escalation delivery failure", "event", "escalation_delivery_failure", "alert_id", a.ID, "write_id", w.ID, "error", err)
		}
	}
	if !c.goTracked(report) {
		// Shutting down: keep the report for the next run.
		if _, err := c.queue.Enqueue(context.Background(), w); err != nil {
			slog.Error("escalation delivery failure", "event", "escalation_delivery_failure", "alert_id", a.ID, "write_id", w.ID, "error", err)
		}
	}
}

func (c *Coordinator) onReactivated(a models.Alert) {
	c.metrics.AlertTransition(a)
	c.publish(a)
	c.dispatcher.Remind(a, notify.ReasonReminder)
	c.metrics.Notified(string(notify.ReasonReminder))
}

// submit sends w now if the backend is reachable, otherwise queues it. It
// reports whether the backend acknowledged the write. Connectivity failures
// are never returned; the write is queued instead.
//
// The send runs on the coordinator's context, not the caller's: a caller
// that goes away mid-request must not lose the write. Dispose cancelling
// the send queues it for the next run.
func (c *Coordinator) submit(ctx context.Context, w models.QueuedWrite) (bool, error) {
	if c.backend != nil && c.supervisor.State().Connected() {
		_, err := c.backend.Do(c.ctx, w)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			slog.Warn("write interrupted, queueing", "write_id", w.ID, "endpoint", w.Endpoint, "error", err)
		case remote.IsConnectivity(err):
			slog.Warn("backend unreachable, queueing write", "write_id", w.ID, "endpoint", w.Endpoint, "error", err)
			c.supervisor.Kick(err)
		default:
			return false, fmt.Errorf("error sending %s %s: %w", w.Method, w.Endpoint, err)
		}
	}

	if _, err := c.queue.Enqueue(context.WithoutCancel(ctx), w); err != nil {
		return false, fmt.Errorf("error queueing write: %w", err)
	}
	return false, nil
}

func decodePayload(env models.Envelope, out any) error {
	if len(env.Payload) == 0 {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("error decoding %s payload: %w", env.Type, err)
	}
	return nil
}
