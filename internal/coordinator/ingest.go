package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"fmt"
	"reflect"

	"github.com/mr1hm/go-safety-alerts/internal/alertstore"
	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/notify"
	"github.com/mr1hm/go-safety-alerts/internal/offline"
)

// handleEnvelope receives every message from the active channel.
func (c *Coordinator) handleEnvelope(env models.Envelope) {
	switch env.Type {
	case models.MessageAlertUpdate:
		a, err := env.DecodeAlert()
		if err != nil {
			slog.Warn("dropping malformed alert update", "error", err)
			return
		}
		source := sourceStream
		if c.supervisor.State().Transport == models.TransportPolling {
			source = sourcePolling
		}
		if _, err := c.ingest(a, source); err != nil {
			slog.Warn("error ingesting alert update", "alert_id", a.ID, "error", err)
		}
	case models.MessageLocationUpdate:
		var loc models.LocationUpdate
		if err := decodePayload(env, &loc); err != nil {
			slog.Warn("dropping malformed location update", "error", err)
			return
		}
		c.locations.Publish(loc)
	case models.MessageAck:
		var ack models.Ack
		if err := decodePayload(env, &ack); err != nil {
			slog.Warn("dropping malformed ack", "error", err)
			return
		}
		if ack.AlertID != "" {
			c.clearPendingSync(ack.AlertID)
		}
	default:
		slog.Debug("ignoring message", "type", env.Type)
	}
}

// ingest normalizes an alert from any source and merges it into the store.
// New active alerts are armed and notified; alerts that reached a terminal
// status elsewhere lose their countdown.
func (c *Coordinator) ingest(a models.Alert, source string) (models.Alert, error) {
	if sev, err := models.ParseSeverity(string(a.Severity)); err == nil {
		a.Severity = sev
	} else {
		slog.Warn("unknown severity, treating as medium", "alert_id", a.ID, "severity", a.Severity)
		a.Severity = models.SeverityMedium
	}
	a.Type = models.ParseAlertType(string(a.Type))
	st, resp, err := models.ParseStatus(string(a.Status))
	if err != nil {
		return models.Alert{}, fmt.Errorf("%w: %s: %w", alertstore.ErrInvalidAlert, a.ID, err)
	}
	a.Status = st
	if a.Response == "" {
		a.Response = resp
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = c.clock.Now()
	}
	if a.ResponseWindowSec <= 0 {
		a.ResponseWindowSec = c.cfg.Policy.WindowSeconds(a.Severity)
	}

	prev, _ := c.store.Get(a.ID)
	cur, change, err := c.store.Upsert(a)
	if err != nil {
		return models.Alert{}, err
	}
	if !change.Created && reflect.DeepEqual(prev, cur) {
		return cur, nil
	}

	if change.Created {
		c.metrics.AlertReceived(cur.Severity, source)
		slog.Info("alert received", "alert_id", cur.ID, "type", cur.Type, "severity", cur.Severity, "source", source)
	}

	switch {
	case change.Created && cur.Status == models.StatusActive:
		c.scheduler.Arm(cur)
		if c.dispatcher.Dispatch(cur) {
			c.metrics.Notified(string(notify.ReasonNew))
		}
	case change.Created && cur.Status == models.StatusSnoozed:
		if cur.SnoozedUntil != nil {
			c.scheduler.Snooze(cur.ID, *cur.SnoozedUntil)
		} else {
			c.scheduler.Resume([]models.Alert{cur})
		}
	case change.StatusChanged && cur.IsTerminal():
		c.scheduler.Cancel(cur.ID)
		c.metrics.AlertTransition(cur)
		slog.Info("alert resolved remotely", "alert_id", cur.ID, "status", cur.Status)
	}

	c.publish(cur)
	return cur, nil
}

// reconcile merges the backend's full alert list.
func (c *Coordinator) reconcile(ctx context.Context) error {
	alerts, _, err := c.backend.ListAlerts(ctx)
	if err != nil {
		return err
	}
	for _, a := range alerts {
		if _, err := c.ingest(a, sourceReconcile); err != nil {
			slog.Warn("error reconciling alert", "alert_id", a.ID, "error", err)
		}
	}
	slog.Info("alerts reconciled", "count", len(alerts))
	return nil
}

func (c *Coordinator) onConnectionState(st models.ConnectionState) {
	c.metrics.ConnectionChanged(st)

	c.mu.Lock()
	reconnected := st.Connected() && !c.wasConnected
	c.wasConnected = st.Connected()
	c.mu.Unlock()

	if !reconnected {
		return
	}
	c.goTracked(c.resync)
}

// resync runs after every reconnect: reconcile first so replayed responses
// land on alerts the store already knows, then drain the queue.
func (c *Coordinator) resync(ctx context.Context) {
	if c.backend != nil {
		if err := c.reconcile(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("error reconciling alerts", "error", err)
		}
	}
	res, err := c.queue.Replay(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("error replaying offline queue", "error", err)
		}
		return
	}
	if res.Skipped {
		return
	}
	slog.Info("offline queue replayed", "acked", res.Acked, "failed", res.Failed, "pending", res.Pending)
}

func (c *Coordinator) onQueueEvent(e offline.Event) {
	depth, err := c.queue.Len(c.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Debug("error reading queue depth", "error", err)
	}
	c.metrics.QueueEvent(string(e.Kind), depth)

	if e.Kind == offline.EventAcked && e.Write.AlertID != "" {
		c.clearPendingSync(e.Write.AlertID)
	}
}

func (c *Coordinator) clearPendingSync(id string) {
	a, err := c.store.SetPendingSync(id, false)
	if err != nil {
		if !errors.Is(err, alertstore.ErrNotFound) {
			slog.Warn("error clearing pending sync", "alert_id", id, "error", err)
		}
		return
	}
	c.publish(a)
}
