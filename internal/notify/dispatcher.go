// Package notify turns alert events into device side effects.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mr1hm/go-safety-alerts/internal/clock"
	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/platform"
	"github.com/mr1hm/go-safety-alerts/internal/pubsub"
	"github.com/mr1hm/go-safety-alerts/internal/worker"
)

var (
	urgentVibration   = []int{200, 100, 200, 100, 200}
	criticalVibration = []int{500, 200, 500, 200, 500}
)

type Reason string

const (
	ReasonNew       Reason = "new"
	ReasonReminder  Reason = "reminder"
	ReasonEscalated Reason = "escalated"
)

// Modal asks the UI to show an alert that cannot be dismissed without a
// response.
type Modal struct {
	Alert  models.Alert `json:"alert"`
	Reason Reason       `json:"reason"`
}

type effect struct {
	kind         platform.EffectKind
	alertID      string
	notification platform.Notification
	sound        platform.SoundProfile
	repeat       bool
	pattern      []int
}

type Config struct {
	Workers    int
	BufferSize int
}

type Dispatcher struct {
	platform platform.Platform
	seen     *Deduplicator
	pool     *worker.WorkerPool[effect]
	modals   *pubsub.Broadcaster[Modal]

	// set after the platform refuses a notification; never re-requested
	notifyDisabled atomic.Bool
}

func NewDispatcher(p platform.Platform, clk clock.Clock, cfg Config) *Dispatcher {
	if p == nil {
		p = platform.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	d := &Dispatcher{
		platform: p,
		seen:     NewDeduplicator(clk, DedupeTTL),
		modals:   pubsub.NewBroadcaster[Modal](16),
	}
	d.pool = worker.NewWorkerPool("notify", cfg.Workers, cfg.BufferSize, d.run)
	return d
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.pool.Start(ctx)
}

// Stop drains queued effects and closes modal subscriptions.
func (d *Dispatcher) Stop() {
	d.pool.Stop()
	d.modals.Close()
	d.modals.Wait()
}

// Dispatch notifies about a newly active alert. It returns false without
// side effects if the alert is not active or was already notified.
func (d *Dispatcher) Dispatch(a models.Alert) bool {
	if a.Status != models.StatusActive {
		return false
	}
	if !d.seen.Record(a.ID) {
		return false
	}
	d.emit(a, ReasonNew)
	return true
}

// Remind notifies again for an alert the user has already seen, such as a
// snoozed alert coming back or an escalation. The seen set is not consulted.
func (d *Dispatcher) Remind(a models.Alert, reason Reason) {
	d.seen.Record(a.ID)
	d.emit(a, reason)
}

// OnModal registers a handler for blocking-modal requests.
func (d *Dispatcher) OnModal(handler func(Modal)) func() {
	return d.modals.Listen(handler)
}

func (d *Dispatcher) emit(a models.Alert, reason Reason) {
	for _, e := range d.plan(a, reason) {
		if !d.pool.TrySubmit(e) {
			slog.Warn("notification effect dropped", "alert_id", a.ID, "effect", e.kind)
		}
	}
	if requiresModal(a) {
		d.modals.Publish(Modal{Alert: a, Reason: reason})
	}
	slog.Info("alert notified", "alert_id", a.ID, "severity", a.Severity, "reason", reason)
}

func (d *Dispatcher) plan(a models.Alert, reason Reason) []effect {
	urgent := a.Severity == models.SeverityHigh || a.Severity == models.SeverityCritical || reason == ReasonEscalated

	var effects []effect
	if urgent {
		effects = append(effects, effect{kind: platform.EffectSound, alertID: a.ID, sound: platform.SoundUrgent, repeat: true})
		pattern := urgentVibration
		if a.Severity == models.SeverityCritical {
			pattern = criticalVibration
		}
		effects = append(effects, effect{kind: platform.EffectVibrate, alertID: a.ID, pattern: pattern})
	} else {
		effects = append(effects, effect{kind: platform.EffectSound, alertID: a.ID, sound: platform.SoundGentle})
	}

	if !d.notifyDisabled.Load() && d.platform.NotificationPermission() == platform.PermissionGranted {
		effects = append(effects, effect{
			kind:         platform.EffectNotification,
			alertID:      a.ID,
			notification: notificationFor(a, reason),
		})
	}

	effects = append(effects, effect{kind: platform.EffectFlash, alertID: a.ID})
	return effects
}

func (d *Dispatcher) run(ctx context.Context, e effect) error {
	switch e.kind {
	case platform.EffectSound:
		return d.platform.PlaySound(ctx, e.sound, e.repeat)
	case platform.EffectVibrate:
		return d.platform.Vibrate(ctx, e.pattern)
	case platform.EffectFlash:
		return d.platform.Flash(ctx, e.alertID)
	case platform.EffectNotification:
		err := d.platform.ShowNotification(ctx, e.notification)
		if errors.Is(err, platform.ErrPermissionDenied) {
			if !d.notifyDisabled.Swap(true) {
				slog.Info("notification permission denied, using visual alerts only")
			}
			return d.platform.Flash(ctx, e.alertID)
		}
		return err
	default:
		return fmt.Errorf("unknown effect %q", e.kind)
	}
}

func requiresModal(a models.Alert) bool {
	return a.Severity == models.SeverityCritical || a.Type == models.AlertTypeEmergency
}

func notificationFor(a models.Alert, reason Reason) platform.Notification {
	title := a.Title
	if title == "" {
		title = "Safety check"
	}
	if reason == ReasonEscalated {
		title = "Emergency contacts notified"
	}
	return platform.Notification{
		Tag:                a.ID,
		Title:              title,
		Body:               a.Message,
		RequireInteraction: a.Severity == models.SeverityHigh || a.Severity == models.SeverityCritical,
	}
}
