package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mr1hm/go-safety-alerts/internal/clock"
	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/platform"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func alert(id string, sev models.Severity, typ models.AlertType) models.Alert {
	return models.Alert{
		ID:       id,
		Type:     typ,
		Severity: sev,
		Title:    "Location Deviation Detected",
		Message:  "Are you safe?",
		Status:   models.StatusActive,
	}
}

// run dispatches through a started dispatcher and stops it, so every queued
// effect has reached the recorder when it returns.
func run(t *testing.T, rec *platform.Recorder, fn func(d *Dispatcher)) {
	t.Helper()
	d := NewDispatcher(rec, clock.Fake(time.Now()), Config{Workers: 1, BufferSize: 32})
	d.Start(context.Background())
	fn(d)
	d.Stop()
}

func TestDispatcher_LowSeverityIsGentle(t *testing.T) {
	rec := platform.NewRecorder(platform.PermissionGranted)
	run(t, rec, func(d *Dispatcher) {
		assert.True(t, d.Dispatch(alert("a1", models.SeverityLow, models.AlertTypeCheckin)))
	})

	assert.Equal(t, 1, rec.Count(platform.EffectSound))
	assert.Equal(t, 0, rec.Count(platform.EffectVibrate))
	assert.Equal(t, 1, rec.Count(platform.EffectNotification))
	assert.Equal(t, 1, rec.Count(platform.EffectFlash))
	for _, c := range rec.Calls() {
		if c.Kind == platform.EffectSound {
			assert.Equal(t, platform.SoundGentle, c.Sound)
			assert.False(t, c.Repeat)
		}
	}
}

func TestDispatcher_CriticalIsUrgent(t *testing.T) {
	rec := platform.NewRecorder(platform.PermissionGranted)
	var mu sync.Mutex
	var modals []Modal
	run(t, rec, func(d *Dispatcher) {
		stop := d.OnModal(func(m Modal) {
			mu.Lock()
			defer mu.Unlock()
			modals = append(modals, m)
		})
		defer stop()
		d.Dispatch(alert("a1", models.SeverityCritical, models.AlertTypeDeviation))
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(modals) == 1
		}, time.Second, 5*time.Millisecond)
	})

	for _, c := range rec.Calls() {
		switch c.Kind {
		case platform.EffectSound:
			assert.Equal(t, platform.SoundUrgent, c.Sound)
			assert.True(t, c.Repeat)
		case platform.EffectVibrate:
			assert.Equal(t, criticalVibration, c.Pattern)
		case platform.EffectNotification:
			assert.True(t, c.Notification.RequireInteraction)
		}
	}
	assert.Equal(t, 1, rec.Count(platform.EffectVibrate))
	assert.Equal(t, ReasonNew, modals[0].Reason)
}

func TestDispatcher_EmergencyTypeIsBlocking(t *testing.T) {
	assert.True(t, requiresModal(alert("a1", models.SeverityLow, models.AlertTypeEmergency)))
	assert.False(t, requiresModal(alert("a2", models.SeverityHigh, models.AlertTypeGeofence)))
}

func TestDispatcher_DedupesRepeatedDelivery(t *testing.T) {
	rec := platform.NewRecorder(platform.PermissionGranted)
	run(t, rec, func(d *Dispatcher) {
		a := alert("a1", models.SeverityHigh, models.AlertTypeDeviation)
		assert.True(t, d.Dispatch(a))
		assert.False(t, d.Dispatch(a))
		assert.False(t, d.Dispatch(a))
	})

	assert.Equal(t, 1, rec.Count(platform.EffectSound))
	assert.Equal(t, 1, rec.Count(platform.EffectNotification))
}

func TestDispatcher_IgnoresInactive(t *testing.T) {
	rec := platform.NewRecorder(platform.PermissionGranted)
	run(t, rec, func(d *Dispatcher) {
		a := alert("a1", models.SeverityHigh, models.AlertTypeDeviation)
		a.Status = models.StatusResponded
		assert.False(t, d.Dispatch(a))
	})
	assert.Empty(t, rec.Calls())
}

func TestDispatcher_NoNotificationWithoutPermission(t *testing.T) {
	for _, perm := range []platform.Permission{platform.PermissionDefault, platform.PermissionDenied} {
		t.Run(string(perm), func(t *testing.T) {
			rec := platform.NewRecorder(perm)
			run(t, rec, func(d *Dispatcher) {
				d.Dispatch(alert("a1", models.SeverityCritical, models.AlertTypeDeviation))
			})
			assert.Equal(t, 0, rec.Count(platform.EffectNotification))
			assert.Equal(t, 1, rec.Count(platform.EffectFlash))
		})
	}
}

func TestDispatcher_DeniedAtShowTimeDegradesOnce(t *testing.T) {
	rec := platform.NewRecorder(platform.PermissionGranted)
	rec.NotifyErr = platform.ErrPermissionDenied
	run(t, rec, func(d *Dispatcher) {
		d.Dispatch(alert("a1", models.SeverityHigh, models.AlertTypeDeviation))
		require.Eventually(t, d.notifyDisabled.Load, time.Second, 5*time.Millisecond)
		d.Dispatch(alert("a2", models.SeverityHigh, models.AlertTypeDeviation))
	})

	assert.Equal(t, 0, rec.Count(platform.EffectNotification))
	// a1 flashes twice (fallback plus the planned flash), a2 once.
	assert.Equal(t, 3, rec.Count(platform.EffectFlash))
}

func TestDispatcher_RemindBypassesDedupe(t *testing.T) {
	rec := platform.NewRecorder(platform.PermissionGranted)
	run(t, rec, func(d *Dispatcher) {
		a := alert("a1", models.SeverityMedium, models.AlertTypeCheckin)
		d.Dispatch(a)
		d.Remind(a, ReasonReminder)
		d.Remind(a, ReasonEscalated)
		assert.False(t, d.Dispatch(a))
	})

	assert.Equal(t, 3, rec.Count(platform.EffectSound))
	assert.Equal(t, 3, rec.Count(platform.EffectNotification))
	// escalation reminders are always urgent
	assert.Equal(t, 1, rec.Count(platform.EffectVibrate))
}

func TestDeduplicator_Expiry(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	d := NewDeduplicator(clk, time.Hour)

	assert.True(t, d.Record("a1"))
	assert.False(t, d.Record("a1"))

	clk.Advance(2 * time.Hour)
	assert.True(t, d.Record("a2"))
	assert.False(t, d.Seen("a1"), "expired entries are pruned")
	assert.True(t, d.Record("a1"))
	assert.Equal(t, 2, d.Len())
}
