// Package platform abstracts the device side effects of an alert: sounds,
// vibration, OS notifications and on-screen flashes.
package platform

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrPermissionDenied = errors.New("notification permission denied")

type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

type SoundProfile string

const (
	SoundGentle SoundProfile = "gentle"
	SoundUrgent SoundProfile = "urgent"
)

// Notification is what an OS-level notification shows.
type Notification struct {
	Tag                string
	Title              string
	Body               string
	RequireInteraction bool
}

type Platform interface {
	NotificationPermission() Permission
	ShowNotification(ctx context.Context, n Notification) error
	PlaySound(ctx context.Context, p SoundProfile, repeat bool) error
	Vibrate(ctx context.Context, pattern []int) error
	Flash(ctx context.Context, alertID string) error
}

// Nop does nothing and reports the default permission.
type Nop struct{}

func (Nop) NotificationPermission() Permission                   { return PermissionDefault }
func (Nop) ShowNotification(context.Context, Notification) error { return nil }
func (Nop) PlaySound(context.Context, SoundProfile, bool) error  { return nil }
func (Nop) Vibrate(context.Context, []int) error                 { return nil }
func (Nop) Flash(context.Context, string) error                  { return nil }

// Logger writes each effect to slog. It is what a headless agent uses.
type Logger struct {
	Permission Permission
}

func (l Logger) NotificationPermission() Permission {
	if l.Permission == "" {
		return PermissionGranted
	}
	return l.Permission
}

func (l Logger) ShowNotification(_ context.Context, n Notification) error {
	if l.NotificationPermission() != PermissionGranted {
		return ErrPermissionDenied
	}
	slog.Info("notification", "tag", n.Tag, "title", n.Title, "body", n.Body, "require_interaction", n.RequireInteraction)
	return nil
}

func (Logger) PlaySound(_ context.Context, p SoundProfile, repeat bool) error {
	slog.Info("sound", "profile", p, "repeat", repeat)
	return nil
}

func (Logger) Vibrate(_ context.Context, pattern []int) error {
	slog.Info("vibrate", "pattern", pattern)
	return nil
}

func (Logger) Flash(_ context.Context, alertID string) error {
	slog.Info("flash", "alert_id", alertID)
	return nil
}

type EffectKind string

const (
	EffectNotification EffectKind = "notification"
	EffectSound        EffectKind = "sound"
	EffectVibrate      EffectKind = "vibrate"
	EffectFlash        EffectKind = "flash"
)

// Call is one effect observed by a Recorder.
type Call struct {
	Kind         EffectKind
	AlertID      string
	Notification Notification
	Sound        SoundProfile
	Repeat       bool
	Pattern      []int
}

// Recorder keeps every call in memory. Set NotifyErr to make
// ShowNotification fail.
type Recorder struct {
	mu         sync.Mutex
	permission Permission
	calls      []Call

	NotifyErr error
}

func NewRecorder(p Permission) *Recorder {
	return &Recorder{permission: p}
}

func (r *Recorder) SetPermission(p Permission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.permission = p
}

func (r *Recorder) NotificationPermission() Permission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permission
}

func (r *Recorder) ShowNotification(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.NotifyErr != nil {
		return r.NotifyErr
	}
	r.calls = append(r.calls, Call{Kind: EffectNotification, AlertID: n.Tag, Notification: n})
	return nil
}

func (r *Recorder) PlaySound(_ context.Context, p SoundProfile, repeat bool) error {
	r.record(Call{Kind: EffectSound, Sound: p, Repeat: repeat})
	return nil
}

func (r *Recorder) Vibrate(_ context.Context, pattern []int) error {
	r.record(Call{Kind: EffectVibrate, Pattern: append([]int(nil), pattern...)})
	return nil
}

func (r *Recorder) Flash(_ context.Context, alertID string) error {
	r.record(Call{Kind: EffectFlash, AlertID: alertID})
	return nil
}

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count returns how many calls of kind were recorded.
func (r *Recorder) Count(kind EffectKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Kind == kind {
			n++
		}
	}
	return n
}
