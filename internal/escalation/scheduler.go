// Package escalation owns the per-alert countdowns: the response deadline of
// an active alert and the re-arm timer of a snoozed one.
package escalation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mr1hm/go-safety-alerts/internal/alertstore"
	"github.com/mr1hm/go-safety-alerts/internal/clock"
	"github.com/mr1hm/go-safety-alerts/internal/models"
)

type timerKind int

const (
	kindDeadline timerKind = iota
	kindRearm
)

func (k timerKind) String() string {
	if k == kindRearm {
		return "rearm"
	}
	return "deadline"
}

// Hooks are called outside the scheduler lock after a timer changed an
// alert's status.
type Hooks struct {
	OnEscalated   func(models.Alert)
	OnReactivated func(models.Alert)
}

type entry struct {
	gen   uint64
	kind  timerKind
	at    time.Time
	timer *clock.Timer
}

type Scheduler struct {
	clock clock.Clock
	store *alertstore.Store
	hooks Hooks

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	stopped bool
	firing  sync.WaitGroup
}

func NewScheduler(clk clock.Clock, store *alertstore.Store, hooks Hooks) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Scheduler{
		clock:   clk,
		store:   store,
		hooks:   hooks,
		entries: make(map[string]*entry),
	}
}

// Arm starts the response countdown of an active alert, replacing any timer
// already held for it. A deadline that has already passed escalates before
// Arm returns.
func (s *Scheduler) Arm(a models.Alert) {
	if a.Status != models.StatusActive {
		return
	}
	s.schedule(a.ID, kindDeadline, a.Deadline())
}

// Snooze drops the deadline of id and schedules its return to active at until.
func (s *Scheduler) Snooze(id string, until time.Time) {
	s.schedule(id, kindRearm, until)
}

// Cancel drops whatever timer is held for id. It reports whether one existed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	delete(s.entries, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	return true
}

// Resume re-creates timers for alerts restored after a restart. Countdowns
// keep their original start, so time spent offline still counts.
func (s *Scheduler) Resume(alerts []models.Alert) {
	for _, a := range alerts {
		switch a.Status {
		case models.StatusActive:
			s.Arm(a)
		case models.StatusSnoozed:
			until := s.clock.Now()
			if a.SnoozedUntil != nil {
				until = *a.SnoozedUntil
			}
			s.Snooze(a.ID, until)
		}
	}
}

// Deadline returns when the timer held for id fires.
func (s *Scheduler) Deadline(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels every timer and waits for in-flight firings to finish.
// The scheduler cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, id)
	}
	s.mu.Unlock()
	s.firing.Wait()
}

func (s *Scheduler) schedule(id string, kind timerKind, at time.Time) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if old, ok := s.entries[id]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.gen++
	e := &entry{gen: s.gen, kind: kind, at: at}
	s.entries[id] = e

	remaining := at.Sub(s.clock.Now())
	if remaining > 0 {
		gen := e.gen
		e.timer = s.clock.AfterFunc(remaining, func() { s.fire(id, gen) })
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.fire(id, e.gen)
}

func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if s.stopped || !ok || e.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.entries, id)
	s.firing.Add(1)
	s.mu.Unlock()
	defer s.firing.Done()

	switch e.kind {
	case kindDeadline:
		s.escalate(id)
	case kindRearm:
		s.rearm(id)
	}
}

func (s *Scheduler) escalate(id string) {
	a, err := s.store.Transition(id, models.StatusEscalated, alertstore.Fields{EscalatedAt: s.clock.Now()})
	if err != nil {
		if alertstore.IsResolutionRace(err) {
			slog.Debug("deadline passed for resolved alert", "alert_id", id, "status", a.Status)
			return
		}
		slog.Error("error escalating alert", "alert_id", id, "error", err)
		return
	}

	slog.Warn("alert escalated", "alert_id", id, "severity", a.Severity, "type", a.Type)
	if s.hooks.OnEscalated != nil {
		s.hooks.OnEscalated(a)
	}
}

func (s *Scheduler) rearm(id string) {
	a, err := s.store.Transition(id, models.StatusActive, alertstore.Fields{ArmedAt: s.clock.Now()})
	if err != nil {
		if alertstore.IsResolutionRace(err) {
			slog.Debug("snooze ended for resolved alert", "alert_id", id, "status", a.Status)
			return
		}
		slog.Error("error re-arming alert", "alert_id", id, "error", err)
		return
	}

	slog.Info("snooze ended, alert re-armed", "alert_id", id, "deadline", a.Deadline())
	s.Arm(a)
	if s.hooks.OnReactivated != nil {
		s.hooks.OnReactivated(a)
	}
}
