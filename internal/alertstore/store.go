// Package alertstore is the single authoritative, in-memory view of known
// alerts. Every status change goes through Transition.
package alertstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mr1hm/go-safety-alerts/internal/models"
)

var (
	ErrNotFound          = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid alert transition")
	ErrAlreadyResolved   = errors.New("alert already resolved")
	ErrInvalidAlert      = errors.New("invalid alert")
)

// Fields carries the values recorded alongside a transition. Only the ones
// relevant to the target status are applied.
type Fields struct {
	Response        models.Response
	ResponseMessage string
	ResponseAt      time.Time
	EscalatedAt     time.Time
	SnoozedUntil    time.Time
	ArmedAt         time.Time
	PendingSync     bool
}

// Change describes what an Upsert did.
type Change struct {
	Created        bool
	PreviousStatus models.Status
	StatusChanged  bool
}

type Store struct {
	mu     sync.RWMutex
	alerts map[string]*models.Alert
}

func New() *Store {
	return &Store{alerts: make(map[string]*models.Alert)}
}

func (s *Store) Get(id string) (models.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, false
	}
	return a.Clone(), true
}

// Upsert inserts a new alert or merges a newer view of a known one. The
// merge never touches type, severity, creation time or the response window,
// and never leaves a terminal status.
func (s *Store) Upsert(a models.Alert) (models.Alert, Change, error) {
	if a.ID == "" {
		return models.Alert{}, Change{}, fmt.Errorf("%w: missing id", ErrInvalidAlert)
	}
	if a.Status == "" {
		a.Status = models.StatusActive
	}
	if !a.Status.Valid() {
		return models.Alert{}, Change{}, fmt.Errorf("%w: %s has unknown status %q", ErrInvalidAlert, a.ID, a.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.alerts[a.ID]
	if !ok {
		if a.ResponseWindowSec <= 0 {
			return models.Alert{}, Change{}, fmt.Errorf("%w: %s has no response window", ErrInvalidAlert, a.ID)
		}
		if a.ArmedAt.IsZero() {
			a.ArmedAt = a.CreatedAt
		}
		stored := a.Clone()
		s.alerts[a.ID] = &stored
		return stored.Clone(), Change{Created: true, PreviousStatus: a.Status}, nil
	}

	change := Change{PreviousStatus: cur.Status}
	cur.Title = a.Title
	cur.Message = a.Message
	if a.Location != nil {
		loc := *a.Location
		cur.Location = &loc
	}
	if a.DistanceFromPlannedKm != nil {
		d := *a.DistanceFromPlannedKm
		cur.DistanceFromPlannedKm = &d
	}

	// Snoozing is local to this client, so only terminal outcomes are taken
	// from a remote view.
	if a.Status.Terminal() && !cur.Status.Terminal() {
		f := remoteFields(a)
		if validateFields(a.Status, f) == nil {
			if cur.Status == models.StatusSnoozed {
				s.applyLocked(cur, models.StatusActive, Fields{})
			}
			s.applyLocked(cur, a.Status, f)
			change.StatusChanged = true
		}
	}
	if cur.Status == models.StatusResponded && a.Status == models.StatusResponded {
		cur.PendingSync = false
	}
	return cur.Clone(), change, nil
}

func remoteFields(a models.Alert) Fields {
	f := Fields{
		Response:        a.Response,
		ResponseMessage: a.ResponseMessage,
		ArmedAt:         a.ArmedAt,
	}
	if a.ResponseAt != nil {
		f.ResponseAt = *a.ResponseAt
	}
	if a.EscalatedAt != nil {
		f.EscalatedAt = *a.EscalatedAt
	}
	if a.SnoozedUntil != nil {
		f.SnoozedUntil = *a.SnoozedUntil
	}
	return f
}

// Transition moves an alert to status to if the edge exists from its current
// status. The check and the write happen under one lock, so of two racing
// callers the second sees ErrAlreadyResolved.
func (s *Store) Transition(id string, to models.Status, f Fields) (models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.Status.Terminal() {
		return cur.Clone(), fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, id, cur.Status)
	}
	if !models.CanTransition(cur.Status, to) {
		return cur.Clone(), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	if err := validateFields(to, f); err != nil {
		return cur.Clone(), err
	}
	s.applyLocked(cur, to, f)
	return cur.Clone(), nil
}

func validateFields(to models.Status, f Fields) error {
	switch to {
	case models.StatusResponded:
		if f.Response != models.ResponseSafe && f.Response != models.ResponseHelp {
			return fmt.Errorf("%w: response %q", ErrInvalidTransition, f.Response)
		}
	case models.StatusSnoozed:
		if f.SnoozedUntil.IsZero() {
			return fmt.Errorf("%w: snooze without end time", ErrInvalidTransition)
		}
	}
	return nil
}

func (s *Store) applyLocked(a *models.Alert, to models.Status, f Fields) {
	a.Status = to
	switch to {
	case models.StatusResponded:
		at := f.ResponseAt
		if at.IsZero() {
			at = time.Now()
		}
		a.Response = f.Response
		a.ResponseMessage = f.ResponseMessage
		if a.ResponseMessage == "" {
			a.ResponseMessage = models.DefaultResponseMessage(f.Response)
		}
		a.ResponseAt = &at
		a.SnoozedUntil = nil
		a.PendingSync = f.PendingSync
	case models.StatusEscalated:
		at := f.EscalatedAt
		if at.IsZero() {
			at = time.Now()
		}
		a.EscalatedAt = &at
		a.SnoozedUntil = nil
	case models.StatusSnoozed:
		until := f.SnoozedUntil
		a.SnoozedUntil = &until
	case models.StatusActive:
		a.SnoozedUntil = nil
		if !f.ArmedAt.IsZero() {
			a.ArmedAt = f.ArmedAt
		}
	}
}

// SetPendingSync flips the pending-sync marker without touching status.
func (s *Store) SetPendingSync(id string, pending bool) (models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cur.PendingSync = pending
	return cur.Clone(), nil
}

func (s *Store) ListActive() []models.Alert {
	return s.list(func(a *models.Alert) bool { return a.Status == models.StatusActive })
}

// ListAll returns every alert, newest first.
func (s *Store) ListAll() []models.Alert {
	return s.list(func(*models.Alert) bool { return true })
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts)
}

func (s *Store) list(keep func(*models.Alert) bool) []models.Alert {
	s.mu.RLock()
	out := make([]models.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// IsResolutionRace reports whether err is the benign outcome of losing a
// race to resolve an alert.
func IsResolutionRace(err error) bool {
	return errors.Is(err, ErrAlreadyResolved) || errors.Is(err, ErrInvalidTransition)
}
