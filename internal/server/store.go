package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mr1hm/go-safety-alerts/internal/clock"
	"github.com/mr1hm/go-safety-alerts/internal/escalation"
	"github.com/mr1hm/go-safety-alerts/internal/models"
)

var (
	ErrNotFound      = errors.New("alert not found")
	ErrConflict      = errors.New("alert already resolved")
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrNoLocation    = errors.New("no location data found for this trip")
)

// ContactNotification records that a traveler's emergency contacts were told
// about an escalated alert.
type ContactNotification struct {
	AlertID string    `json:"alert_id"`
	TripID  string    `json:"trip_id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

type change struct {
	seq uint64
	env models.Envelope
}

// Store is the backend's alert state: alerts, an append-only change log
// the polling cursor indexes into, and cached acks per idempotency key.
type Store struct {
	clock  clock.Clock
	policy escalation.Policy

	mu        sync.Mutex
	alerts    map[string]*models.Alert
	changes   []change
	seq       uint64
	acks      map[string]models.Ack
	locations map[string]models.LocationUpdate
	notified  []ContactNotification
}

func NewStore(clk clock.Clock, policy escalation.Policy) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		clock:     clk,
		policy:    policy,
		alerts:    make(map[string]*models.Alert),
		acks:      make(map[string]models.Ack),
		locations: make(map[string]models.LocationUpdate),
	}
}

// List returns every alert newest first plus the cursor of the latest change.
func (s *Store) List() ([]models.Alert, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, formatCursor(s.seq)
}

// ChangesSince returns every change recorded after cursor. An empty cursor
// means from the beginning.
func (s *Store) ChangesSince(cursor string) ([]models.Envelope, string, error) {
	since, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if since > s.seq {
		return nil, "", fmt.Errorf("%w: %s is ahead of %d", ErrInvalidCursor, cursor, s.seq)
	}
	i := sort.Search(len(s.changes), func(i int) bool { return s.changes[i].seq > since })
	out := make([]models.Envelope, 0, len(s.changes)-i)
	for _, c := range s.changes[i:] {
		out = append(out, c.env)
	}
	return out, formatCursor(s.seq), nil
}

func (s *Store) Get(id string) (models.Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, false
	}
	return a.Clone(), true
}

// Create stores a new alert. A client-chosen id that already exists returns
// the stored alert and false.
func (s *Store) Create(a models.Alert) (models.Alert, models.Envelope, bool, error) {
	sev, err := models.ParseSeverity(string(a.Severity))
	if err != nil {
		return models.Alert{}, models.Envelope{}, false, err
	}
	a.Severity = sev
	a.Type = models.ParseAlertType(string(a.Type))
	a.Status = models.StatusActive
	now := s.clock.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.ArmedAt.IsZero() {
		a.ArmedAt = a.CreatedAt
	}
	if a.ResponseWindowSec <= 0 {
		a.ResponseWindowSec = s.policy.WindowSeconds(a.Severity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.alerts[a.ID]; ok {
		return cur.Clone(), models.Envelope{}, false, nil
	}
	stored := a.Clone()
	s.alerts[a.ID] = &stored
	env, err := s.recordLocked(stored, now)
	if err != nil {
		return models.Alert{}, models.Envelope{}, false, err
	}
	return stored.Clone(), env, true, nil
}

// Respond records a traveler's answer. Answering twice keeps the first
// answer; answering an escalated alert is a conflict.
func (s *Store) Respond(id string, r models.Response, message string) (models.Alert, models.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, models.Envelope{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch a.Status {
	case models.StatusResponded:
		return a.Clone(), models.Envelope{}, nil
	case models.StatusEscalated:
		return a.Clone(), models.Envelope{}, fmt.Errorf("%w: %s is %s", ErrConflict, id, a.Status)
	}

	now := s.clock.Now()
	if message == "" {
		message = models.DefaultResponseMessage(r)
	}
	a.Status = models.StatusResponded
	a.Response = r
	a.ResponseMessage = message
	a.ResponseAt = &now
	a.SnoozedUntil = nil
	env, err := s.recordLocked(*a, now)
	return a.Clone(), env, err
}

// Escalate marks an alert escalated and notifies the traveler's contacts.
// Escalating twice notifies once; escalating a responded alert is a conflict.
func (s *Store) Escalate(id string, at time.Time) (models.Alert, models.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return models.Alert{}, models.Envelope{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	switch a.Status {
	case models.StatusEscalated:
		return a.Clone(), models.Envelope{}, nil
	case models.StatusResponded:
		return a.Clone(), models.Envelope{}, fmt.Errorf("%w: %s is %s", ErrConflict, id, a.Status)
	}

	now := s.clock.Now()
	if at.IsZero() {
		at = now
	}
	a.Status = models.StatusEscalated
	a.EscalatedAt = &at
	a.SnoozedUntil = nil

	n := ContactNotification{
		AlertID: a.ID,
		TripID:  a.TripID,
		Message: fmt.Sprintf("No response to %q since %s", a.Message, a.CreatedAt.Format(time.RFC3339)),
		At:      now,
	}
	s.notified = append(s.notified, n)
	slog.Warn("emergency contacts notified", "alert_id", a.ID, "trip_id", a.TripID)

	env, err := s.recordLocked(*a, now)
	return a.Clone(), env, err
}

// RecordLocation keeps the latest position per trip and returns the
// location_update envelope for it.
func (s *Store) RecordLocation(u models.LocationUpdate) (models.Envelope, error) {
	if u.Timestamp.IsZero() {
		u.Timestamp = s.clock.Now()
	}
	env, err := models.NewEnvelope(models.MessageLocationUpdate, u, u.Timestamp)
	if err != nil {
		return models.Envelope{}, err
	}
	s.mu.Lock()
	s.locations[u.TripID] = u
	s.mu.Unlock()
	return env, nil
}

func (s *Store) LastLocation(tripID string) (models.LocationUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.locations[tripID]
	return u, ok
}

func (s *Store) Notifications() []ContactNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ContactNotification, len(s.notified))
	copy(out, s.notified)
	return out
}

// Ack returns the cached ack for an idempotency key.
func (s *Store) Ack(key string) (models.Ack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ack, ok := s.acks[key]
	return ack, ok
}

func (s *Store) SaveAck(key string, ack models.Ack) {
	s.mu.Lock()
	s.acks[key] = ack
	s.mu.Unlock()
}

func (s *Store) recordLocked(a models.Alert, now time.Time) (models.Envelope, error) {
	env, err := models.NewEnvelope(models.MessageAlertUpdate, a, now)
	if err != nil {
		return models.Envelope{}, err
	}
	s.seq++
	s.changes = append(s.changes, change{seq: s.seq, env: env})
	return env, nil
}

func formatCursor(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

func parseCursor(cursor string) (uint64, error) {
	if cursor == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
	}
	return seq, nil
}
