package models

import (
	"fmt"
	"strings"
	"time"
)

type AlertType string

const (
	AlertTypeDeviation  AlertType = "deviation"
	AlertTypeCheckin    AlertType = "checkin"
	AlertTypeEmergency  AlertType = "emergency"
	AlertTypeBattery    AlertType = "battery"
	AlertTypeGeofence   AlertType = "geofence"
	AlertTypeManual     AlertType = "manual"
	AlertTypeStationary AlertType = "stationary"
	AlertTypeOther      AlertType = "other"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusResponded Status = "responded"
	StatusEscalated Status = "escalated"
	StatusSnoozed   Status = "snoozed"
)

type Response string

const (
	ResponseSafe Response = "safe"
	ResponseHelp Response = "help"
)

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Alert is a single safety concern. Records are owned by the alert store;
// everything else works on copies.
type Alert struct {
	ID                    string     `json:"id"`
	Type                  AlertType  `json:"type"`
	Severity              Severity   `json:"severity"`
	Title                 string     `json:"title,omitempty"`
	Message               string     `json:"message"`
	Status                Status     `json:"status"`
	Response              Response   `json:"response,omitempty"`
	ResponseMessage       string     `json:"response_message,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	ResponseAt            *time.Time `json:"response_at,omitempty"`
	EscalatedAt           *time.Time `json:"escalated_at,omitempty"`
	SnoozedUntil          *time.Time `json:"snoozed_until,omitempty"`
	TripID                string     `json:"trip_id"`
	UserID                string     `json:"user_id,omitempty"`
	Location              *Location  `json:"location,omitempty"`
	DistanceFromPlannedKm *float64   `json:"distance_from_planned_km,omitempty"`
	ResponseWindowSec     int64      `json:"response_window_sec"`
	ArmedAt               time.Time  `json:"armed_at"`
	PendingSync           bool       `json:"pending_sync,omitempty"`
}

// ResponseWindow is the severity-derived deadline fixed when the alert was created.
func (a *Alert) ResponseWindow() time.Duration {
	return time.Duration(a.ResponseWindowSec) * time.Second
}

// Deadline is when the current countdown expires.
func (a *Alert) Deadline() time.Time {
	return a.ArmedAt.Add(a.ResponseWindow())
}

func (a *Alert) IsTerminal() bool {
	return a.Status.Terminal()
}

func (a *Alert) Clone() Alert {
	c := *a
	c.ResponseAt = cloneTime(a.ResponseAt)
	c.EscalatedAt = cloneTime(a.EscalatedAt)
	c.SnoozedUntil = cloneTime(a.SnoozedUntil)
	if a.Location != nil {
		loc := *a.Location
		c.Location = &loc
	}
	if a.DistanceFromPlannedKm != nil {
		d := *a.DistanceFromPlannedKm
		c.DistanceFromPlannedKm = &d
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusResponded, StatusEscalated, StatusSnoozed:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool {
	return s == StatusResponded || s == StatusEscalated
}

// CanTransition reports whether from -> to is an edge of the alert state machine.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusActive:
		return to == StatusResponded || to == StatusEscalated || to == StatusSnoozed
	case StatusSnoozed:
		return to == StatusActive
	default:
		return false
	}
}

func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(s)); sev {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	default:
		return "", fmt.Errorf("unknown severity %q", s)
	}
}

func ParseAlertType(s string) AlertType {
	switch t := AlertType(strings.ToLower(s)); t {
	case AlertTypeDeviation, AlertTypeCheckin, AlertTypeEmergency, AlertTypeBattery,
		AlertTypeGeofence, AlertTypeManual, AlertTypeStationary:
		return t
	default:
		return AlertTypeOther
	}
}

// ParseStatus accepts the four lifecycle statuses plus the combined
// responded_safe and responded_help forms some backends send, which also
// carry the response. An empty status means active.
func ParseStatus(s string) (Status, Response, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "":
		return StatusActive, "", nil
	case "responded_safe":
		return StatusResponded, ResponseSafe, nil
	case "responded_help":
		return StatusResponded, ResponseHelp, nil
	}
	if st := Status(v); st.Valid() {
		return st, "", nil
	}
	return "", "", fmt.Errorf("unknown status %q", s)
}

func ParseResponse(s string) (Response, error) {
	switch r := Response(strings.ToLower(s)); r {
	case ResponseSafe, ResponseHelp:
		return r, nil
	default:
		return "", fmt.Errorf("unknown response %q", s)
	}
}

// DefaultResponseMessage is recorded when the traveler answers without a note.
func DefaultResponseMessage(r Response) string {
	if r == ResponseHelp {
		return "User requested help"
	}
	return "User confirmed they are safe"
}
