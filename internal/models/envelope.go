package models

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageAlertUpdate    MessageType = "alert_update"
	MessageLocationUpdate MessageType = "location_update"
	MessageAck            MessageType = "ack"

	// MessageHeartbeat is transport control traffic and never reaches
	// upper layers.
	MessageHeartbeat MessageType = "heartbeat"
)

// Envelope is the single message shape both transports normalize to.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}

func NewEnvelope(t MessageType, payload any, ts time.Time) (Envelope, error) {
	env := Envelope{Type: t, TS: ts}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("error encoding %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

func (e Envelope) DecodeAlert() (Alert, error) {
	var a Alert
	if e.Type != MessageAlertUpdate {
		return a, fmt.Errorf("envelope type %s does not carry an alert", e.Type)
	}
	if err := json.Unmarshal(e.Payload, &a); err != nil {
		return a, fmt.Errorf("error decoding alert payload: %w", err)
	}
	if a.ID == "" {
		return a, fmt.Errorf("alert payload has no id")
	}
	return a, nil
}

// LocationUpdate is the payload of a location_update envelope.
type LocationUpdate struct {
	TripID       string    `json:"trip_id"`
	UserID       string    `json:"user_id,omitempty"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	AccuracyM    *float64  `json:"accuracy_meters,omitempty"`
	BatteryLevel *int      `json:"battery_level,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Ack is the payload of an ack envelope.
type Ack struct {
	WriteID string `json:"write_id,omitempty"`
	AlertID string `json:"alert_id,omitempty"`
	Message string `json:"message,omitempty"`
}
