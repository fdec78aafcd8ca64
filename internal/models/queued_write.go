package models

import (
	"net/http"
	"time"
)

type WriteState string

const (
	WriteQueued    WriteState = "queued"
	WriteReplaying WriteState = "replaying"
	WriteAcked     WriteState = "acked"
	WriteFailed    WriteState = "failed"
)

// QueuedWrite is a backend write captured while offline. The ID doubles as
// the idempotency key sent to the backend.
type QueuedWrite struct {
	ID         string      `json:"id"`
	Method     string      `json:"method"`
	Endpoint   string      `json:"endpoint"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	AlertID    string      `json:"alert_id,omitempty"`
}
