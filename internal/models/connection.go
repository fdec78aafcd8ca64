package models

import "time"

type ConnectionStatus string

const (
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionError        ConnectionStatus = "error"
)

type Transport string

const (
	TransportStream  Transport = "stream"
	TransportPolling Transport = "polling"
)

// ConnectionState is owned by the connection supervisor and reset on every
// process start.
type ConnectionState struct {
	Status            ConnectionStatus `json:"status"`
	Transport         Transport        `json:"transport"`
	LastConnectedAt   time.Time        `json:"last_connected_at,omitzero"`
	LastError         string           `json:"last_error,omitempty"`
	ReconnectAttempts int              `json:"reconnect_attempts"`
	LastRetryCount    int              `json:"last_retry_count"`
}

func (s ConnectionState) Connected() bool {
	return s.Status == ConnectionConnected
}
