// Package transport delivers backend envelopes over either a WebSocket
// stream or HTTP polling behind one Channel interface.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/mr1hm/go-safety-alerts/internal/models"
)

var (
	ErrHeartbeatTimeout = errors.New("no frames within heartbeat timeout")
	ErrPollingExhausted = errors.New("polling retries exhausted")
	ErrSendUnsupported  = errors.New("transport does not support sending")
	ErrNotOpen          = errors.New("channel not open")
	ErrChannelClosed    = errors.New("channel closed")
)

// Channel is one delivery session. A Channel is opened at most once; after
// Done is closed a new instance is needed.
type Channel interface {
	Kind() models.Transport
	// Open blocks until the session is established or fails.
	Open(ctx context.Context) error
	// Close ends the session and waits for its goroutines. Err stays nil
	// after a caller-initiated close.
	Close() error
	// OnMessage sets the handler for inbound envelopes. It must be called
	// before Open. Heartbeats are never delivered.
	OnMessage(handler func(models.Envelope))
	Send(ctx context.Context, env models.Envelope) error
	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err explains why Done was closed.
	Err() error
}

// session is the shared end-of-life bookkeeping of a channel.
type session struct {
	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	err     error
	onClose func()
}

func (s *session) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
