package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr1hm/go-safety-alerts/internal/clock"
	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/remote"
)

const (
	DefaultPollInterval   = 15 * time.Second
	DefaultPollMaxRetries = 3
)

// Backend is the part of the backend API polling needs.
type Backend interface {
	ListAlerts(ctx context.Context) ([]models.Alert, string, error)
	Changes(ctx context.Context, since string) (remote.Changes, error)
}

type PollingConfig struct {
	Backend    Backend
	Interval   time.Duration
	MaxRetries int
	Clock      clock.Clock
}

// Polling fetches a snapshot on open and then asks for changes since the
// last cursor on every tick. Consecutive failures beyond MaxRetries end the
// session.
type Polling struct {
	session
	cfg     PollingConfig
	handler func(models.Envelope)

	cursor  string
	retries atomic.Int64

	wg sync.WaitGroup
}

func NewPolling(cfg PollingConfig) *Polling {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultPollMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Polling{
		session: session{done: make(chan struct{})},
		cfg:     cfg,
		handler: func(models.Envelope) {},
	}
}

func (p *Polling) Kind() models.Transport { return models.TransportPolling }

func (p *Polling) OnMessage(handler func(models.Envelope)) {
	if handler != nil {
		p.handler = handler
	}
}

func (p *Polling) Open(ctx context.Context) error {
	if p.closed() {
		return ErrChannelClosed
	}
	alerts, cursor, err := p.cfg.Backend.ListAlerts(ctx)
	if err != nil {
		p.finish(err)
		return fmt.Errorf("error fetching alert snapshot: %w", err)
	}
	p.cursor = cursor

	now := p.cfg.Clock.Now()
	for _, a := range alerts {
		env, err := models.NewEnvelope(models.MessageAlertUpdate, a, now)
		if err != nil {
			slog.Warn("skipping snapshot alert", "alert_id", a.ID, "error", err)
			continue
		}
		p.handler(env)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.onClose = cancel

	p.wg.Add(1)
	go p.loop(loopCtx)

	slog.Info("polling started", "interval", p.cfg.Interval, "cursor", cursor)
	return nil
}

func (p *Polling) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.poll(ctx) {
				return
			}
		}
	}
}

// poll runs one change request. It returns false once the session is over.
func (p *Polling) poll(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Interval)
	defer cancel()

	changes, err := p.cfg.Backend.Changes(reqCtx, p.cursor)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		n := p.retries.Add(1)
		slog.Warn("poll failed", "retry", n, "max_retries", p.cfg.MaxRetries, "error", err)
		if n > int64(p.cfg.MaxRetries) {
			p.finish(fmt.Errorf("%w: %v", ErrPollingExhausted, err))
			return false
		}
		return true
	}

	p.retries.Store(0)
	if changes.Cursor != "" {
		p.cursor = changes.Cursor
	}
	for _, env := range changes.Changes {
		if env.Type == models.MessageHeartbeat {
			continue
		}
		p.handler(env)
	}
	slog.Debug("poll complete", "count", len(changes.Changes), "cursor", p.cursor)
	return true
}

// RetryCount is the number of consecutive failed polls.
func (p *Polling) RetryCount() int {
	return int(p.retries.Load())
}

// Send accepts heartbeats so callers need not know the transport, and
// rejects everything else.
func (p *Polling) Send(_ context.Context, env models.Envelope) error {
	if env.Type == models.MessageHeartbeat {
		return nil
	}
	return ErrSendUnsupported
}

func (p *Polling) Close() error {
	p.finish(nil)
	p.wg.Wait()
	return nil
}
