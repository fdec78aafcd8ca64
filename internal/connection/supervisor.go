// Package connection keeps exactly one delivery channel alive, preferring
// the stream and falling back to polling.
package connection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mr1hm/go-safety-alerts/internal/clock"
	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/pubsub"
	"github.com/mr1hm/go-safety-alerts/internal/transport"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("supervisor closed")
)

const (
	DefaultMaxStreamFailures = 3
	DefaultUpgradeInterval   = 60 * time.Second
	DefaultBackoffBase       = time.Second
	DefaultBackoffMax        = 30 * time.Second
	DefaultOpenTimeout       = 15 * time.Second
)

// Factory builds a fresh, unopened channel for one connection attempt.
type Factory func() transport.Channel

type Config struct {
	NewStream  Factory
	NewPolling Factory
	// OnMessage receives every envelope from whichever channel is active.
	OnMessage func(models.Envelope)

	MaxStreamFailures int
	UpgradeInterval   time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	OpenTimeout       time.Duration
	Clock             clock.Clock
}

// retryCounter is implemented by channels that retry internally.
type retryCounter interface {
	RetryCount() int
}

type Supervisor struct {
	cfg    Config
	states *pubsub.Broadcaster[models.ConnectionState]
	kick   chan error

	mu      sync.Mutex
	state   models.ConnectionState
	current transport.Channel
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

func NewSupervisor(cfg Config) *Supervisor {
	if cfg.MaxStreamFailures <= 0 {
		cfg.MaxStreamFailures = DefaultMaxStreamFailures
	}
	if cfg.UpgradeInterval <= 0 {
		cfg.UpgradeInterval = DefaultUpgradeInterval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultBackoffMax
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.OnMessage == nil {
		cfg.OnMessage = func(models.Envelope) {}
	}
	return &Supervisor{
		cfg:    cfg,
		states: pubsub.NewBroadcaster[models.ConnectionState](32),
		kick:   make(chan error, 1),
		state: models.ConnectionState{
			Status:    models.ConnectionDisconnected,
			Transport: models.TransportStream,
		},
	}
}

// Open starts the connect loop. It returns immediately.
func (s *Supervisor) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.done != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx)
	return nil
}

// Close stops every timer, closes the active channel and publishes a final
// disconnected state before closing subscriptions.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.update(func(st *models.ConnectionState) {
		st.Status = models.ConnectionDisconnected
		st.LastError = ""
	})
	s.states.Close()
	s.states.Wait()
	return nil
}

func (s *Supervisor) State() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	if rc, ok := s.current.(retryCounter); ok {
		st.LastRetryCount = rc.RetryCount()
	}
	return st
}

func (s *Supervisor) Subscribe() (uint64, <-chan models.ConnectionState) {
	return s.states.Subscribe()
}

func (s *Supervisor) Unsubscribe(id uint64) {
	s.states.Unsubscribe(id)
}

// Listen calls handler for every state change until the returned stop
// function is called or the supervisor is closed.
func (s *Supervisor) Listen(handler func(models.ConnectionState)) func() {
	return s.states.Listen(handler)
}

// Send writes env on the active channel.
func (s *Supervisor) Send(ctx context.Context, env models.Envelope) error {
	s.mu.Lock()
	ch := s.current
	s.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.Send(ctx, env)
}

// Kick tells the supervisor that the write path saw the backend as
// unreachable. The active channel is dropped and reconnected with backoff.
func (s *Supervisor) Kick(reason error) {
	select {
	case s.kick <- reason:
	default:
	}
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	bo := newBackoff(s.cfg.BackoffBase, s.cfg.BackoffMax)

	streamFailures := 0
	attempts := 0
	for ctx.Err() == nil {
		useStream := streamFailures < s.cfg.MaxStreamFailures
		kind := models.TransportPolling
		factory := s.cfg.NewPolling
		if useStream {
			kind = models.TransportStream
			factory = s.cfg.NewStream
		}

		s.update(func(st *models.ConnectionState) {
			st.Status = models.ConnectionConnecting
			st.Transport = kind
			st.ReconnectAttempts = attempts
		})

		ch, err := s.open(ctx, factory)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			slog.Warn("connection attempt failed", "transport", kind, "attempt", attempts, "error", err)
			s.update(func(st *models.ConnectionState) {
				st.Status = models.ConnectionError
				st.LastError = err.Error()
				st.ReconnectAttempts = attempts
			})

			if useStream {
				streamFailures++
				if streamFailures >= s.cfg.MaxStreamFailures {
					slog.Warn("stream unavailable, falling back to polling", "failures", streamFailures)
					continue
				}
			} else {
				// Polling is down as well; the next attempt tries the stream.
				streamFailures = s.cfg.MaxStreamFailures - 1
			}
			if !s.sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		bo.Reset()
		attempts = 0
		if useStream {
			streamFailures = 0
		}

		res := s.serve(ctx, ch)
		if res.upgraded {
			streamFailures = 0
		}
		if ctx.Err() != nil {
			return
		}

		slog.Warn("connection lost", "transport", res.kind, "error", res.err)
		s.update(func(st *models.ConnectionState) {
			st.Status = models.ConnectionDisconnected
			if res.err != nil {
				st.LastError = res.err.Error()
			}
		})
		attempts++
		if !s.sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// newBackoff yields base, 2*base, 4*base... capped at max, without jitter.
func newBackoff(base, max time.Duration) *backoff.ExponentialBackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
	}
	bo.Reset()
	return bo
}

func (s *Supervisor) open(ctx context.Context, factory Factory) (transport.Channel, error) {
	ch := factory()
	ch.OnMessage(s.cfg.OnMessage)

	openCtx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	defer cancel()
	if err := ch.Open(openCtx); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

type serveResult struct {
	kind     models.Transport
	err      error
	upgraded bool
}

// serve blocks while ch is healthy. On polling it probes for a stream in the
// background and swaps it in without a disconnected state in between.
func (s *Supervisor) serve(ctx context.Context, ch transport.Channel) serveResult {
	// A kick raised before this connection existed is stale.
	select {
	case <-s.kick:
	default:
	}
	s.setConnected(ch)
	res := serveResult{kind: ch.Kind()}

	quit := make(chan struct{})
	var probes sync.WaitGroup
	defer func() {
		close(quit)
		probes.Wait()
	}()

	var probeC <-chan time.Time
	var ticker *clock.Ticker
	if ch.Kind() == models.TransportPolling && s.cfg.NewStream != nil {
		ticker = s.cfg.Clock.NewTicker(s.cfg.UpgradeInterval)
		defer ticker.Stop()
		probeC = ticker.C
	}
	upgraded := make(chan transport.Channel)
	probing := false

	for {
		select {
		case <-ctx.Done():
			s.clearCurrent(ch)
			ch.Close()
			return res
		case <-ch.Done():
			res.err = ch.Err()
			if res.err == nil {
				res.err = transport.ErrChannelClosed
			}
			s.clearCurrent(ch)
			ch.Close()
			return res
		case reason := <-s.kick:
			res.err = reason
			s.clearCurrent(ch)
			ch.Close()
			return res
		case <-probeC:
			if probing {
				continue
			}
			probing = true
			probes.Add(1)
			go s.probe(ctx, upgraded, quit, &probes)
		case next := <-upgraded:
			probing = false
			if next == nil {
				continue
			}
			slog.Info("stream available again, upgrading from polling")
			old := ch
			ch = next
			res.kind = ch.Kind()
			res.upgraded = true
			s.setConnected(ch)
			old.Close()
			ticker.Stop()
			probeC = nil
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, out chan<- transport.Channel, quit <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	ch, err := s.open(ctx, s.cfg.NewStream)
	if err != nil {
		slog.Debug("stream upgrade probe failed", "error", err)
	}
	select {
	case out <- ch:
	case <-quit:
		if ch != nil {
			ch.Close()
		}
	}
}

func (s *Supervisor) setConnected(ch transport.Channel) {
	now := s.cfg.Clock.Now()
	s.mu.Lock()
	s.current = ch
	s.mu.Unlock()
	s.update(func(st *models.ConnectionState) {
		st.Status = models.ConnectionConnected
		st.Transport = ch.Kind()
		st.LastConnectedAt = now
		st.LastError = ""
		st.ReconnectAttempts = 0
		st.LastRetryCount = 0
	})
	slog.Info("connected", "transport", ch.Kind())
}

func (s *Supervisor) clearCurrent(ch transport.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == ch {
		s.current = nil
	}
}

func (s *Supervisor) update(fn func(*models.ConnectionState)) {
	s.mu.Lock()
	fn(&s.state)
	st := s.state
	s.mu.Unlock()
	s.states.Publish(st)
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.cfg.Clock.After(d):
		return true
	}
}
