package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mr1hm/go-safety-alerts/internal/clock"
	"github.com/mr1hm/go-safety-alerts/internal/models"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 75 * time.Second

	writeTimeout = 10 * time.Second
)

type StreamConfig struct {
	URL               string
	Token             string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Clock             clock.Clock
	Dialer            *websocket.Dialer
}

// Stream is a push session over a WebSocket. Any inbound frame, heartbeat
// echoes included, counts as liveness.
type Stream struct {
	session
	cfg     StreamConfig
	handler func(models.Envelope)

	writeMu sync.Mutex
	conn    *websocket.Conn
	wg      sync.WaitGroup
}

func NewStream(cfg StreamConfig) *Stream {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Stream{
		session: session{done: make(chan struct{})},
		cfg:     cfg,
		handler: func(models.Envelope) {},
	}
}

func (s *Stream) Kind() models.Transport { return models.TransportStream }

func (s *Stream) OnMessage(handler func(models.Envelope)) {
	if handler != nil {
		s.handler = handler
	}
}

func (s *Stream) Open(ctx context.Context) error {
	if s.closed() {
		return ErrChannelClosed
	}
	header := http.Header{}
	if s.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	conn, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		s.finish(err)
		return fmt.Errorf("error dialing stream: %w", err)
	}

	s.conn = conn
	s.onClose = func() { conn.Close() }
	conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))

	s.wg.Add(2)
	go s.readLoop()
	go s.heartbeatLoop()

	slog.Info("stream connected", "url", s.cfg.URL)
	return nil
}

func (s *Stream) readLoop() {
	defer s.wg.Done()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case s.closed():
			case errors.As(err, &ne) && ne.Timeout():
				s.finish(ErrHeartbeatTimeout)
			default:
				s.finish(fmt.Errorf("error reading stream: %w", err))
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.HeartbeatTimeout))

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Warn("dropping malformed stream frame", "error", err)
			continue
		}
		if env.Type == models.MessageHeartbeat {
			continue
		}
		s.handler(env)
	}
}

func (s *Stream) heartbeatLoop() {
	defer s.wg.Done()

	ticker := s.cfg.Clock.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			hb := models.Envelope{Type: models.MessageHeartbeat, TS: now}
			if err := s.write(hb); err != nil {
				s.finish(fmt.Errorf("error sending heartbeat: %w", err))
				return
			}
		}
	}
}

func (s *Stream) Send(ctx context.Context, env models.Envelope) error {
	if s.conn == nil {
		return ErrNotOpen
	}
	if s.closed() {
		return fmt.Errorf("stream closed: %w", s.Err())
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.write(env)
}

func (s *Stream) write(env models.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(env)
}

func (s *Stream) Close() error {
	if s.conn != nil && !s.closed() {
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
	}
	s.finish(nil)
	s.wg.Wait()
	return nil
}
