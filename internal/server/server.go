// Package server is a reference implementation of the backend the safety
// agent talks to. It keeps alerts in memory, serves the change feed used by
// polling clients, pushes updates over a WebSocket stream and acknowledges
// replayed writes once per idempotency key.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mr1hm/go-safety-alerts/internal/clock"
	"github.com/mr1hm/go-safety-alerts/internal/escalation"
	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/pubsub"
	"github.com/mr1hm/go-safety-alerts/internal/remote"
)

const streamWriteTimeout = 10 * time.Second

type Config struct {
	// Token, when set, is required as a bearer token on every request.
	Token  string
	Clock  clock.Clock
	Policy escalation.Policy
}

type Server struct {
	store    *Store
	clock    clock.Clock
	token    string
	events   *pubsub.Broadcaster[models.Envelope]
	upgrader websocket.Upgrader

	// serializes idempotent writes so a key is applied once
	writeMu sync.Mutex

	mu             sync.Mutex
	unavailable    bool
	streamDisabled bool
	drop           chan struct{}
	closed         bool
	streams        sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Policy == (escalation.Policy{}) {
		cfg.Policy = escalation.DefaultPolicy()
	}
	return &Server{
		store:  NewStore(cfg.Clock, cfg.Policy),
		clock:  cfg.Clock,
		token:  cfg.Token,
		events: pubsub.NewBroadcaster[models.Envelope](pubsub.DefaultBuffer),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		drop: make(chan struct{}),
	}
}

func (s *Server) Store() *Store { return s.store }

func (s *Server) RegisterRoutes(r *gin.Engine) {
	g := r.Group("/", s.availability, s.auth)
	g.GET("/alerts", s.listAlerts)
	g.GET("/alerts/changes", s.listChanges)
	g.GET("/alerts/stream", s.stream)
	g.POST("/alerts", s.createAlert)
	g.POST("/alerts/:id/respond", s.respond)
	g.POST("/alerts/:id/escalate", s.escalate)
	g.POST("/safety/manual-alert", s.manualAlert)
	g.POST("/locations", s.recordLocation)
	g.GET("/notifications", s.notifications)
	r.GET("/health", s.health)
}

// SetAvailable simulates an outage: while unavailable every request gets
// 503 and open streams are dropped.
func (s *Server) SetAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = !ok
	if !ok {
		close(s.drop)
		s.drop = make(chan struct{})
	}
}

// SetStreamEnabled refuses stream upgrades while the rest of the API keeps
// working, forcing clients onto polling.
func (s *Server) SetStreamEnabled(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamDisabled = !ok
	if !ok {
		close(s.drop)
		s.drop = make(chan struct{})
	}
}

// Close ends every open stream and waits for their handlers.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.drop)
	s.mu.Unlock()

	s.events.Close()
	s.streams.Wait()
}

// Publish pushes env to every stream subscriber.
func (s *Server) Publish(env models.Envelope) {
	n := s.events.Publish(env)
	slog.Debug("change published", "type", env.Type, "subscribers", n)
}

func (s *Server) availability(c *gin.Context) {
	s.mu.Lock()
	down := s.unavailable
	s.mu.Unlock()
	if down {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service unavailable"})
		return
	}
	c.Next()
}

func (s *Server) auth(c *gin.Context) {
	if s.token == "" {
		c.Next()
		return
	}
	got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if got != s.token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listAlerts(c *gin.Context) {
	alerts, cursor := s.store.List()
	c.Header(remote.HeaderCursor, cursor)
	c.JSON(http.StatusOK, alerts)
}

func (s *Server) listChanges(c *gin.Context) {
	changes, cursor, err := s.store.ChangesSince(c.Query("since"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, remote.Changes{Cursor: cursor, Changes: changes})
}

func (s *Server) createAlert(c *gin.Context) {
	var a models.Alert
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert body"})
		return
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	s.idempotent(c, func() (models.Ack, int, error) {
		stored, env, created, err := s.store.Create(a)
		if err != nil {
			return models.Ack{}, http.StatusBadRequest, err
		}
		if !created {
			return models.Ack{AlertID: stored.ID, Message: "alert already exists"}, http.StatusOK, nil
		}
		s.Publish(env)
		slog.Info("alert created", "alert_id", stored.ID, "severity", stored.Severity, "type", stored.Type)
		return models.Ack{AlertID: stored.ID, Message: "alert created"}, http.StatusCreated, nil
	})
}

func (s *Server) respond(c *gin.Context) {
	id := c.Param("id")
	var req remote.RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid response body"})
		return
	}
	r, err := models.ParseResponse(string(req.Response))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.idempotent(c, func() (models.Ack, int, error) {
		a, env, err := s.store.Respond(id, r, req.Message)
		if err != nil {
			return models.Ack{}, statusFor(err), err
		}
		if env.Type != "" {
			s.Publish(env)
			slog.Info("alert response recorded", "alert_id", id, "response", r)
		}
		return models.Ack{AlertID: a.ID, Message: "alert response recorded: " + string(a.Response)}, http.StatusOK, nil
	})
}

func (s *Server) escalate(c *gin.Context) {
	id := c.Param("id")
	var req remote.EscalateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid escalation body"})
			return
		}
	}

	s.idempotent(c, func() (models.Ack, int, error) {
		a, env, err := s.store.Escalate(id, req.EscalatedAt)
		if err != nil {
			return models.Ack{}, statusFor(err), err
		}
		if env.Type != "" {
			s.Publish(env)
		}
		return models.Ack{AlertID: a.ID, Message: "emergency contacts notified"}, http.StatusOK, nil
	})
}

type manualAlertRequest struct {
	TripID  string `json:"trip_id" form:"trip_id"`
	Message string `json:"message" form:"message"`
}

// manualAlert raises an alert at the trip's last known position.
func (s *Server) manualAlert(c *gin.Context) {
	var req manualAlertRequest
	if err := c.ShouldBind(&req); err != nil || req.TripID == "" || req.Message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "trip_id and message are required"})
		return
	}
	loc, ok := s.store.LastLocation(req.TripID)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrNoLocation.Error()})
		return
	}

	s.idempotent(c, func() (models.Ack, int, error) {
		a, env, _, err := s.store.Create(models.Alert{
			ID:       uuid.NewString(),
			Type:     models.AlertTypeManual,
			Severity: models.SeverityMedium,
			Title:    "Manual Safety Alert",
			Message:  req.Message,
			TripID:   req.TripID,
			UserID:   loc.UserID,
			Location: &models.Location{Latitude: loc.Latitude, Longitude: loc.Longitude},
		})
		if err != nil {
			return models.Ack{}, http.StatusBadRequest, err
		}
		s.Publish(env)
		return models.Ack{AlertID: a.ID, Message: "manual alert created"}, http.StatusCreated, nil
	})
}

func (s *Server) recordLocation(c *gin.Context) {
	var u models.LocationUpdate
	if err := c.ShouldBindJSON(&u); err != nil || u.TripID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid location update"})
		return
	}
	env, err := s.store.RecordLocation(u)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record location"})
		return
	}
	s.Publish(env)
	c.JSON(http.StatusAccepted, gin.H{"message": "location recorded"})
}

func (s *Server) notifications(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Notifications())
}

// idempotent runs fn once per Idempotency-Key and answers repeats with the
// cached ack.
func (s *Server) idempotent(c *gin.Context, fn func() (models.Ack, int, error)) {
	key := c.GetHeader(remote.HeaderIdempotencyKey)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if key != "" {
		if ack, ok := s.store.Ack(key); ok {
			c.JSON(http.StatusOK, ack)
			return
		}
	}
	ack, code, err := fn()
	if err != nil {
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	ack.WriteID = key
	if key != "" {
		s.store.SaveAck(key, ack)
	}
	c.JSON(code, ack)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// stream pushes alert and location updates and echoes client heartbeats.
func (s *Server) stream(c *gin.Context) {
	s.mu.Lock()
	if s.closed || s.streamDisabled {
		s.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream unavailable"})
		return
	}
	drop := s.drop
	s.streams.Add(1)
	s.mu.Unlock()
	defer s.streams.Done()

	// Subscribe before the handshake completes so nothing published after
	// the client sees the upgrade is missed.
	id, events := s.events.Subscribe()
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.events.Unsubscribe(id)
		slog.Warn("failed to upgrade stream", "error", err)
		return
	}
	slog.Info("stream client connected", "subscriber", id)

	var writeMu sync.Mutex
	write := func(env models.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		return ws.WriteJSON(env)
	}

	readDone := make(chan error, 1)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readDone <- err
				return
			}
			var env models.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			if env.Type == models.MessageHeartbeat {
				if err := write(models.Envelope{Type: models.MessageHeartbeat, TS: s.clock.Now()}); err != nil {
					readDone <- err
					return
				}
			}
		}
	}()

	var reason error
loop:
	for {
		select {
		case env, ok := <-events:
			if !ok {
				break loop
			}
			if err := write(env); err != nil {
				reason = err
				break loop
			}
		case reason = <-readDone:
			readDone <- reason
			break loop
		case <-drop:
			break loop
		}
	}

	s.events.Unsubscribe(id)
	writeMu.Lock()
	ws.SetWriteDeadline(time.Now().Add(time.Second))
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	writeMu.Unlock()
	ws.Close()
	<-readDone
	slog.Info("stream client disconnected", "subscriber", id, "reason", reason)
}
