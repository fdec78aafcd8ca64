package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/offline"
)

const (
	MessageConnectionStatus models.MessageType = "connection_status"
	MessageQueueEvent       models.MessageType = "queue_event"

	eventBuffer       = 64
	eventWriteTimeout = 10 * time.Second
)

// events streams alert, connection and queue updates to a UI over a
// WebSocket. A client that falls behind loses updates rather than stalling
// the agent.
func (h *Handler) events(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("failed to upgrade events feed", "error", err)
		return
	}
	defer ws.Close()

	out := make(chan models.Envelope, eventBuffer)
	send := func(env models.Envelope) {
		select {
		case out <- env:
		default:
			slog.Debug("events client behind, dropping update", "type", env.Type)
		}
	}
	encode := func(t models.MessageType, payload any) (models.Envelope, bool) {
		env, err := models.NewEnvelope(t, payload, time.Now())
		if err != nil {
			slog.Error("error encoding event", "type", t, "error", err)
			return models.Envelope{}, false
		}
		return env, true
	}

	// Updates that arrive while the snapshot is being sent are held and
	// flushed after it, so nothing published in between is lost.
	var mu sync.Mutex
	var held []models.Envelope
	live := false
	push := func(t models.MessageType, payload any) {
		env, ok := encode(t, payload)
		if !ok {
			return
		}
		mu.Lock()
		if !live {
			held = append(held, env)
			mu.Unlock()
			return
		}
		mu.Unlock()
		send(env)
	}

	stops := []func(){
		h.agent.OnAlertUpdate(func(a models.Alert) { push(models.MessageAlertUpdate, a) }),
		h.agent.OnConnectionStatusChange(func(st models.ConnectionState) { push(MessageConnectionStatus, st) }),
		h.agent.OnQueueEvent(func(e offline.Event) { push(MessageQueueEvent, e) }),
	}
	defer func() {
		for _, stop := range stops {
			stop()
		}
	}()

	// Current state first so a fresh client does not wait for a change.
	if env, ok := encode(MessageConnectionStatus, h.agent.GetConnectionInfo()); ok {
		send(env)
	}
	for _, a := range h.agent.Alerts() {
		if env, ok := encode(models.MessageAlertUpdate, a); ok {
			send(env)
		}
	}
	mu.Lock()
	for _, env := range held {
		send(env)
	}
	held = nil
	live = true
	mu.Unlock()

	// The feed is one-way; reading only detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Info("events client connected", "remote", c.ClientIP())
	for {
		select {
		case env := <-out:
			ws.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := ws.WriteJSON(env); err != nil {
				slog.Debug("events client write failed", "error", err)
				ws.Close()
				<-gone
				return
			}
		case <-gone:
			slog.Info("events client disconnected", "remote", c.ClientIP())
			return
		case <-c.Request.Context().Done():
			ws.Close()
			<-gone
			return
		}
	}
}
