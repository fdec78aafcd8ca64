package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mr1hm/go-safety-alerts/internal/alertstore"
	"github.com/mr1hm/go-safety-alerts/internal/coordinator"
	"github.com/mr1hm/go-safety-alerts/internal/metrics"
	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/offline"
)

// Agent is the part of the coordinator the local API exposes.
type Agent interface {
	Alerts() []models.Alert
	ActiveAlerts() []models.Alert
	Alert(id string) (models.Alert, bool)
	RespondToAlert(ctx context.Context, id string, response models.Response, message string) (models.Alert, error)
	SnoozeAlert(ctx context.Context, id string, d time.Duration) (models.Alert, error)
	SimulateAlert(ctx context.Context, partial models.Alert) (models.Alert, error)
	SubmitLocation(ctx context.Context, u models.LocationUpdate) error
	GetConnectionInfo() coordinator.ConnectionInfo
	PendingWrites(ctx context.Context) ([]models.QueuedWrite, error)
	OnAlertUpdate(handler func(models.Alert)) func()
	OnConnectionStatusChange(handler func(models.ConnectionState)) func()
	OnQueueEvent(handler func(offline.Event)) func()
}

type Handler struct {
	agent    Agent
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewHandler(agent Agent, m *metrics.Metrics) *Handler {
	return &Handler{
		agent:   agent,
		metrics: m,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/api/alerts", h.getAlerts)
	r.GET("/api/alerts/active", h.getActiveAlerts)
	r.GET("/api/alerts/:id", h.getAlert)
	r.POST("/api/alerts/:id/respond", h.respond)
	r.POST("/api/alerts/:id/snooze", h.snooze)
	r.POST("/api/locations", h.submitLocation)
	r.GET("/api/connection", h.connection)
	r.GET("/api/queue", h.queue)
	r.GET("/api/events", h.events)
	r.POST("/api/debug/simulate-alert", h.simulateAlert)
	r.GET("/health", h.health)
	r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
}

func (h *Handler) getAlerts(c *gin.Context) {
	alerts := h.agent.Alerts()
	if s := c.Query("status"); s != "" {
		filtered := alerts[:0]
		for _, a := range alerts {
			if string(a.Status) == s {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}

	if c.Query("format") == "geojson" {
		c.Header("Content-Type", "application/geo+json")
		c.JSON(http.StatusOK, toGeoJSON(alerts))
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (h *Handler) getActiveAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, h.agent.ActiveAlerts())
}

func (h *Handler) getAlert(c *gin.Context) {
	a, ok := h.agent.Alert(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	c.JSON(http.StatusOK, a)
}

type respondRequest struct {
	Response models.Response `json:"response" binding:"required"`
	Message  string          `json:"message"`
}

func (h *Handler) respond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "response is required"})
		return
	}

	a, err := h.agent.RespondToAlert(c.Request.Context(), c.Param("id"), req.Response, req.Message)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type snoozeRequest struct {
	// Minutes defaults to the agent's snooze duration when zero.
	Minutes int `json:"minutes"`
}

func (h *Handler) snooze(c *gin.Context) {
	var req snoozeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil || req.Minutes < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid snooze request"})
			return
		}
	}

	a, err := h.agent.SnoozeAlert(c.Request.Context(), c.Param("id"), time.Duration(req.Minutes)*time.Minute)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) submitLocation(c *gin.Context) {
	var u models.LocationUpdate
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid location update"})
		return
	}

	if err := h.agent.SubmitLocation(c.Request.Context(), u); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "location accepted"})
}

func (h *Handler) connection(c *gin.Context) {
	c.JSON(http.StatusOK, h.agent.GetConnectionInfo())
}

func (h *Handler) queue(c *gin.Context) {
	writes, err := h.agent.PendingWrites(c.Request.Context())
	if err != nil {
		slog.Error("error listing queued writes", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list queued writes",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(writes), "writes": writes})
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) simulateAlert(c *gin.Context) {
	var partial models.Alert
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&partial); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert body"})
			return
		}
	}

	// Local only: the backend never sees simulated alerts.
	a, err := h.agent.SimulateAlert(c.Request.Context(), partial)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "simulated alert created (not sent to backend)",
		"alert":   a,
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, alertstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
	case errors.Is(err, coordinator.ErrInvalidResponse), errors.Is(err, coordinator.ErrInvalidLocation), errors.Is(err, alertstore.ErrInvalidAlert):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case alertstore.IsResolutionRace(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, coordinator.ErrDisposed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "agent is shutting down"})
	default:
		slog.Error("error handling request", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
