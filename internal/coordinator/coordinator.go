// Package coordinator wires the alert store, escalation scheduler,
// notification dispatcher, connection supervisor and offline queue into one
// instance with an explicit Init/Dispose lifecycle.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mr1hm/go-safety-alerts/internal/alertstore"
	"github.com/mr1hm/go-safety-alerts/internal/clock"
	"github.com/mr1hm/go-safety-alerts/internal/connection"
	"github.com/mr1hm/go-safety-alerts/internal/escalation"
	"github.com/mr1hm/go-safety-alerts/internal/metrics"
	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/notify"
	"github.com/mr1hm/go-safety-alerts/internal/offline"
	"github.com/mr1hm/go-safety-alerts/internal/pubsub"
	"github.com/mr1hm/go-safety-alerts/internal/remote"
	"github.com/mr1hm/go-safety-alerts/internal/repository"
)

var (
	ErrAlreadyInitialized = errors.New("coordinator already initialized")
	ErrDisposed           = errors.New("coordinator disposed")
	ErrInvalidResponse    = errors.New("invalid response")
	ErrInvalidLocation    = errors.New("invalid location")
)

const (
	DefaultSnoozeDuration = 5 * time.Minute

	sourceStream    = "stream"
	sourcePolling   = "polling"
	sourceReconcile = "reconcile"
	sourceLocal     = "local"
)

// Backend is the subset of the backend API the coordinator calls directly.
type Backend interface {
	ListAlerts(ctx context.Context) ([]models.Alert, string, error)
	Do(ctx context.Context, w models.QueuedWrite) (models.Ack, error)
}

type Config struct {
	Scope          string
	Policy         escalation.Policy
	SnoozeDuration time.Duration
	Clock          clock.Clock
	// Connection configures the supervisor. OnMessage is set by the
	// coordinator.
	Connection connection.Config
}

type Deps struct {
	Backend    Backend
	Queue      repository.QueueRepository
	Snapshots  repository.SnapshotRepository
	Dispatcher *notify.Dispatcher
	Metrics    *metrics.Metrics
	QueueCfg   offline.Config
}

// ConnectionInfo is the connection state plus the offline backlog.
type ConnectionInfo struct {
	models.ConnectionState
	QueuedWrites int `json:"queued_writes"`
}

// NewAlert is a locally triggered alert.
type NewAlert struct {
	Type                  models.AlertType `json:"type"`
	Severity              models.Severity  `json:"severity"`
	Title                 string           `json:"title"`
	Message               string           `json:"message"`
	TripID                string           `json:"trip_id"`
	UserID                string           `json:"user_id"`
	Location              *models.Location `json:"location,omitempty"`
	DistanceFromPlannedKm *float64         `json:"distance_from_planned_km,omitempty"`
}

type Coordinator struct {
	cfg        Config
	clock      clock.Clock
	backend    Backend
	snapshots  repository.SnapshotRepository
	metrics    *metrics.Metrics
	store      *alertstore.Store
	scheduler  *escalation.Scheduler
	dispatcher *notify.Dispatcher
	supervisor *connection.Supervisor
	queue      *offline.Queue

	alerts    *pubsub.Broadcaster[models.Alert]
	locations *pubsub.Broadcaster[models.LocationUpdate]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	initialized  bool
	disposed     bool
	wasConnected bool
	stops        []func()
}

func New(cfg Config, deps Deps) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Policy == (escalation.Policy{}) {
		cfg.Policy = escalation.DefaultPolicy()
	}
	if cfg.SnoozeDuration <= 0 {
		cfg.SnoozeDuration = DefaultSnoozeDuration
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = notify.NewDispatcher(nil, cfg.Clock, notify.Config{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:        cfg,
		clock:      cfg.Clock,
		backend:    deps.Backend,
		snapshots:  deps.Snapshots,
		metrics:    deps.Metrics,
		store:      alertstore.New(),
		dispatcher: dispatcher,
		alerts:     pubsub.NewBroadcaster[models.Alert](64),
		locations:  pubsub.NewBroadcaster[models.LocationUpdate](64),
		ctx:        ctx,
		cancel:     cancel,
	}

	c.scheduler = escalation.NewScheduler(cfg.Clock, c.store, escalation.Hooks{
		OnEscalated:   c.onEscalated,
		OnReactivated: c.onReactivated,
	})

	queueCfg := deps.QueueCfg
	queueCfg.Scope = cfg.Scope
	if queueCfg.Clock == nil {
		queueCfg.Clock = cfg.Clock
	}
	c.queue = offline.New(deps.Queue, deps.Backend, queueCfg)

	connCfg := cfg.Connection
	connCfg.OnMessage = c.handleEnvelope
	if connCfg.Clock == nil {
		connCfg.Clock = cfg.Clock
	}
	c.supervisor = connection.NewSupervisor(connCfg)
	return c
}

// Init restores the persisted snapshot, resumes countdowns and starts the
// connection.
func (c *Coordinator) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.initialized {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.initialized = true
	c.mu.Unlock()

	// Effects are not cut off by Dispose cancelling ctx; Stop drains them.
	c.dispatcher.Start(context.WithoutCancel(c.ctx))

	if err := c.restore(ctx); err != nil {
		return err
	}

	c.stops = append(c.stops,
		c.supervisor.Listen(c.onConnectionState),
		c.queue.OnEvent(c.onQueueEvent),
	)

	if err := c.supervisor.Open(); err != nil {
		return fmt.Errorf("error opening connection: %w", err)
	}
	slog.Info("coordinator initialized", "scope", c.cfg.Scope, "alerts", c.store.Len())
	return nil
}

func (c *Coordinator) restore(ctx context.Context) error {
	if c.snapshots == nil {
		return nil
	}
	saved, err := c.snapshots.ListAlerts(ctx, c.cfg.Scope)
	if err != nil {
		return fmt.Errorf("error restoring alert snapshot: %w", err)
	}
	for _, a := range saved {
		if _, _, err := c.store.Upsert(a); err != nil {
			slog.Warn("skipping invalid snapshot alert", "alert_id", a.ID, "error", err)
		}
	}
	// Countdowns continue from their original start; overdue alerts
	// escalate here.
	c.scheduler.Resume(c.store.ListAll())
	if len(saved) > 0 {
		slog.Info("restored alert snapshot", "count", len(saved))
	}
	return nil
}

// Dispose stops every timer and goroutine the coordinator started.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	c.supervisor.Close()
	c.scheduler.Stop()
	c.cancel()
	c.wg.Wait()

	for _, stop := range c.stops {
		stop()
	}
	// Nothing dispatches after this point, so queued effects can drain.
	c.dispatcher.Stop()
	c.queue.Close()
	c.alerts.Close()
	c.locations.Close()
	c.alerts.Wait()
	c.locations.Wait()
	slog.Info("coordinator disposed")
}

func (c *Coordinator) OnAlertUpdate(handler func(models.Alert)) func() {
	return c.alerts.Listen(handler)
}

func (c *Coordinator) OnConnectionStatusChange(handler func(models.ConnectionState)) func() {
	return c.supervisor.Listen(handler)
}

func (c *Coordinator) OnQueueEvent(handler func(offline.Event)) func() {
	return c.queue.OnEvent(handler)
}

func (c *Coordinator) OnLocationUpdate(handler func(models.LocationUpdate)) func() {
	return c.locations.Listen(handler)
}

func (c *Coordinator) OnModal(handler func(notify.Modal)) func() {
	return c.dispatcher.OnModal(handler)
}

func (c *Coordinator) Alerts() []models.Alert {
	return c.store.ListAll()
}

func (c *Coordinator) ActiveAlerts() []models.Alert {
	return c.store.ListActive()
}

func (c *Coordinator) Alert(id string) (models.Alert, bool) {
	return c.store.Get(id)
}

// Deadline is when the countdown held for id expires.
func (c *Coordinator) Deadline(id string) (time.Time, bool) {
	return c.scheduler.Deadline(id)
}

func (c *Coordinator) PendingWrites(ctx context.Context) ([]models.QueuedWrite, error) {
	return c.queue.Pending(ctx)
}

func (c *Coordinator) GetConnectionInfo() ConnectionInfo {
	info := ConnectionInfo{ConnectionState: c.supervisor.State()}
	if n, err := c.queue.Len(c.ctx); err == nil {
		info.QueuedWrites = n
	}
	return info
}

// goTracked runs fn on a goroutine that Dispose waits for. It reports false
// and does nothing once Dispose has started.
func (c *Coordinator) goTracked(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
	return true
}

func (c *Coordinator) publish(a models.Alert) {
	c.alerts.Publish(a)
	if c.snapshots == nil {
		return
	}
	if err := c.snapshots.SaveAlert(context.Background(), c.cfg.Scope, a); err != nil {
		slog.Error("error saving alert snapshot", "alert_id", a.ID, "error", err)
	}
}

func (c *Coordinator) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

var _ Backend = (*remote.Client)(nil)
