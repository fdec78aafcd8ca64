package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mr1hm/go-safety-alerts/internal/alertstore"
	"github.com/mr1hm/go-safety-alerts/internal/clock"
	"github.com/mr1hm/go-safety-alerts/internal/connection"
	"github.com/mr1hm/go-safety-alerts/internal/metrics"
	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/notify"
	"github.com/mr1hm/go-safety-alerts/internal/platform"
	"github.com/mr1hm/go-safety-alerts/internal/remote"
	"github.com/mr1hm/go-safety-alerts/internal/repository"
	"github.com/mr1hm/go-safety-alerts/internal/server"
	"github.com/mr1hm/go-safety-alerts/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreAnyFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreAnyFunction("net/http.(*persistConn).writeLoop"),
	)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type fixture struct {
	clock    *clock.FakeClock
	backend  *server.Server
	http     *httptest.Server
	platform *platform.Recorder

	maxStreamFailures int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clk := clock.Fake(t0)
	backend := server.New(server.Config{Clock: clk})
	r := gin.New()
	backend.RegisterRoutes(r)
	hs := httptest.NewServer(r)
	t.Cleanup(func() {
		backend.Close()
		hs.Close()
	})
	return &fixture{
		clock:    clk,
		backend:  backend,
		http:     hs,
		platform: platform.NewRecorder(platform.PermissionGranted),
	}
}

func openDB(t *testing.T, path string) *repository.SQLiteDB {
	t.Helper()
	db, err := repository.NewSQLiteDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// start builds a coordinator over db and runs Init. Dispose is registered
// as a cleanup and is safe to call earlier.
func (f *fixture) start(t *testing.T, db *repository.SQLiteDB) *Coordinator {
	t.Helper()
	c := f.build(db)
	require.NoError(t, c.Init(context.Background()))
	t.Cleanup(c.Dispose)
	return c
}

func (f *fixture) build(db *repository.SQLiteDB) *Coordinator {
	client := remote.NewClient(f.http.URL, "", 2*time.Second)
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/alerts/stream"
	return New(Config{
		Scope: "user-1",
		Clock: f.clock,
		Connection: connection.Config{
			NewStream: func() transport.Channel {
				return transport.NewStream(transport.StreamConfig{URL: wsURL, Clock: f.clock})
			},
			NewPolling: func() transport.Channel {
				return transport.NewPolling(transport.PollingConfig{Backend: client, Interval: time.Second, Clock: f.clock})
			},
			MaxStreamFailures: f.maxStreamFailures,
			UpgradeInterval:   time.Hour,
		},
	}, Deps{
		Backend:    client,
		Queue:      db,
		Snapshots:  db,
		Dispatcher: notify.NewDispatcher(f.platform, f.clock, notify.Config{}),
		Metrics:    metrics.New(),
	})
}

func (f *fixture) push(t *testing.T, a models.Alert) models.Alert {
	t.Helper()
	stored, env, created, err := f.backend.Store().Create(a)
	require.NoError(t, err)
	require.True(t, created)
	f.backend.Publish(env)
	return stored
}

func waitConnected(t *testing.T, c *Coordinator, tr models.Transport) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := c.GetConnectionInfo()
		return st.Connected() && st.Transport == tr
	}, waitFor, tick)
}

// waitArmed blocks until the countdown for id is scheduled.
func waitArmed(t *testing.T, c *Coordinator, id string) time.Time {
	t.Helper()
	var deadline time.Time
	require.Eventually(t, func() bool {
		var ok bool
		deadline, ok = c.Deadline(id)
		return ok
	}, waitFor, tick)
	return deadline
}

// reconnect advances the clock through the supervisor's backoff until it
// is connected again.
func (f *fixture) reconnect(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool {
		if c.GetConnectionInfo().Connected() {
			return true
		}
		f.clock.Advance(time.Second)
		return false
	}, waitFor, tick)
}

func TestCoordinator_StreamAlertEscalatesAndReports(t *testing.T) {
	f := newFixture(t)
	c := f.start(t, openDB(t, ":memory:"))
	waitConnected(t, c, models.TransportStream)

	var mu sync.Mutex
	var updates []models.Status
	stop := c.OnAlertUpdate(func(a models.Alert) {
		mu.Lock()
		updates = append(updates, a.Status)
		mu.Unlock()
	})
	defer stop()

	f.push(t, models.Alert{ID: "a1", Type: models.AlertTypeDeviation, Severity: models.SeverityCritical, Message: "You are 2.4km away from your planned route. Are you safe?"})
	deadline := waitArmed(t, c, "a1")
	assert.Equal(t, t0.Add(5*time.Minute), deadline)

	f.clock.Advance(5*time.Minute - time.Second)
	a, _ := c.Alert("a1")
	assert.Equal(t, models.StatusActive, a.Status)

	f.clock.Advance(time.Second)
	a, _ = c.Alert("a1")
	require.Equal(t, models.StatusEscalated, a.Status)
	require.NotNil(t, a.EscalatedAt)
	assert.Equal(t, t0.Add(5*time.Minute), *a.EscalatedAt)

	require.Eventually(t, func() bool {
		return len(f.backend.Store().Notifications()) == 1
	}, waitFor, tick)
	remoteAlert, _ := f.backend.Store().Get("a1")
	assert.Equal(t, models.StatusEscalated, remoteAlert.Status)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) >= 2 && updates[len(updates)-1] == models.StatusEscalated
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return f.platform.Count(platform.EffectVibrate) >= 2
	}, waitFor, tick, "critical alert and its escalation both vibrate")
}

func TestCoordinator_RespondOnline(t *testing.T) {
	f := newFixture(t)
	c := f.start(t, openDB(t, ":memory:"))
	waitConnected(t, c, models.TransportStream)

	f.push(t, models.Alert{ID: "a1", Severity: models.SeverityHigh, Message: "Are you safe?"})
	waitArmed(t, c, "a1")

	a, err := c.RespondToAlert(context.Background(), "a1", models.ResponseSafe, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResponded, a.Status)
	assert.False(t, a.PendingSync)
	assert.Equal(t, "User confirmed they are safe", a.ResponseMessage)

	_, armed := c.Deadline("a1")
	assert.False(t, armed)

	remoteAlert, _ := f.backend.Store().Get("a1")
	assert.Equal(t, models.StatusResponded, remoteAlert.Status)

	pending, err := c.PendingWrites(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The deadline passing later changes nothing.
	f.clock.Advance(time.Hour)
	a, _ = c.Alert("a1")
	assert.Equal(t, models.StatusResponded, a.Status)
	assert.Empty(t, f.backend.Store().Notifications())
}

func TestCoordinator_RespondOfflineQueuesOnceAndReplays(t *testing.T) {
	f := newFixture(t)
	c := f.start(t, openDB(t, ":memory:"))
	waitConnected(t, c, models.TransportStream)

	f.push(t, models.Alert{ID: "a1", Severity: models.SeverityMedium, Message: "Check in"})
	waitArmed(t, c, "a1")

	f.backend.SetAvailable(false)
	require.Eventually(t, func() bool { return !c.GetConnectionInfo().Connected() }, waitFor, tick)

	a, err := c.RespondToAlert(context.Background(), "a1", models.ResponseHelp, "twisted ankle")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResponded, a.Status)
	assert.True(t, a.PendingSync)

	// A second tap while offline is not a second write.
	_, err = c.RespondToAlert(context.Background(), "a1", models.ResponseHelp, "")
	require.NoError(t, err)

	pending, err := c.PendingWrites(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, remote.RespondPath("a1"), pending[0].Endpoint)
	assert.Equal(t, 1, c.GetConnectionInfo().QueuedWrites)

	f.backend.SetAvailable(true)
	f.reconnect(t, c)

	require.Eventually(t, func() bool {
		a, _ := c.Alert("a1")
		return !a.PendingSync
	}, waitFor, tick)
	remoteAlert, _ := f.backend.Store().Get("a1")
	assert.Equal(t, models.StatusResponded, remoteAlert.Status)
	assert.Equal(t, models.ResponseHelp, remoteAlert.Response)
	assert.Equal(t, "twisted ankle", remoteAlert.ResponseMessage)

	pending, err = c.PendingWrites(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCoordinator_RespondWithCancelledCallerIsNotLost(t *testing.T) {
	f := newFixture(t)
	c := f.start(t, openDB(t, ":memory:"))
	waitConnected(t, c, models.TransportStream)

	f.push(t, models.Alert{ID: "a1", Severity: models.SeverityHigh, Message: "Are you safe?"})
	f.push(t, models.Alert{ID: "a2", Severity: models.SeverityHigh, Message: "Are you safe?"})
	waitArmed(t, c, "a1")
	waitArmed(t, c, "a2")

	// The UI request is gone before the agent talks to the backend.
	gone, cancel := context.WithCancel(context.Background())
	cancel()

	a, err := c.RespondToAlert(gone, "a1", models.ResponseSafe, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusResponded, a.Status)
	assert.False(t, a.PendingSync)
	remoteAlert, _ := f.backend.Store().Get("a1")
	assert.Equal(t, models.StatusResponded, remoteAlert.Status)

	f.backend.SetAvailable(false)
	require.Eventually(t, func() bool { return !c.GetConnectionInfo().Connected() }, waitFor, tick)

	a, err = c.RespondToAlert(gone, "a2", models.ResponseHelp, "")
	require.NoError(t, err)
	assert.True(t, a.PendingSync)
	pending, err := c.PendingWrites(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, remote.RespondPath("a2"), pending[0].Endpoint)
}

func TestCoordinator_LocationQueuedOfflineAndReplayed(t *testing.T) {
	f := newFixture(t)
	c := f.start(t, openDB(t, ":memory:"))
	waitConnected(t, c, models.TransportStream)

	require.NoError(t, c.SubmitLocation(context.Background(), models.LocationUpdate{TripID: "trip-1", Latitude: 47.6, Longitude: -122.3}))
	require.Eventually(t, func() bool {
		u, ok := f.backend.Store().LastLocation("trip-1")
		return ok && u.Latitude == 47.6
	}, waitFor, tick)

	f.backend.SetAvailable(false)
	require.Eventually(t, func() bool { return !c.GetConnectionInfo().Connected() }, waitFor, tick)

	require.NoError(t, c.SubmitLocation(context.Background(), models.LocationUpdate{TripID: "trip-1", Latitude: 48.1, Longitude: -121.9}))
	pending, err := c.PendingWrites(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, remote.LocationsPath, pending[0].Endpoint)
	u, _ := f.backend.Store().LastLocation("trip-1")
	assert.Equal(t, 47.6, u.Latitude)

	f.backend.SetAvailable(true)
	f.reconnect(t, c)

	require.Eventually(t, func() bool {
		u, _ := f.backend.Store().LastLocation("trip-1")
		return u.Latitude == 48.1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		pending, err := c.PendingWrites(context.Background())
		return err == nil && len(pending) == 0
	}, waitFor, tick)

	err = c.SubmitLocation(context.Background(), models.LocationUpdate{Latitude: 1, Longitude: 2})
	assert.ErrorIs(t, err, ErrInvalidLocation)
	err = c.SubmitLocation(context.Background(), models.LocationUpdate{TripID: "trip-1", Latitude: 91})
	assert.ErrorIs(t, err, ErrInvalidLocation)
}

func TestCoordinator_EscalatesWhileOfflineAndReportsLater(t *testing.T) {
	f := newFixture(t)
	c := f.start(t, openDB(t, ":memory:"))
	waitConnected(t, c, models.TransportStream)

	f.push(t, models.Alert{ID: "a1", Severity: models.SeverityCritical, Message: "SOS"})
	waitArmed(t, c, "a1")

	f.backend.SetAvailable(false)
	require.Eventually(t, func() bool { return !c.GetConnectionInfo().Connected() }, waitFor, tick)

	f.clock.Advance(5 * time.Minute)
	a, _ := c.Alert("a1")
	require.Equal(t, models.StatusEscalated, a.Status)

	require.Eventually(t, func() bool {
		pending, err := c.PendingWrites(context.Background())
		return err == nil && len(pending) == 1 && pending[0].Endpoint == remote.EscalatePath("a1")
	}, waitFor, tick)
	assert.Empty(t, f.backend.Store().Notifications())

	f.backend.SetAvailable(true)
	f.reconnect(t, c)

	require.Eventually(t, func() bool {
		return len(f.backend.Store().Notifications()) == 1
	}, waitFor, tick)

	// Reconcile saw the backend's stale active copy and kept the local status.
	a, _ = c.Alert("a1")
	assert.Equal(t, models.StatusEscalated, a.Status)
}

func TestCoordinator_FallsBackToPolling(t *testing.T) {
	f := newFixture(t)
	f.maxStreamFailures = 1
	f.backend.SetStreamEnabled(false)
	f.push(t, models.Alert{ID: "before", Severity: models.SeverityLow, Message: "m"})

	c := f.start(t, openDB(t, ":memory:"))
	waitConnected(t, c, models.TransportPolling)
	waitArmed(t, c, "before")

	f.push(t, models.Alert{ID: "after", Severity: models.SeverityLow, Message: "m"})
	require.Eventually(t, func() bool {
		if _, ok := c.Alert("after"); ok {
			return true
		}
		f.clock.Advance(time.Second)
		return false
	}, waitFor, tick)
	assert.Len(t, c.ActiveAlerts(), 2)
}

func TestCoordinator_LocationUpdates(t *testing.T) {
	f := newFixture(t)
	c := f.start(t, openDB(t, ":memory:"))
	waitConnected(t, c, models.TransportStream)

	got := make(chan models.LocationUpdate, 1)
	stop := c.OnLocationUpdate(func(u models.LocationUpdate) {
		select {
		case got <- u:
		default:
		}
	})
	defer stop()

	body, _ := json.Marshal(models.LocationUpdate{TripID: "trip-1", Latitude: 47.6, Longitude: -122.3})
	resp, err := http.Post(f.http.URL+"/locations", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()

	select {
	case u := <-got:
		assert.Equal(t, "trip-1", u.TripID)
		assert.Equal(t, 47.6, u.Latitude)
	case <-time.After(waitFor):
		t.Fatal("location update not delivered")
	}
}

func TestCoordinator_SnoozeRearmsWithFullWindow(t *testing.T) {
	f := newFixture(t)
	c := f.start(t, openDB(t, ":memory:"))

	a, err := c.SimulateAlert(context.Background(), models.Alert{Severity: models.SeverityHigh})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a.ID, "sim_"))
	assert.Equal(t, t0.Add(10*time.Minute), waitArmed(t, c, a.ID))

	f.clock.Advance(2 * time.Minute)
	snoozed, err := c.SnoozeAlert(context.Background(), a.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSnoozed, snoozed.Status)
	require.NotNil(t, snoozed.SnoozedUntil)
	assert.Equal(t, t0.Add(7*time.Minute), *snoozed.SnoozedUntil)

	f.clock.Advance(5 * time.Minute)
	cur, _ := c.Alert(a.ID)
	assert.Equal(t, models.StatusActive, cur.Status)
	deadline, ok := c.Deadline(a.ID)
	require.True(t, ok)
	assert.Equal(t, t0.Add(17*time.Minute), deadline)

	_, err = c.SnoozeAlert(context.Background(), "missing", time.Minute)
	assert.ErrorIs(t, err, alertstore.ErrNotFound)
}

func TestCoordinator_RestoresSnapshotAfterRestart(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "agent.db")

	db := openDB(t, path)
	first := f.build(db)
	require.NoError(t, first.Init(context.Background()))
	a, err := first.SimulateAlert(context.Background(), models.Alert{Severity: models.SeverityCritical})
	require.NoError(t, err)
	waitArmed(t, first, a.ID)
	first.Dispose()
	require.NoError(t, db.Close())

	// Down for longer than the response window.
	f.clock.Advance(20 * time.Minute)

	second := f.start(t, openDB(t, path))
	restored, ok := second.Alert(a.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusEscalated, restored.Status)
	assert.Equal(t, a.CreatedAt, restored.CreatedAt)
}

func TestCoordinator_CreateAlertReportsToBackend(t *testing.T) {
	f := newFixture(t)
	c := f.start(t, openDB(t, ":memory:"))
	waitConnected(t, c, models.TransportStream)

	a, err := c.CreateAlert(context.Background(), NewAlert{
		Type:     models.AlertTypeStationary,
		Severity: models.SeverityMedium,
		Message:  "You have not moved in 2 hours. Are you safe?",
		TripID:   "trip-1",
	})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(15*time.Minute), waitArmed(t, c, a.ID))

	remoteAlert, ok := f.backend.Store().Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, models.AlertTypeStationary, remoteAlert.Type)

	_, err = c.CreateAlert(context.Background(), NewAlert{Severity: "extreme", Message: "m"})
	assert.ErrorIs(t, err, alertstore.ErrInvalidAlert)
}

func TestCoordinator_IngestStatusForms(t *testing.T) {
	f := newFixture(t)
	c := f.start(t, openDB(t, ":memory:"))

	a, err := c.ingest(models.Alert{ID: "r1", Severity: models.SeverityHigh, Message: "m", Status: "responded_safe"}, sourceReconcile)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResponded, a.Status)
	assert.Equal(t, models.ResponseSafe, a.Response)
	_, armed := c.Deadline("r1")
	assert.False(t, armed)

	_, err = c.ingest(models.Alert{ID: "x1", Severity: models.SeverityHigh, Message: "m", Status: "closed"}, sourceReconcile)
	assert.ErrorIs(t, err, alertstore.ErrInvalidAlert)
	_, ok := c.Alert("x1")
	assert.False(t, ok)
}

// slowPlatform takes a while to play sounds so effects are still queued
// when Dispose runs.
type slowPlatform struct {
	*platform.Recorder
}

func (p slowPlatform) PlaySound(ctx context.Context, s platform.SoundProfile, repeat bool) error {
	time.Sleep(50 * time.Millisecond)
	return p.Recorder.PlaySound(ctx, s, repeat)
}

func TestCoordinator_DisposeDrainsNotificationEffects(t *testing.T) {
	f := newFixture(t)
	rec := platform.NewRecorder(platform.PermissionGranted)
	c := f.build(openDB(t, ":memory:"))
	c.dispatcher = notify.NewDispatcher(slowPlatform{rec}, f.clock, notify.Config{Workers: 1})
	require.NoError(t, c.Init(context.Background()))

	_, err := c.SimulateAlert(context.Background(), models.Alert{ID: "a1", Severity: models.SeverityHigh})
	require.NoError(t, err)
	_, err = c.SimulateAlert(context.Background(), models.Alert{ID: "a2", Severity: models.SeverityHigh})
	require.NoError(t, err)
	c.Dispose()

	assert.Equal(t, 2, rec.Count(platform.EffectSound))
	assert.Equal(t, 2, rec.Count(platform.EffectVibrate))
	assert.Equal(t, 2, rec.Count(platform.EffectNotification))
	assert.Equal(t, 2, rec.Count(platform.EffectFlash))
}

func TestCoordinator_Lifecycle(t *testing.T) {
	f := newFixture(t)
	c := f.build(openDB(t, ":memory:"))
	require.NoError(t, c.Init(context.Background()))
	assert.ErrorIs(t, c.Init(context.Background()), ErrAlreadyInitialized)

	_, err := c.RespondToAlert(context.Background(), "a1", "maybe", "")
	assert.ErrorIs(t, err, ErrInvalidResponse)
	_, err = c.RespondToAlert(context.Background(), "a1", models.ResponseSafe, "")
	assert.ErrorIs(t, err, alertstore.ErrNotFound)

	c.Dispose()
	c.Dispose()

	assert.Equal(t, models.ConnectionDisconnected, c.GetConnectionInfo().Status)
	_, err = c.SimulateAlert(context.Background(), models.Alert{})
	assert.True(t, errors.Is(err, ErrDisposed))
	assert.ErrorIs(t, c.Init(context.Background()), ErrDisposed)
}
