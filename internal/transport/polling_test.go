package transport

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/go-safety-alerts/internal/clock"
	"github.com/mr1hm/go-safety-alerts/internal/models"
	"github.com/mr1hm/go-safety-alerts/internal/remote"
)

type fakeBackend struct {
	mu       sync.Mutex
	alerts   []models.Alert
	pending  []models.Envelope
	cursor   int
	fail     bool
	listErr  error
	calls    int
	sinceLog []string
}

func (b *fakeBackend) ListAlerts(context.Context) ([]models.Alert, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, "", b.listErr
	}
	return b.alerts, strconv.Itoa(b.cursor), nil
}

func (b *fakeBackend) Changes(_ context.Context, since string) (remote.Changes, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.sinceLog = append(b.sinceLog, since)
	if b.fail {
		return remote.Changes{}, remote.ErrNetwork
	}
	out := remote.Changes{Changes: b.pending}
	b.cursor += len(b.pending)
	b.pending = nil
	out.Cursor = strconv.Itoa(b.cursor)
	return out, nil
}

func (b *fakeBackend) push(env models.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, env)
}

func (b *fakeBackend) setFail(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = v
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// tick advances one interval and waits for the poll it triggers to finish.
func tick(t *testing.T, clk *clock.FakeClock, b *fakeBackend, interval time.Duration) {
	t.Helper()
	before := b.callCount()
	clk.Advance(interval)
	require.Eventually(t, func() bool { return b.callCount() > before }, 2*time.Second, time.Millisecond)
}

func TestPolling_SnapshotThenChanges(t *testing.T) {
	clk := clock.Fake(time.Now())
	b := &fakeBackend{alerts: []models.Alert{{ID: "a1"}, {ID: "a2"}}, cursor: 5}
	var got collector

	p := NewPolling(PollingConfig{Backend: b, Interval: 15 * time.Second, Clock: clk})
	p.OnMessage(got.add)
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()

	assert.Len(t, got.all(), 2)
	clk.WaitForTimers(1)

	env, _ := models.NewEnvelope(models.MessageAlertUpdate, models.Alert{ID: "a3"}, time.Now())
	b.push(env)
	b.push(models.Envelope{Type: models.MessageHeartbeat})
	tick(t, clk, b, 15*time.Second)

	require.Eventually(t, func() bool { return len(got.all()) == 3 }, time.Second, time.Millisecond)
	a3, err := got.all()[2].DecodeAlert()
	require.NoError(t, err)
	assert.Equal(t, "a3", a3.ID)

	tick(t, clk, b, 15*time.Second)
	b.mu.Lock()
	assert.Equal(t, []string{"5", "7"}, b.sinceLog)
	b.mu.Unlock()
}

func TestPolling_RetriesResetOnSuccess(t *testing.T) {
	clk := clock.Fake(time.Now())
	b := &fakeBackend{fail: true}

	p := NewPolling(PollingConfig{Backend: b, Interval: time.Second, MaxRetries: 3, Clock: clk})
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()
	clk.WaitForTimers(1)

	tick(t, clk, b, time.Second)
	tick(t, clk, b, time.Second)
	require.Eventually(t, func() bool { return p.RetryCount() == 2 }, time.Second, time.Millisecond)

	b.setFail(false)
	tick(t, clk, b, time.Second)
	require.Eventually(t, func() bool { return p.RetryCount() == 0 }, time.Second, time.Millisecond)

	select {
	case <-p.Done():
		t.Fatal("session ended despite recovery")
	default:
	}
}

func TestPolling_ExhaustedRetriesEndSession(t *testing.T) {
	clk := clock.Fake(time.Now())
	b := &fakeBackend{fail: true}

	p := NewPolling(PollingConfig{Backend: b, Interval: time.Second, MaxRetries: 2, Clock: clk})
	require.NoError(t, p.Open(context.Background()))
	defer p.Close()
	clk.WaitForTimers(1)

	for i := 0; i < 3; i++ {
		tick(t, clk, b, time.Second)
	}

	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("polling did not give up")
	}
	assert.ErrorIs(t, p.Err(), ErrPollingExhausted)
}

func TestPolling_OpenFailure(t *testing.T) {
	b := &fakeBackend{listErr: errors.New("down")}
	p := NewPolling(PollingConfig{Backend: b, Clock: clock.Fake(time.Now())})

	require.Error(t, p.Open(context.Background()))
	select {
	case <-p.Done():
	default:
		t.Fatal("failed open should end the session")
	}
	require.NoError(t, p.Close())
}

func TestPolling_SendOnlyAcceptsHeartbeats(t *testing.T) {
	p := NewPolling(PollingConfig{Backend: &fakeBackend{}})
	assert.NoError(t, p.Send(context.Background(), models.Envelope{Type: models.MessageHeartbeat}))
	assert.ErrorIs(t, p.Send(context.Background(), models.Envelope{Type: models.MessageLocationUpdate}), ErrSendUnsupported)
	assert.Equal(t, models.TransportPolling, p.Kind())
}
