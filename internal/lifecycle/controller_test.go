package lifecycle_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dj-oyu/ipcam-stream/internal/lifecycle"
	"github.com/dj-oyu/ipcam-stream/internal/lifecycle/lifecycletest"
	"github.com/dj-oyu/ipcam-stream/internal/metrics"
	"github.com/dj-oyu/ipcam-stream/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const idle = 30 * time.Second

type harness struct {
	ctl     *lifecycle.Controller
	clock   *lifecycletest.ManualClock
	prod    *lifecycletest.Producer
	frames  *lifecycletest.Clearer
	metrics *metrics.Metrics

	mu     sync.Mutex
	events []lifecycle.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   &lifecycletest.ManualClock{},
		prod:    &lifecycletest.Producer{},
		frames:  &lifecycletest.Clearer{},
		metrics: metrics.New(),
	}
	h.ctl = lifecycle.New(
		lifecycle.Config{IdleTimeout: idle, RestartPause: time.Millisecond},
		h.prod,
		lifecycle.Options{
			Clock:   h.clock,
			Frames:  h.frames,
			Metrics: h.metrics,
			Notify: func(ev lifecycle.Event) {
				h.mu.Lock()
				h.events = append(h.events, ev)
				h.mu.Unlock()
			},
		},
	)
	t.Cleanup(h.ctl.Close)
	return h
}

func (h *harness) connect()    { h.ctl.ClientConnected(); h.ctl.Flush() }
func (h *harness) disconnect() { h.ctl.ClientDisconnected(); h.ctl.Flush() }

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.ctl.Flush()
}

func (h *harness) eventTypes() []lifecycle.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]lifecycle.EventType, 0, len(h.events))
	for _, ev := range h.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestFirstConnectStartsProducerOnce(t *testing.T) {
	h := newHarness(t)

	h.connect()
	assert.Equal(t, 1, h.prod.Count("start"))
	assert.Equal(t, lifecycle.Active, h.ctl.State())
	assert.True(t, h.ctl.ProducerActive())

	h.connect()
	h.connect()
	assert.Equal(t, 1, h.prod.Count("start"), "only the 0->1 transition starts the producer")
	assert.Equal(t, 3, h.ctl.ClientCount())
}

func TestConcurrentConnectsStartOnce(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ctl.ClientConnected()
		}()
	}
	wg.Wait()
	h.ctl.Flush()

	assert.Equal(t, 50, h.ctl.ClientCount())
	assert.Equal(t, 1, h.prod.Count("start"))
}

func TestIdleTimeoutStopsProducer(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.disconnect()

	st := h.ctl.Status()
	assert.True(t, st.IdlePending)
	assert.Equal(t, 0, h.prod.Count("stop"))

	h.advance(idle - time.Second)
	assert.Equal(t, 0, h.prod.Count("stop"), "stop must wait for the full idle delay")

	h.advance(time.Second)
	assert.Equal(t, 1, h.prod.Count("stop"))
	assert.Equal(t, lifecycle.Idle, h.ctl.State())
	assert.False(t, h.ctl.ProducerActive())
	assert.False(t, h.ctl.Status().IdlePending)
	assert.Equal(t, 1, h.frames.Count(), "cached frame is dropped on stop")

	h.advance(idle)
	assert.Equal(t, 1, h.prod.Count("stop"))
}

func TestReconnectBeforeIdleDelayCancelsStop(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.disconnect()

	h.advance(idle / 2)
	h.connect()
	assert.False(t, h.ctl.Status().IdlePending)
	assert.Equal(t, 0, h.clock.Pending())

	h.advance(idle * 2)
	assert.Equal(t, 0, h.prod.Count("stop"))
	assert.Equal(t, 1, h.prod.Count("start"), "producer was still running, no second start")
	assert.True(t, h.ctl.ProducerActive())
}

func TestRearmedIdleTimerUsesLatestDisconnect(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.disconnect()
	h.advance(idle - time.Second)

	h.connect()
	h.disconnect()
	h.advance(2 * time.Second)
	assert.Equal(t, 0, h.prod.Count("stop"), "first timer was cancelled by the reconnect")

	h.advance(idle)
	assert.Equal(t, 1, h.prod.Count("stop"))
}

func TestServerStoppedStopsWithClientsConnected(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.connect()

	h.ctl.ServerStopped()
	assert.Equal(t, 1, h.prod.Count("stop"))
	assert.Equal(t, lifecycle.Idle, h.ctl.State())
}

func TestServerStoppedStopsWithoutPendingTimer(t *testing.T) {
	h := newHarness(t)

	h.ctl.ServerStopped()
	assert.Equal(t, 1, h.prod.Count("stop"), "stop is requested even if nothing is running")
	assert.Equal(t, uint64(0), h.ctl.Status().Stops)
}

func TestServerStoppedCancelsIdleTimer(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.disconnect()

	h.ctl.ServerStopped()
	assert.Equal(t, 1, h.prod.Count("stop"))
	assert.False(t, h.ctl.Status().IdlePending)

	h.advance(idle)
	assert.Equal(t, 1, h.prod.Count("stop"), "cancelled timer must not stop again")
}

func TestDeviceChangeWhileActiveRestarts(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.prod.Reset()

	h.ctl.SetDevice(types.DeviceFront)
	h.ctl.Flush()

	assert.Equal(t, []lifecycletest.Call{
		{Op: "stop", Device: types.DeviceBack},
		{Op: "start", Device: types.DeviceFront},
	}, h.prod.Calls())
	running, dev := h.prod.Running()
	assert.True(t, running)
	assert.Equal(t, types.DeviceFront, dev)
	assert.Equal(t, uint64(1), h.metrics.DeviceSwitches.Load())
}

func TestDeviceChangeWhileIdleOnlyRecordsPreference(t *testing.T) {
	h := newHarness(t)

	h.ctl.SetDevice(types.DeviceFront)
	h.ctl.Flush()
	assert.Empty(t, h.prod.Calls())
	assert.Equal(t, types.DeviceFront, h.ctl.Device())

	h.connect()
	assert.Equal(t, []lifecycletest.Call{{Op: "start", Device: types.DeviceFront}}, h.prod.Calls())
}

func TestDeviceChangeToSameDeviceIsNoop(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.prod.Reset()

	h.ctl.SetDevice(types.DeviceBack)
	h.ctl.Flush()
	assert.Empty(t, h.prod.Calls())
}

func TestStartFailureLeavesIdleAndAllowsRetry(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("camera busy")
	h.prod.FailNextStart(boom)

	h.connect()
	assert.Equal(t, lifecycle.Idle, h.ctl.State())
	assert.False(t, h.ctl.ProducerActive())
	st := h.ctl.Status()
	assert.Equal(t, uint64(1), st.StartFailures)
	assert.Equal(t, 1, h.prod.Count("stop"), "failed start is still cleaned up")
	assert.Contains(t, h.eventTypes(), lifecycle.EventProducerFailed)

	h.disconnect()
	h.advance(idle)
	h.connect()
	assert.Equal(t, 2, h.prod.Count("start"))
	assert.True(t, h.ctl.ProducerActive())
}

func TestProducerStartErrorUnwraps(t *testing.T) {
	boom := errors.New("boom")
	err := error(&lifecycle.ProducerStartError{Device: types.DeviceFront, Err: boom})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "front")
}

func TestExtraDisconnectIsClamped(t *testing.T) {
	h := newHarness(t)
	h.disconnect()
	assert.Equal(t, 0, h.ctl.ClientCount())
	assert.False(t, h.ctl.Status().IdlePending)

	h.connect()
	assert.Equal(t, 1, h.ctl.ClientCount())
	assert.Equal(t, 1, h.prod.Count("start"))
}

func TestTwoClientScenario(t *testing.T) {
	h := newHarness(t)

	// A connects.
	h.connect()
	require.Equal(t, 1, h.prod.Count("start"))
	require.Equal(t, 1, h.ctl.ClientCount())

	// B connects.
	h.connect()
	require.Equal(t, 1, h.prod.Count("start"))
	require.Equal(t, 2, h.ctl.ClientCount())

	// A leaves.
	h.disconnect()
	require.Equal(t, 1, h.ctl.ClientCount())
	require.False(t, h.ctl.Status().IdlePending)

	// B leaves.
	h.disconnect()
	require.True(t, h.ctl.Status().IdlePending)

	h.advance(idle + time.Millisecond)
	require.Equal(t, 1, h.prod.Count("stop"))
	assert.Equal(t, []lifecycle.EventType{
		lifecycle.EventClientConnected,
		lifecycle.EventProducerStarted,
		lifecycle.EventClientConnected,
		lifecycle.EventClientDisconnected,
		lifecycle.EventClientDisconnected,
		lifecycle.EventIdleScheduled,
		lifecycle.EventProducerStopped,
	}, h.eventTypes())
}

func TestCloseStopsRunningProducer(t *testing.T) {
	h := newHarness(t)
	h.connect()

	h.ctl.Close()
	assert.Equal(t, 1, h.prod.Count("stop"))

	// Events after close are ignored.
	h.ctl.ClientDisconnected()
	h.ctl.ClientConnected()
	assert.Equal(t, 1, h.prod.Count("start"))
}

func TestMetricsTrackIdleTimers(t *testing.T) {
	h := newHarness(t)
	h.connect()
	h.disconnect()
	h.connect()
	h.disconnect()
	h.advance(idle)

	assert.Equal(t, uint64(2), h.metrics.IdleTimersScheduled.Load())
	assert.Equal(t, uint64(1), h.metrics.IdleTimersCancelled.Load())
	assert.Equal(t, uint64(1), h.metrics.IdleTimersFired.Load())
	assert.Equal(t, uint64(1), h.metrics.ProducerStarts.Load())
	assert.Equal(t, uint64(1), h.metrics.ProducerStops.Load())
}
