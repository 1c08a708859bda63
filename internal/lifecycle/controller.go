// Package lifecycle decides when the frame source runs. Client connects and
// disconnects, server stops and device changes are turned into producer
// start/stop calls that execute one at a time on a dedicated goroutine.
package lifecycle

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/ipcam-stream/internal/logger"
	"github.com/dj-oyu/ipcam-stream/internal/metrics"
	"github.com/dj-oyu/ipcam-stream/pkg/types"
)

// Producer is the frame source as seen by the controller. Start and Stop are
// only ever called from the controller's worker goroutine.
type Producer interface {
	Start(device types.Device) error
	Stop() error
}

// FrameClearer drops the cached frame when the producer stops.
type FrameClearer interface {
	Clear()
}

// State is the producer lifecycle state.
type State int32

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// ProducerStartError wraps a failed producer start.
type ProducerStartError struct {
	Device types.Device
	Err    error
}

func (e *ProducerStartError) Error() string {
	return fmt.Sprintf("start producer (%s): %v", e.Device, e.Err)
}

func (e *ProducerStartError) Unwrap() error { return e.Err }

// Config holds the controller timings.
type Config struct {
	IdleTimeout   time.Duration // delay between last disconnect and producer stop
	RestartPause  time.Duration // pause between stop and start on a device change
	InitialDevice types.Device
}

// DefaultConfig returns a 30s idle timeout and a 200ms restart pause.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:  30 * time.Second,
		RestartPause: 200 * time.Millisecond,
	}
}

// Options carries the optional collaborators.
type Options struct {
	Clock   Clock            // defaults to RealClock
	Frames  FrameClearer     // cleared on every producer stop
	Metrics *metrics.Metrics // may be nil
	Notify  func(Event)      // called synchronously; must not block
}

// Controller is the lifecycle state machine. It implements the stream
// server's ClientListener.
type Controller struct {
	cfg      Config
	producer Producer
	frames   FrameClearer
	clock    Clock
	metrics  *metrics.Metrics
	notify   func(Event)
	log      logger.Module

	clients atomic.Int64
	state   atomic.Int32

	mu        sync.Mutex // guards the fields below
	device    types.Device
	idle      Timer
	idleGen   uint64
	closed    bool
	closeOnce sync.Once

	queue *serialQueue

	// Owned by the queue goroutine.
	running       bool
	runningDevice types.Device

	producerActive atomic.Bool
	starts         atomic.Uint64
	stops          atomic.Uint64
	startFailures  atomic.Uint64
}

// New creates a controller and its worker goroutine. Call Close to release it.
func New(cfg Config, producer Producer, opts Options) *Controller {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.RestartPause < 0 {
		cfg.RestartPause = 0
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Controller{
		cfg:      cfg,
		producer: producer,
		frames:   opts.Frames,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		notify:   opts.Notify,
		log:      logger.For("Lifecycle"),
		device:   cfg.InitialDevice,
		queue:    newSerialQueue(),
	}
}

// ClientConnected handles a new stream client. The first client cancels any
// pending idle shutdown and requests a producer start.
func (c *Controller) ClientConnected() {
	prev := c.clients.Add(1) - 1
	c.log.Info("Client connected -> count now %d", prev+1)
	c.emit(Event{Type: EventClientConnected, Clients: int(prev + 1)})
	if prev != 0 {
		return
	}

	// Cancel and enqueue under mu so a concurrently firing idle timer cannot
	// slip its stop in after this start.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.cancelIdleLocked()
	c.state.Store(int32(Active))
	c.queue.submit(func() { c.startProducer("client connected") })
}

// ClientDisconnected handles a departing client. The last one arms the idle timer.
func (c *Controller) ClientDisconnected() {
	var now int64
	for {
		cur := c.clients.Load()
		if cur <= 0 {
			// Every connection reports exactly one disconnect, so this is a bug
			// upstream; keep the count at zero rather than going negative.
			c.log.Warn("Client disconnected with count already %d; ignoring", cur)
			return
		}
		if c.clients.CompareAndSwap(cur, cur-1) {
			now = cur - 1
			break
		}
	}
	c.log.Info("Client disconnected -> count now %d", now)
	c.emit(Event{Type: EventClientDisconnected, Clients: int(now)})
	if now == 0 {
		c.scheduleIdle()
	}
}

func (c *Controller) scheduleIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	// A client that connected since the count hit zero has already run its
	// cancel; arming now would leave a timer pending under it.
	if c.closed || c.clients.Load() > 0 {
		return
	}
	c.cancelIdleLocked()
	c.idleGen++
	gen := c.idleGen
	c.idle = c.clock.AfterFunc(c.cfg.IdleTimeout, func() { c.idleFired(gen) })
	c.metrics.IdleTimersScheduled.Add(1)
	c.log.Info("No clients; stopping producer in %v unless a client connects", c.cfg.IdleTimeout)
	c.emit(Event{Type: EventIdleScheduled})
}

// cancelIdleLocked disarms the pending idle timer, if any. Bumping idleGen
// makes a callback that is already running see itself as stale.
func (c *Controller) cancelIdleLocked() {
	if c.idle == nil {
		return
	}
	c.idle.Stop()
	c.idle = nil
	c.idleGen++
	c.metrics.IdleTimersCancelled.Add(1)
	c.log.Debug("Idle shutdown cancelled")
}

func (c *Controller) idleFired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.idleGen || c.idle == nil {
		return
	}
	c.idle = nil
	if n := c.clients.Load(); n > 0 {
		c.log.Info("Idle shutdown skipped: %d client(s) reconnected", n)
		return
	}
	c.metrics.IdleTimersFired.Add(1)
	c.log.Info("Idle timeout reached, stopping producer")
	c.queue.submit(func() {
		// A client may have arrived after the timer fired; its start is
		// queued behind us, but there is no point stopping in between.
		if c.clients.Load() > 0 {
			return
		}
		c.stopProducer("idle timeout", false)
	})
}

// ServerStopped cancels any pending idle timer and stops the producer
// immediately. It returns after the stop has run, so a later server start
// cannot race with it.
func (c *Controller) ServerStopped() {
	c.mu.Lock()
	c.cancelIdleLocked()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.queue.submitWait(func() { c.stopProducer("server stopped", true) })
}

// SetDevice records the device preference. If the producer is running on a
// different device it is restarted on the new one.
func (c *Controller) SetDevice(d types.Device) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := c.device != d
	c.device = d
	c.mu.Unlock()

	if !changed {
		return
	}
	c.log.Info("Device preference set to %s", d)
	c.emit(Event{Type: EventDeviceChanged, Device: d.String()})
	c.queue.submit(func() { c.restartProducer(d) })
}

// Device returns the current device preference.
func (c *Controller) Device() types.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device
}

// Flush blocks until every producer operation requested so far has run.
func (c *Controller) Flush() {
	c.queue.submitWait(func() {})
}

// Close stops the producer and the worker goroutine. Further events are ignored.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cancelIdleLocked()
		c.mu.Unlock()

		c.queue.submitWait(func() { c.stopProducer("shutdown", false) })

		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.queue.close()
	})
}

// Worker-side operations. Only the queue goroutine calls these.

func (c *Controller) startProducer(reason string) {
	if c.running {
		return
	}
	dev := c.Device()
	c.log.Info("Starting producer on %s device (%s)", dev, reason)

	if err := c.producer.Start(dev); err != nil {
		perr := &ProducerStartError{Device: dev, Err: err}
		c.startFailures.Add(1)
		c.metrics.ProducerStartFailures.Add(1)
		c.log.Error("%v", perr)
		c.release()
		c.state.Store(int32(Idle))
		c.emit(Event{Type: EventProducerFailed, Device: dev.String(), Error: perr.Error()})
		return
	}

	c.running = true
	c.runningDevice = dev
	c.producerActive.Store(true)
	c.state.Store(int32(Active))
	c.starts.Add(1)
	c.metrics.ProducerStarts.Add(1)
	c.metrics.SetProducerActive(true)
	c.emit(Event{Type: EventProducerStarted, Device: dev.String()})
}

// stopProducer releases a running producer. With force set the producer's
// Stop is called even if it is not known to be running.
func (c *Controller) stopProducer(reason string, force bool) {
	c.state.Store(int32(Idle))
	wasRunning := c.running
	if !wasRunning && !force {
		return
	}
	c.log.Info("Stopping producer (%s)", reason)
	c.release()
	if !wasRunning {
		return
	}
	c.stops.Add(1)
	c.metrics.ProducerStops.Add(1)
	c.emit(Event{Type: EventProducerStopped, Device: c.runningDevice.String()})
}

// release is the single cleanup path for a start attempt, successful or not.
func (c *Controller) release() {
	if err := c.producer.Stop(); err != nil {
		c.log.Warn("Producer stop: %v", err)
	}
	if c.frames != nil {
		c.frames.Clear()
	}
	c.running = false
	c.producerActive.Store(false)
	c.metrics.SetProducerActive(false)
}

func (c *Controller) restartProducer(d types.Device) {
	if !c.running || c.runningDevice == d {
		return
	}
	c.metrics.DeviceSwitches.Add(1)
	c.stopProducer("device change", false)
	if c.cfg.RestartPause > 0 {
		time.Sleep(c.cfg.RestartPause)
	}
	c.startProducer("device change")
}

// Status is a snapshot of the controller.
type Status struct {
	State          string `json:"state"`
	Clients        int    `json:"clients"`
	ProducerActive bool   `json:"producer_active"`
	Device         string `json:"device"`
	IdlePending    bool   `json:"idle_pending"`
	Starts         uint64 `json:"producer_starts"`
	Stops          uint64 `json:"producer_stops"`
	StartFailures  uint64 `json:"producer_start_failures"`
}

// Status returns the current state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	device := c.device
	pending := c.idle != nil
	c.mu.Unlock()

	return Status{
		State:          State(c.state.Load()).String(),
		Clients:        int(c.clients.Load()),
		ProducerActive: c.producerActive.Load(),
		Device:         device.String(),
		IdlePending:    pending,
		Starts:         c.starts.Load(),
		Stops:          c.stops.Load(),
		StartFailures:  c.startFailures.Load(),
	}
}

// ClientCount returns the number of connected clients.
func (c *Controller) ClientCount() int {
	return int(c.clients.Load())
}

// ProducerActive reports whether the producer is running.
func (c *Controller) ProducerActive() bool {
	return c.producerActive.Load()
}

// State returns Idle or Active.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) emit(ev Event) {
	if c.notify == nil {
		return
	}
	ev.Time = time.Now()
	c.notify(ev)
}
