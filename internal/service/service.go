// Package service wires the frame cache, stream server, lifecycle controller
// and frame source together and exposes the control commands.
package service

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dj-oyu/ipcam-stream/internal/config"
	"github.com/dj-oyu/ipcam-stream/internal/framecache"
	"github.com/dj-oyu/ipcam-stream/internal/lifecycle"
	"github.com/dj-oyu/ipcam-stream/internal/logger"
	"github.com/dj-oyu/ipcam-stream/internal/metrics"
	"github.com/dj-oyu/ipcam-stream/internal/mjpeg"
	"github.com/dj-oyu/ipcam-stream/internal/registry"
	"github.com/dj-oyu/ipcam-stream/internal/source"
	"github.com/dj-oyu/ipcam-stream/pkg/types"
)

// ErrClosed is returned by commands issued after Close.
var ErrClosed = errors.New("service closed")

// Options carries optional collaborators. Zero values are replaced with
// production defaults.
type Options struct {
	Metrics  *metrics.Metrics
	Clock    lifecycle.Clock
	Producer lifecycle.Producer // overrides the producer built from the source
}

// Service owns one stream server and the producer lifecycle behind it.
type Service struct {
	cfg        config.Config
	metrics    *metrics.Metrics
	cache      *framecache.Cache
	server     *mjpeg.Server
	controller *lifecycle.Controller
	hub        *eventHub
	sourceName string
	log        logger.Module

	opMu   sync.Mutex // serialises start/stop/close
	closed bool
}

// New builds a stopped service. src may be nil when opts.Producer is set.
func New(cfg config.Config, src source.FrameSource, opts Options) *Service {
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}

	s := &Service{
		cfg:     cfg,
		metrics: opts.Metrics,
		cache:   framecache.New(opts.Metrics),
		hub:     newEventHub(),
		log:     logger.For("Service"),
	}

	producer := opts.Producer
	if producer == nil {
		p := source.NewProducer(src, s.cache)
		s.sourceName = p.Name()
		producer = p
	}

	s.controller = lifecycle.New(cfg.LifecycleConfig(), producer, lifecycle.Options{
		Clock:   opts.Clock,
		Frames:  s.cache,
		Metrics: opts.Metrics,
		Notify:  s.hub.publish,
	})
	s.server = mjpeg.NewServer(cfg.StreamConfig(), s.cache, s.controller, opts.Metrics)
	s.server.OnListenerError = s.listenerFailed
	return s
}

// StartServer opens the stream listener on port (0 picks a free port).
func (s *Service) StartServer(port int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.server.Start(port); err != nil {
		s.log.Error("Start failed: %v", err)
		return err
	}
	addr := s.server.Addr()
	s.log.Info("Stream server running on %s", addr)
	s.emit(lifecycle.Event{Type: lifecycle.EventServerStarted, Addr: addr})
	return nil
}

// StopServer closes the listener and every client, then stops the producer.
// The producer is stopped even if the server was not listening, in which
// case ErrNotListening is returned.
func (s *Service) StopServer() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked()
}

func (s *Service) stopLocked() error {
	wasListening := s.server.Listening()
	s.server.Shutdown()
	s.controller.ServerStopped()
	if !wasListening {
		return mjpeg.ErrNotListening
	}
	s.log.Info("Stream server stopped")
	s.emit(lifecycle.Event{Type: lifecycle.EventServerStopped})
	return nil
}

func (s *Service) listenerFailed(err error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.closed {
		return
	}
	// A StartServer that got in first owns the listener and the producer now.
	if s.server.Listening() {
		s.log.Warn("Stream server failed (%v); already restarted on %s", err, s.server.Addr())
		return
	}
	s.log.Error("Stream server failed: %v", err)
	s.server.Shutdown()
	s.controller.ServerStopped()
	s.emit(lifecycle.Event{Type: lifecycle.EventServerFailed, Error: err.Error()})
}

// SetDevice changes the device preference.
func (s *Service) SetDevice(d types.Device) error {
	s.opMu.Lock()
	closed := s.closed
	s.opMu.Unlock()
	if closed {
		return ErrClosed
	}
	s.controller.SetDevice(d)
	return nil
}

// Device returns the device preference.
func (s *Service) Device() types.Device {
	return s.controller.Device()
}

// Publish hands an encoded frame to the stream clients. It is the sink for
// producers that live outside this process's sources.
func (s *Service) Publish(jpeg []byte) {
	s.cache.Publish(jpeg)
}

// IsListening reports whether the stream server accepts connections.
func (s *Service) IsListening() bool {
	return s.server.Listening()
}

// IsProducerActive reports whether the frame source is running.
func (s *Service) IsProducerActive() bool {
	return s.controller.ProducerActive()
}

// Addr returns the stream listener address, or "" when stopped.
func (s *Service) Addr() string {
	return s.server.Addr()
}

// Metrics returns the metrics shared by every component.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Subscribe returns a feed of lifecycle events and a function that ends it.
func (s *Service) Subscribe() (<-chan lifecycle.Event, func()) {
	id, ch := s.hub.subscribe()
	return ch, func() { s.hub.unsubscribe(id) }
}

// Flush waits until every producer start/stop requested so far has run.
func (s *Service) Flush() {
	s.controller.Flush()
}

// Status is the combined state of the server, controller and cache.
type Status struct {
	Listening bool             `json:"listening"`
	Addr      string           `json:"addr,omitempty"`
	Port      int              `json:"port,omitempty"`
	Source    string           `json:"source,omitempty"`
	Lifecycle lifecycle.Status `json:"lifecycle"`
	Cache     framecache.Stats `json:"cache"`
	Clients   []registry.Info  `json:"clients"`
}

// Status returns a snapshot of the service.
func (s *Service) Status() Status {
	addr := s.server.Addr()
	st := Status{
		Listening: addr != "",
		Addr:      addr,
		Source:    s.sourceName,
		Lifecycle: s.controller.Status(),
		Cache:     s.cache.Stats(),
		Clients:   s.server.Clients(),
	}
	if _, p, err := net.SplitHostPort(addr); err == nil {
		st.Port, _ = strconv.Atoi(p)
	}
	return st
}

// Close stops the server and producer and ends all event subscriptions.
func (s *Service) Close() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	_ = s.stopLocked()
	s.controller.Close()
	s.hub.close()
}

func (s *Service) emit(ev lifecycle.Event) {
	ev.Time = time.Now()
	s.hub.publish(ev)
}
