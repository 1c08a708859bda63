// Package mjpeg serves the live frame as an endless multipart/x-mixed-replace
// stream over plain TCP, one goroutine per connected client.
package mjpeg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/dj-oyu/ipcam-stream/internal/logger"
	"github.com/dj-oyu/ipcam-stream/internal/metrics"
	"github.com/dj-oyu/ipcam-stream/internal/registry"
	"github.com/dj-oyu/ipcam-stream/pkg/types"
)

// FrameReader returns the newest frame without blocking.
type FrameReader interface {
	Load() (*types.Frame, bool)
}

// ClientListener receives one ClientConnected and one ClientDisconnected
// call per stream connection, in that order.
type ClientListener interface {
	ClientConnected()
	ClientDisconnected()
}

// Config tunes the per-client workers.
type Config struct {
	FrameInterval time.Duration // pause after each frame sent
	RetryDelay    time.Duration // pause while no frame is available
	WriteTimeout  time.Duration // deadline for a single write
	// RequestTimeout bounds the wait for the client's request head. A client
	// that sends nothing in time is streamed to anyway.
	RequestTimeout time.Duration
	MaxClients     int // 0 = unlimited
}

// DefaultConfig returns the stock pacing: at most 10 frames per second per client.
func DefaultConfig() Config {
	return Config{
		FrameInterval:  100 * time.Millisecond,
		RetryDelay:     50 * time.Millisecond,
		WriteTimeout:   5 * time.Second,
		RequestTimeout: 2 * time.Second,
	}
}

// session is one Start..Shutdown span of the listener.
type session struct {
	ln   net.Listener
	addr string
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *session) stop() {
	s.once.Do(func() {
		close(s.done)
		_ = s.ln.Close()
	})
}

func (s *session) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Server is the streaming server. It is safe for concurrent use.
type Server struct {
	cfg      Config
	frames   FrameReader
	events   ClientListener
	registry *registry.Registry
	metrics  *metrics.Metrics
	log      logger.Module

	// OnListenerError is called from the accept goroutine after a fatal
	// listener failure. Set it before Start.
	OnListenerError func(error)

	mu      sync.Mutex
	current *session
	failed  *session
	errs    chan error
}

// NewServer creates a stopped server. events and m may be nil.
func NewServer(cfg Config, frames FrameReader, events ClientListener, m *metrics.Metrics) *Server {
	def := DefaultConfig()
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = def.FrameInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if m == nil {
		m = metrics.New()
	}
	return &Server{
		cfg:      cfg,
		frames:   frames,
		events:   events,
		registry: registry.New(),
		metrics:  m,
		log:      logger.For("Stream"),
		errs:     make(chan error, 1),
	}
}

// Start listens on the given TCP port (0 picks a free port) and returns once
// the socket is open. Connections are accepted on a background goroutine.
func (s *Server) Start(port int) error {
	return s.Listen(fmt.Sprintf(":%d", port))
}

// Listen is Start with an explicit listen address.
func (s *Server) Listen(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return ErrAlreadyListening
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	s.serveLocked(ln)
	return nil
}

// Serve accepts stream clients on ln, which the server now owns and closes
// on Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return ErrAlreadyListening
	}
	s.serveLocked(ln)
	return nil
}

func (s *Server) serveLocked(ln net.Listener) {
	sess := &session{
		ln:   ln,
		addr: ln.Addr().String(),
		done: make(chan struct{}),
	}
	s.current = sess
	s.metrics.SetListening(true)

	sess.wg.Add(1)
	go s.acceptLoop(sess)

	s.log.Info("Listening on %s", sess.addr)
}

// Addr returns the bound address, or "" when stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.addr
}

// Listening reports whether the accept loop is running.
func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// ClientCount returns the number of connections currently tracked.
func (s *Server) ClientCount() int {
	return s.registry.Len()
}

// Clients returns a snapshot of the connected clients.
func (s *Server) Clients() []registry.Info {
	return s.registry.Snapshot()
}

// Errors delivers fatal listener errors. Only the most recent undelivered
// error is kept.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Shutdown stops accepting, closes the listener and every client connection,
// and waits for the accept loop and all workers to exit. Calling it on a
// stopped server is a no-op.
func (s *Server) Shutdown() {
	s.mu.Lock()
	sess := s.current
	failed := s.failed
	s.current = nil
	s.failed = nil
	s.mu.Unlock()

	if failed != nil {
		failed.wg.Wait()
	}
	if sess == nil {
		return
	}

	s.log.Info("Shutting down %s", sess.addr)
	sess.stop()
	closed := s.registry.CloseAll()
	sess.wg.Wait()
	s.metrics.SetListening(false)
	s.log.Info("Stopped (%d client(s) closed)", closed)
}

func (s *Server) acceptLoop(sess *session) {
	defer sess.wg.Done()

	var backoff time.Duration
	for {
		conn, err := sess.ln.Accept()
		if err != nil {
			if sess.stopped() {
				return
			}
			if isTemporary(err) {
				s.metrics.AcceptErrors.Add(1)
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else {
					backoff *= 2
				}
				if backoff > time.Second {
					backoff = time.Second
				}
				s.log.Warn("Accept error: %v; retrying in %v", err, backoff)
				if !sleep(sess.done, backoff) {
					return
				}
				continue
			}
			s.listenerFailed(sess, &ListenerError{Addr: sess.addr, Err: err})
			return
		}
		backoff = 0

		if sess.stopped() {
			_ = conn.Close()
			return
		}

		if s.cfg.MaxClients > 0 && s.registry.Len() >= s.cfg.MaxClients {
			s.metrics.RejectedClients.Add(1)
			s.log.Warn("Rejecting %s: %d client limit reached", conn.RemoteAddr(), s.cfg.MaxClients)
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_, _ = io.WriteString(conn, busyResponse)
			_ = conn.Close()
			continue
		}

		client := s.registry.Add(conn)
		sess.wg.Add(1)
		go s.serve(sess, client)
	}
}

func (s *Server) listenerFailed(sess *session, err *ListenerError) {
	s.log.Error("%v", err)

	sess.stop()
	s.registry.CloseAll()

	s.mu.Lock()
	if s.current == sess {
		s.current = nil
		s.failed = sess
	}
	s.mu.Unlock()
	s.metrics.SetListening(false)

	// The hook may call Shutdown, which waits for the accept loop, so it
	// runs on its own goroutine. The error is published after the hook
	// returns, so a restart made in response to it is never undone by the hook.
	go func() {
		if s.OnListenerError != nil {
			s.OnListenerError(err)
		}
		s.publishError(err)
	}()
}

func (s *Server) publishError(err error) {
	select {
	case s.errs <- err:
	default:
		// Replace a stale undelivered error with the newest one.
		select {
		case <-s.errs:
		default:
		}
		select {
		case s.errs <- err:
		default:
		}
	}
}

// serve runs one client's stream until it ends for any reason.
func (s *Server) serve(sess *session, c *registry.Client) {
	defer sess.wg.Done()

	s.metrics.ClientConnected()
	if s.events != nil {
		s.events.ClientConnected()
	}
	s.log.Debug("Client %s connected from %s (clients: %d)", c.ID(), c.RemoteAddr(), s.registry.Len())

	defer func() {
		_ = c.Close()
		if !s.registry.Remove(c) {
			return
		}
		s.metrics.ClientDisconnected()
		if s.events != nil {
			s.events.ClientDisconnected()
		}
		info := c.Info()
		s.log.Debug("Client %s disconnected (frames: %d, bytes: %d, clients: %d)",
			c.ID(), info.FramesSent, info.BytesSent, s.registry.Len())
	}()

	// Answering before the request is fully read makes HTTP clients treat
	// the response as unsolicited.
	br := bufio.NewReader(c.Conn())
	if err := s.readRequest(c, br); err != nil {
		s.log.Debug("%v", err)
		return
	}

	// Anything else the client sends is discarded. A read error or EOF means
	// the peer went away.
	sess.wg.Add(1)
	go func() {
		defer sess.wg.Done()
		_, _ = io.Copy(io.Discard, br)
		_ = c.Close()
	}()

	if err := s.stream(sess, c); err != nil {
		var ioErr *ClientIOError
		if errors.As(err, &ioErr) && c.Alive() && !sess.stopped() {
			s.metrics.ClientIOErrors.Add(1)
		}
		s.log.Debug("%v", err)
	}
}

func (s *Server) stream(sess *session, c *registry.Client) error {
	conn := c.Conn()

	if err := s.write(c, func() error {
		_, err := io.WriteString(conn, StreamHeader)
		return err
	}); err != nil {
		return &ClientIOError{ClientID: c.ID(), Op: "write header", Err: err}
	}

	for c.Alive() && !sess.stopped() {
		frame, ok := s.frames.Load()
		if !ok {
			if !sleep(sess.done, s.cfg.RetryDelay) {
				return nil
			}
			continue
		}

		if err := s.write(c, func() error {
			_, err := writePart(conn, frame.Data)
			return err
		}); err != nil {
			return &ClientIOError{ClientID: c.ID(), Op: "write frame", Err: err}
		}
		c.RecordFrame(len(frame.Data))
		s.metrics.FrameSent(len(frame.Data))

		if !sleep(sess.done, s.cfg.FrameInterval) {
			return nil
		}
	}
	return nil
}

// readRequest consumes the request line and headers up to the blank line.
// Their content is ignored. Hitting RequestTimeout is not an error.
func (s *Server) readRequest(c *registry.Client, br *bufio.Reader) error {
	conn := c.Conn()
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout)); err != nil {
		return &ClientIOError{ClientID: c.ID(), Op: "read request", Err: err}
	}
	for i := 0; i < maxRequestLines; i++ {
		line, err := br.ReadSlice('\n')
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return &ClientIOError{ClientID: c.ID(), Op: "read request", Err: err}
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			break
		}
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return &ClientIOError{ClientID: c.ID(), Op: "read request", Err: err}
	}
	return nil
}

func (s *Server) write(c *registry.Client, fn func() error) error {
	if err := c.Conn().SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return fn()
}

// sleep waits for d or until done is closed. It returns false if done closed.
func sleep(done <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}

func isTemporary(err error) bool {
	if errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
