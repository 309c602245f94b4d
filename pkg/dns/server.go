package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"conditional-dns/pkg/config"
	"conditional-dns/pkg/logging"
)

// tcpIOTimeout bounds the single read and write on a TCP connection
const tcpIOTimeout = 5 * time.Second

// DefaultDrainTimeout bounds the wait for in-flight requests when the server
// stops on its own, after its context is canceled or a listener fails.
const DefaultDrainTimeout = 5 * time.Second

// State is the lifecycle state of a Server
type State int

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// udpBufPool holds read buffers sized for the largest datagram
var udpBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, MaxUDPSize)
		return &b
	},
}

// Server is the DNS server. Each enabled transport gets one accept loop and
// every request is handled in its own goroutine.
type Server struct {
	cfg         *config.ServerConfig
	handler     *Handler
	logger      *logging.Logger
	udpConn     net.PacketConn
	tcpListener net.Listener
	done        chan struct{}
	loops       sync.WaitGroup
	inflight    sync.WaitGroup
	state       State
	mu          sync.RWMutex

	// DrainTimeout overrides DefaultDrainTimeout when positive
	DrainTimeout time.Duration
}

// NewServer creates a new DNS server
func NewServer(cfg *config.ServerConfig, handler *Handler, logger *logging.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
}

// Start binds every enabled transport and serves until ctx is canceled,
// Shutdown is called, or a listener fails. A bind failure is returned before
// any request is served.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return ErrServerRunning
	}
	if !s.cfg.UDPEnabled && !s.cfg.TCPEnabled {
		s.mu.Unlock()
		return ErrNoTransport
	}

	if err := s.bind(); err != nil {
		s.closeListeners()
		s.mu.Unlock()
		return err
	}

	s.state = StateRunning
	s.done = make(chan struct{})
	done := s.done
	errChan := make(chan error, 2)

	if s.udpConn != nil {
		s.loops.Add(1)
		go s.serveUDP(s.udpConn, errChan)
	}
	if s.tcpListener != nil {
		s.loops.Add(1)
		go s.serveTCP(s.tcpListener, errChan)
	}

	s.logger.Info("DNS server started",
		"address", s.cfg.Addr(),
		"udp", s.cfg.UDPEnabled,
		"tcp", s.cfg.TCPEnabled,
	)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.logger.Info("DNS server shutting down")
		return s.stopAndWait(done)
	case err := <-errChan:
		s.logger.Error("DNS server error", "error", err)
		_ = s.stopAndWait(done)
		return err
	case <-done:
		return nil
	}
}

// stopAndWait stops the server with a bounded drain and returns once the
// server is stopped, whichever caller ends up performing the stop.
func (s *Server) stopAndWait(done <-chan struct{}) error {
	timeout := DefaultDrainTimeout
	if s.DrainTimeout > 0 {
		timeout = s.DrainTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.Shutdown(ctx)
	<-done
	if errors.Is(err, context.DeadlineExceeded) {
		// a concurrent Shutdown owned the stop
		return nil
	}
	return err
}

// bind opens the enabled listeners. Callers hold s.mu.
func (s *Server) bind() error {
	addr := s.cfg.Addr()

	if s.cfg.UDPEnabled {
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return fmt.Errorf("failed to bind UDP %s: %w", addr, err)
		}
		s.udpConn = conn
		s.logger.Info("Listening on UDP", "address", conn.LocalAddr().String())
	}

	if s.cfg.TCPEnabled {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to bind TCP %s: %w", addr, err)
		}
		s.tcpListener = ln
		s.logger.Info("Listening on TCP", "address", ln.Addr().String())
	}

	return nil
}

// closeListeners closes and forgets both listeners. Callers hold s.mu.
func (s *Server) closeListeners() []error {
	var errs []error
	if s.udpConn != nil {
		if err := s.udpConn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("UDP close: %w", err))
		}
		s.udpConn = nil
	}
	if s.tcpListener != nil {
		if err := s.tcpListener.Close(); err != nil {
			errs = append(errs, fmt.Errorf("TCP close: %w", err))
		}
		s.tcpListener = nil
	}
	return errs
}

// Shutdown closes the listeners, ending the accept loops, then waits for
// in-flight requests until ctx expires. If another stop is already under way
// it waits for that one to finish, also bounded by ctx. Shutting down a
// stopped server is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return nil
	case StateStopping:
		done := s.done
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("waiting for shutdown: %w", ctx.Err())
		}
	}
	s.state = StateStopping
	s.logger.Info("Shutting down DNS server")

	errs := s.closeListeners()
	s.mu.Unlock()

	s.loops.Wait()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn("Shutdown deadline reached with requests in flight")
	}

	s.mu.Lock()
	s.state = StateStopped
	close(s.done)
	s.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	s.logger.Info("DNS server shut down successfully")
	return nil
}

// State returns the current lifecycle state
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

// UDPAddr returns the bound UDP address, or nil
func (s *Server) UDPAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil
func (s *Server) TCPAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// serveUDP treats each datagram as one request
func (s *Server) serveUDP(conn net.PacketConn, errChan chan<- error) {
	defer s.loops.Done()

	for {
		bufp := udpBufPool.Get().(*[]byte)
		n, addr, err := conn.ReadFrom(*bufp)
		if err != nil {
			udpBufPool.Put(bufp)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			errChan <- fmt.Errorf("UDP server failed: %w", err)
			return
		}

		payload := make([]byte, n)
		copy(payload, (*bufp)[:n])
		udpBufPool.Put(bufp)

		s.inflight.Add(1)
		go s.handleUDP(conn, payload, addr)
	}
}

func (s *Server) handleUDP(conn net.PacketConn, payload []byte, addr net.Addr) {
	defer s.inflight.Done()

	ctx := context.Background()
	resp, err := s.handler.Handle(ctx, payload, addr, "udp")
	if err != nil || resp == nil {
		return
	}
	if _, err := conn.WriteTo(resp, addr); err != nil {
		_ = s.handler.reject(ctx, failure{
			reason:    reasonWrite,
			err:       fmt.Errorf("UDP write: %w", err),
			payload:   payload,
			client:    addr,
			transport: "udp",
		})
	}
}

// serveTCP accepts connections, each carrying exactly one request
func (s *Server) serveTCP(ln net.Listener, errChan chan<- error) {
	defer s.loops.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			errChan <- fmt.Errorf("TCP server failed: %w", err)
			return
		}

		s.inflight.Add(1)
		go s.handleTCP(conn)
	}
}

// handleTCP reads the connection once, answers with one framed write and
// closes it.
func (s *Server) handleTCP(conn net.Conn) {
	defer s.inflight.Done()
	defer func() { _ = conn.Close() }()

	ctx := context.Background()
	client := conn.RemoteAddr()
	_ = conn.SetDeadline(time.Now().Add(tcpIOTimeout))

	size := s.cfg.TCPReadBuffer
	if size <= 0 {
		size = DefaultTCPReadBuffer
	}
	fail := failure{client: client, transport: "tcp"}
	raw, err := readOnce(conn, size)
	if err != nil {
		s.logger.Debug("TCP read failed", "client", clientAddrString(client), "error", err)
		return
	}

	payload, err := ReadFrame(raw)
	if err != nil {
		fail.payload = raw
		_ = s.handler.reject(ctx, fail.with(reasonFraming, err))
		return
	}

	fail.payload = payload
	resp, err := s.handler.Handle(ctx, payload, client, "tcp")
	if err != nil || resp == nil {
		return
	}

	framed, err := EncodeFrame(resp)
	if err != nil {
		_ = s.handler.reject(ctx, fail.with(reasonEncode, err))
		return
	}
	if _, err := conn.Write(framed); err != nil {
		_ = s.handler.reject(ctx, fail.with(reasonWrite, fmt.Errorf("TCP write: %w", err)))
	}
}
