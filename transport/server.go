package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Server accepts connections and runs one read loop per connection.
type Server struct {
	opts     *options
	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	wg       sync.WaitGroup // tracks live connections for graceful shutdown
	shutdown atomic.Bool
}

// NewServer creates a server; Serve or ListenAndServe starts it.
func NewServer(opts ...Option) *Server {
	return &Server{
		opts:  newOptions(opts),
		conns: make(map[*conn]struct{}),
	}
}

// ListenAndServe listens on address and serves it like Serve.
func (s *Server) ListenAndServe(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve runs the accept loop on l. It returns nil after Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return nil
	}
	s.listener = l
	s.mu.Unlock()

	s.opts.logger.Info("transport server listening", zap.String("addr", l.Addr().String()))
	for {
		raw, err := l.Accept()
		if err != nil {
			// Accept fails once Shutdown closed the listener.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		c := newConn(raw, s.opts)

		s.mu.Lock()
		if s.shutdown.Load() {
			s.mu.Unlock()
			raw.Close()
			continue
		}
		s.conns[c] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			c.serve()
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

// Addr returns the listening address, nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// StopAccepting closes the listener. Live connections keep being served
// until Shutdown.
func (s *Server) StopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopAcceptingLocked()
}

func (s *Server) stopAcceptingLocked() {
	if s.shutdown.Swap(true) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
}

// Shutdown stops accepting, closes every live connection and waits for their
// read loops (and close handlers) to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	s.stopAcceptingLocked()
	live := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		live = append(live, c)
	}
	s.mu.Unlock()

	for _, c := range live {
		c.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for connections to close")
	}
}
