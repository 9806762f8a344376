package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// TCPServer accepts worker connections and queues them, in arrival order, for
// the coordinator to handshake.
type TCPServer struct {
	listener net.Listener
	conns    chan *Conn
	logger   *logrus.Logger
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTCPServer binds addr. backlog is the number of accepted connections that may
// wait for a handshake.
func NewTCPServer(addr string, backlog int, logger *logrus.Logger) (*TCPServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if backlog < 1 {
		backlog = 1
	}
	return &TCPServer{
		listener: l,
		conns:    make(chan *Conn, backlog),
		logger:   logger,
		quit:     make(chan struct{}),
	}, nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Start runs the accept loop in the background.
func (s *TCPServer) Start() {
	s.wg.Add(1)
	go s.acceptLoop()
	s.logger.WithField("address", s.Addr().String()).Info("Listening for workers")
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.WithField("error", err.Error()).Warn("Accept failed")
			continue
		}

		s.logger.WithField("remote", conn.RemoteAddr().String()).Debug("Worker connection accepted")
		select {
		case s.conns <- NewConn(conn):
		case <-s.quit:
			conn.Close()
			return
		}
	}
}

// Accept returns the next queued connection.
func (s *TCPServer) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-s.quit:
		return nil, fmt.Errorf("listener stopped: %w", net.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop closes the listener, drops connections nobody accepted and waits for the
// accept loop to exit. It is safe to call more than once.
func (s *TCPServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		s.listener.Close()
		s.wg.Wait()
		for {
			select {
			case c := <-s.conns:
				c.Close()
			default:
				return
			}
		}
	})
}
