// Package service defines the interface every honeypot service
// implements and the TCP plumbing they are built on: a listener with
// per-connection goroutines, live-connection tracking and a shutdown
// that closes both the listener and anything in flight.
package service

import (
	"crypto/tls"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Service is one protocol impersonation owned by the runtime.
type Service interface {
	// Name is the service's short name (ssh, telnet, ftp, http, https, mysql).
	Name() string
	// Addr is the bound listen address, valid after Start.
	Addr() string
	// Start binds the listener and begins accepting in the background.
	Start() error
	// Shutdown closes the listener and every tracked connection.
	Shutdown() error
}

// Handler serves a single accepted connection. The connection is closed
// and untracked when it returns.
type Handler func(net.Conn)

// TCPServer accepts connections and runs each one in its own goroutine.
type TCPServer struct {
	name    string
	addr    string
	tlsConf *tls.Config
	handler Handler

	mu     sync.Mutex
	lis    net.Listener
	conns  map[net.Conn]struct{}
	closed bool
}

// NewTCPServer prepares a server for addr. With a non-nil tlsConf the
// listener terminates TLS before the handler sees the connection.
func NewTCPServer(name, addr string, tlsConf *tls.Config, handler Handler) *TCPServer {
	return &TCPServer{
		name:    name,
		addr:    addr,
		tlsConf: tlsConf,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the listener. A bind failure here is fatal to the whole
// runtime, so it is surfaced rather than retried.
func (s *TCPServer) Listen() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "%s: listen %s", s.name, s.addr)
	}
	if s.tlsConf != nil {
		lis = tls.NewListener(lis, s.tlsConf)
	}
	s.mu.Lock()
	s.lis = lis
	s.mu.Unlock()
	return nil
}

// Serve starts the accept loop in the background.
func (s *TCPServer) Serve() {
	go s.acceptLoop()
}

// Addr returns the bound address, valid after Listen.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}
			logrus.Debugf("%s: accept: %v", s.name, err)
			return
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		go s.serveConn(conn)
	}
}

func (s *TCPServer) serveConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
		s.untrack(conn)
	}()
	s.handler(conn)
}

// Shutdown closes the listener so no new connections are accepted, then
// closes every live connection so in-flight handlers observe a closed
// socket on their next read and unwind.
func (s *TCPServer) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	lis := s.lis
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	var err error
	if lis != nil {
		err = lis.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	return err
}

func (s *TCPServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// track registers conn as live. It reports false once Shutdown has run,
// so a connection accepted concurrently with Shutdown is not left open.
func (s *TCPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *TCPServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// IsClosedErr reports whether err is the normal end of a connection -
// EOF or a socket closed under a blocked read - as opposed to a fault
// worth logging as an error event.
func IsClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection reset by peer")
}
