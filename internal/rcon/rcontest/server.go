// Package rcontest provides an in-process RCON server for tests.
package rcontest

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/irongate/irongate/internal/rcon"
)

// Handler answers one command with the response text.
type Handler func(cmd string) string

// Option configures a [Server].
type Option func(*Server)

// WithPreAuthFrame makes the server send an empty value frame before each
// auth response, as Source engine servers do.
func WithPreAuthFrame() Option {
	return func(s *Server) { s.preAuth = true }
}

// WithFragments splits responses into 4096-byte frames.
func WithFragments() Option {
	return func(s *Server) { s.fragment = true }
}

// Server is a fake RCON server listening on a loopback port.
type Server struct {
	Addr string

	password string
	handler  Handler
	preAuth  bool
	fragment bool

	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	logins   int
	commands []string
	closed   bool
}

// NewServer starts a server that accepts password and answers commands with
// h. It panics if no loopback port is available.
func NewServer(password string, h Handler, opts ...Option) *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("rcontest: failed to listen: %v", err))
	}
	if h == nil {
		h = func(string) string { return "" }
	}
	s := &Server{
		Addr:     ln.Addr().String(),
		password: password,
		handler:  h,
		ln:       ln,
		conns:    make(map[net.Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.serve()
	return s
}

// HostPort splits Addr for building targets.
func (s *Server) HostPort() (string, uint16) {
	host, port, _ := net.SplitHostPort(s.Addr)
	p, _ := strconv.ParseUint(port, 10, 16)
	return host, uint16(p)
}

// Logins returns the number of login frames received.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Commands returns the commands received from authenticated sessions.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// DropConnections closes every open session while keeping the listener.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
		delete(s.conns, c)
	}
}

// Close stops the listener, drops all sessions and waits for handlers.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.session(conn)
	}
}

func (s *Server) session(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	authed := false
	for {
		f, err := rcon.ReadFrame(conn)
		if err != nil {
			return
		}
		switch f.Type {
		case rcon.TypeLogin:
			s.mu.Lock()
			s.logins++
			s.mu.Unlock()
			if s.preAuth {
				if rcon.WriteFrame(conn, rcon.Frame{ID: f.ID, Type: rcon.TypeResponse}) != nil {
					return
				}
			}
			id := int32(-1)
			if string(f.Body) == s.password {
				id, authed = f.ID, true
			}
			if rcon.WriteFrame(conn, rcon.Frame{ID: id, Type: rcon.TypeAuthResp}) != nil {
				return
			}
		case rcon.TypeCommand:
			if !authed {
				if rcon.WriteFrame(conn, rcon.Frame{ID: -1, Type: rcon.TypeResponse}) != nil {
					return
				}
				continue
			}
			cmd := string(f.Body)
			s.mu.Lock()
			s.commands = append(s.commands, cmd)
			s.mu.Unlock()
			if err := s.reply(conn, f.ID, s.handler(cmd)); err != nil {
				return
			}
		case rcon.TypeResponse:
			// continuation sentinel; echoed after any pending fragments
			if rcon.WriteFrame(conn, rcon.Frame{ID: f.ID, Type: rcon.TypeResponse, Body: []byte("Unknown request 0")}) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) reply(conn net.Conn, id int32, body string) error {
	if !s.fragment || len(body) <= 4096 {
		return rcon.WriteFrame(conn, rcon.Frame{ID: id, Type: rcon.TypeResponse, Body: []byte(body)})
	}
	for len(body) > 0 {
		n := min(len(body), 4096)
		if err := rcon.WriteFrame(conn, rcon.Frame{ID: id, Type: rcon.TypeResponse, Body: []byte(body[:n])}); err != nil {
			return err
		}
		body = body[n:]
	}
	return nil
}

// ErrNoListener is returned by [ClosedAddr] when no port can be reserved.
var ErrNoListener = errors.New("rcontest: no loopback port")

// ClosedAddr returns a loopback address nothing listens on.
func ClosedAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoListener, err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr, nil
}

// Silent accepts connections and never answers; dials succeed and every read
// blocks until the client gives up.
type Silent struct {
	Addr string
	ln   net.Listener
	mu   sync.Mutex
	held []net.Conn
	done chan struct{}
}

// NewSilent starts a [Silent] listener. It panics if no port is available.
func NewSilent() *Silent {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("rcontest: failed to listen: %v", err))
	}
	s := &Silent{Addr: ln.Addr().String(), ln: ln, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.held = append(s.held, c)
			s.mu.Unlock()
		}
	}()
	return s
}

// Close stops the listener and releases held connections.
func (s *Silent) Close() {
	_ = s.ln.Close()
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.held {
		_ = c.Close()
	}
}
