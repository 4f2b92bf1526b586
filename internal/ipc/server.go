package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

// maxLineBytes bounds a single framed message.
const maxLineBytes = 4 << 20

// Handler services one request. send emits intermediate messages (stream
// chunks) on the same connection; the returned response is terminal.
type Handler func(req *Request, send func(*Response) error) *Response

// Server accepts connections on a local stream socket and dispatches framed
// requests. Connections are serviced independently; within one connection
// requests are handled in arrival order.
type Server struct {
	path    string
	handler Handler
	logger  zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]bool
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server for the socket (or pipe) at path.
func NewServer(path string, handler Handler, logger zerolog.Logger) *Server {
	return &Server{
		path:    path,
		handler: handler,
		logger:  logger.With().Str("component", "ipc").Logger(),
		conns:   make(map[net.Conn]bool),
	}
}

// Start begins accepting connections. Non-blocking.
func (s *Server) Start() error {
	ln, err := listen(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.closed = false
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.logger.Info().Str("path", s.path).Msg("ipc server listening")
	return nil
}

// Stop stops accepting and closes open connections. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.listener
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	cleanup(s.path)
	s.logger.Info().Msg("ipc server stopped")
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	// One write mutex per connection keeps stream chunks and the terminal
	// response from interleaving.
	var writeMu sync.Mutex
	send := func(resp *Response) error {
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		data = append(data, '\n')
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err = conn.Write(data)
		return err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = send(Errorf(KindValidation, "malformed request: "+err.Error()))
			continue
		}

		resp := s.handle(&req, send)
		if resp == nil {
			resp = Errorf(KindInternal, "no response")
		}
		if err := send(resp); err != nil {
			// Client went away; pending responses for this connection are
			// dropped, running jobs are not cancelled.
			return
		}
	}
}

// handle invokes the handler with panic isolation: a panicking request
// yields an error response, not a dead daemon.
func (s *Server) handle(req *Request, send func(*Response) error) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("type", req.Type).Msg("handler panicked")
			resp = Errorf(KindInternal, "internal error")
		}
	}()
	return s.handler(req, send)
}
