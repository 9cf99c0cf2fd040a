// =============================================================================
// TCP SERVER
// =============================================================================
//
// One goroutine accepts, one goroutine per connection reads a frame, handles
// it and writes the response before reading the next frame. Requests on one
// connection are therefore answered in order; ordering across connections is
// decided by the dispatch pipeline.
//
//   ┌──────────┐   accept   ┌─────────────────┐  Handle   ┌──────────┐
//   │ listener │ ─────────► │ session (uuid)  │ ────────► │ pipeline │
//   └──────────┘            │ read ► handle ► │ ◄──────── └──────────┘
//                           │ write ► read .. │
//                           └─────────────────┘
//
// A malformed frame header closes the connection since the stream can no
// longer be resynchronized. Malformed payloads only fail that request.
//
// =============================================================================

package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"strata/internal/protocol"
)

// SessionTracker is told about connects and disconnects. *broker.Broker
// implements it to report the clients count.
type SessionTracker interface {
	ClientConnected()
	ClientDisconnected()
}

type noopTracker struct{}

func (noopTracker) ClientConnected()    {}
func (noopTracker) ClientDisconnected() {}

// TCPServer serves the binary protocol over TCP.
type TCPServer struct {
	address string
	handler *Handler
	tracker SessionTracker
	logger  *slog.Logger

	listener net.Listener
	addr     atomic.Value
	closed   atomic.Bool
	cancel   context.CancelFunc

	mu       sync.Mutex
	sessions map[uuid.UUID]net.Conn

	wg sync.WaitGroup
}

// NewTCPServer creates a server. tracker may be nil.
func NewTCPServer(address string, handler *Handler, tracker SessionTracker, logger *slog.Logger) *TCPServer {
	if tracker == nil {
		tracker = noopTracker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPServer{
		address:  address,
		handler:  handler,
		tracker:  tracker,
		logger:   logger.With("component", "tcp"),
		sessions: make(map[uuid.UUID]net.Conn),
	}
}

// Start listens and begins accepting in the background.
func (s *TCPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}
	s.listener = ln
	s.addr.Store(ln.Addr().String())

	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("tcp server started", "address", s.Addr())

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (s *TCPServer) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Sessions returns the number of open connections.
func (s *TCPServer) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("accept failed", "error", err)
			return
		}

		id := uuid.New()
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions[id] = conn
		s.mu.Unlock()

		s.tracker.ClientConnected()
		s.wg.Add(1)
		go s.serve(ctx, id, conn)
	}
}

func (s *TCPServer) serve(ctx context.Context, id uuid.UUID, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.tracker.ClientDisconnected()
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
	}()

	peer := conn.RemoteAddr().String()
	logger := s.logger.With("session", id.String(), "peer", peer)
	logger.Debug("client connected")

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		code, payload, err := ReadRequest(r)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidCommand) {
				logger.Warn("closing connection after malformed frame", "error", err)
				WriteResponse(w, nil, err)
				w.Flush()
			} else if !errors.Is(err, io.EOF) && !s.closed.Load() {
				logger.Debug("read failed", "error", err)
			}
			logger.Debug("client disconnected")
			return
		}

		resp, err := s.handler.Handle(ctx, code, payload, id.String())
		if err := WriteResponse(w, resp, err); err != nil {
			logger.Debug("write failed", "error", err)
			return
		}
		if err := w.Flush(); err != nil {
			logger.Debug("write failed", "error", err)
			return
		}
	}
}

// Close stops accepting, closes every session and waits for the session
// goroutines to exit.
func (s *TCPServer) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for _, conn := range s.sessions {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("tcp server stopped")
	return err
}
