// Package statusipc exposes the updater over a local socket (a named pipe
// on Windows) so the application and the CLI can read progress and send
// check, abort and commit requests.
package statusipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/selfupdate/internal/health"
	"github.com/breeze-rmm/selfupdate/internal/logging"
	"github.com/breeze-rmm/selfupdate/internal/updater"
)

var log = logging.L("statusipc")

const (
	idleTimeout     = 2 * time.Minute
	requestsPerConn = 20
	requestWindow   = time.Second
)

// Backend is the updater surface served over the socket.
type Backend interface {
	Snapshot() updater.Snapshot
	Check(ctx context.Context, stream string) bool
	Abort()
	CommitPending(ctx context.Context) (updater.Status, error)
	Health() *health.Monitor
}

// Server accepts status socket connections.
type Server struct {
	path          string
	backend       Backend
	defaultStream func() string
	limiter       *RateLimiter

	mu       sync.Mutex
	listener net.Listener
	conns    map[uint64]*Conn
	closed   bool
	nextID   atomic.Uint64
	wg       sync.WaitGroup
}

// NewServer creates a server on path. defaultStream supplies the release
// stream for check requests that name none.
func NewServer(path string, backend Backend, defaultStream func() string) *Server {
	return &Server{
		path:          path,
		backend:       backend,
		defaultStream: defaultStream,
		limiter:       NewRateLimiter(requestsPerConn, requestWindow),
		conns:         make(map[uint64]*Conn),
	}
}

// Serve listens until ctx is done. It returns once every connection
// handler has exited.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := listen(s.path)
	if err != nil {
		return fmt.Errorf("statusipc: %w", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()
	log.Info("status socket listening", "path", s.path)

	stop := context.AfterFunc(ctx, s.Close)
	defer stop()

	for {
		raw, err := listener.Accept()
		if err != nil {
			if s.isClosed() {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Warn("accept error", logging.KeyError, err)
			continue
		}
		s.wg.Add(1)
		go s.handle(ctx, raw)
	}
}

// Close stops the listener and drops open connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	listener := s.listener
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if listener != nil {
		listener.Close()
		removeSocket(s.path)
	}
	log.Info("status socket closed")
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) handle(ctx context.Context, raw net.Conn) {
	defer s.wg.Done()

	id := s.nextID.Add(1)
	conn := NewConn(raw)
	s.mu.Lock()
	s.conns[id] = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		s.limiter.Forget(id)
		conn.Close()
	}()

	for {
		conn.SetDeadline(time.Now().Add(idleTimeout))
		var req Request
		if err := conn.Recv(&req); err != nil {
			if !s.isClosed() {
				log.Debug("status connection ended", logging.KeyError, err)
			}
			return
		}

		var resp *Response
		if !s.limiter.Allow(id) {
			resp = &Response{ID: req.ID, Type: req.Type, Error: "rate limited"}
		} else {
			resp = s.dispatch(ctx, &req)
		}
		if err := conn.Send(resp); err != nil {
			log.Debug("status response failed", logging.KeyError, err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	resp := &Response{ID: req.ID, Type: req.Type}
	switch req.Type {
	case TypeStatus:
	case TypeCheck:
		stream := req.Stream
		if stream == "" && s.defaultStream != nil {
			stream = s.defaultStream()
		}
		resp.Started = s.backend.Check(ctx, stream)
	case TypeAbort:
		s.backend.Abort()
	case TypeCommit:
		if _, err := s.backend.CommitPending(ctx); err != nil {
			resp.Error = err.Error()
		}
	default:
		resp.Error = fmt.Sprintf("unknown request type %q", req.Type)
		return resp
	}
	fill(resp, s.backend)
	return resp
}

func fill(resp *Response, b Backend) {
	snap := b.Snapshot()
	resp.Status = snap.Status.String()
	resp.Message = updater.FormatStatus(snap, true)
	resp.Percentage = snap.Percentage
	resp.LastError = snap.LastError
	resp.Detail = snap.LastErrorDetail
	resp.Health = b.Health().Summary()
}
