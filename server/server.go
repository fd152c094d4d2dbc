// Package server is the admin HTTP surface: status snapshot, health probe and
// Prometheus metrics.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/forage/errors"
	"github.com/teranos/forage/logger"
	"github.com/teranos/forage/pulse/async"
	"github.com/teranos/forage/pulse/metrics"
	"github.com/teranos/forage/pulse/status"
)

// ServerState tracks the lifecycle for the health probe.
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StatsProvider reports live pool counters.
type StatsProvider interface {
	Stats() async.Stats
}

// SystemReporter is implemented by pools that can also report host memory
// and target backlog.
type SystemReporter interface {
	GetSystemMetrics(ctx context.Context) async.SystemMetrics
}

// Server serves the admin endpoints.
type Server struct {
	addr      string
	collector *status.Collector
	metrics   *metrics.Metrics
	logger    *zap.SugaredLogger
	state     atomic.Int32

	mu       sync.RWMutex
	pools    []StatsProvider
	http     *http.Server
	listener net.Listener
	serveErr chan error
}

// New creates a server. collector and m may be nil; the matching endpoints then
// answer 503 and 404.
func New(addr string, collector *status.Collector, m *metrics.Metrics, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = logger.Logger
	}
	s := &Server{
		addr:      addr,
		collector: collector,
		metrics:   m,
		logger:    log.Named("server"),
	}
	s.state.Store(int32(ServerStateStopped))
	return s
}

// AddPool includes a pool's counters in /status.
func (s *Server) AddPool(p StatsProvider) {
	s.mu.Lock()
	s.pools = append(s.pools, p)
	s.mu.Unlock()
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(st ServerState) {
	s.state.Store(int32(st))
	s.logger.Debugw("Server state changed", logger.FieldStatus, st.String())
}

// Start binds the listener and serves in the background. A bind failure is
// returned directly.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return errors.Wrap(errors.ErrConflict, "admin server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.addr)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serveErr = make(chan error, 1)

	go func(srv *http.Server, ln net.Listener, errc chan error) {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}(s.http, ln, s.serveErr)

	s.setState(ServerStateRunning)
	s.logger.Infow("Admin server ready", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown drains in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, errc := s.http, s.serveErr
	s.http, s.listener = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.setState(ServerStateDraining)
	err := srv.Shutdown(ctx)
	if serr := <-errc; err == nil {
		err = serr
	}
	s.setState(ServerStateStopped)
	if err != nil {
		return errors.Wrap(err, "admin server shutdown")
	}
	return nil
}
