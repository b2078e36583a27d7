// Package pgwire implements the PostgreSQL frontend/backend protocol v3 in
// front of the semantic query service.
package pgwire

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"semgate/internal/analyzer"
	"semgate/internal/auth"
	"semgate/internal/engine"
	"semgate/internal/pgsql"
	"semgate/internal/service/semantic"
)

// QueryService analyzes and runs statements. *semantic.Service
// implements it.
type QueryService interface {
	Analyze(ctx context.Context, stmt pgsql.Stmt, scope analyzer.Scope) (*analyzer.Analysis, error)
	Run(ctx context.Context, a *analyzer.Analysis, sess engine.Session) (*semantic.Result, error)
}

// Observer receives connection and query events, typically for metrics.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	ConnectionRejected(reason string)
	QueryFinished(class, outcome string, d time.Duration)
}

// Options configures a Server. Zero values select the defaults below.
type Options struct {
	Addr string
	// Database is the only database name clients may connect to. An empty
	// database in the startup packet selects it.
	Database      string
	ServerVersion string
	// TLSConfig enables SSLRequest upgrades when set.
	TLSConfig *tls.Config
	Auth      auth.Authenticator

	MaxConnections int
	// ConnRate limits new connections per client IP; zero disables it.
	ConnRate  rate.Limit
	ConnBurst int

	QueryTimeout     time.Duration
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	// MaxPreparedStatements caps named statements per session. Parse past
	// the cap fails; statements are never evicted.
	MaxPreparedStatements int
	MaxMessageSize        int
	FlushThreshold        int

	Observer Observer
	Logger   *slog.Logger
}

// DefaultServerVersion is reported as server_version unless overridden.
const DefaultServerVersion = "16.4"

const (
	defaultDatabase              = "semantic"
	defaultHandshakeTimeout      = 10 * time.Second
	defaultMaxPreparedStatements = 4096
	defaultMaxMessageSize        = 1 << 24
	defaultFlushThreshold        = 64 << 10
	rateLimiterEntries           = 4096
)

// Server is a PostgreSQL wire listener.
type Server struct {
	opts   Options
	svc    QueryService
	logger *slog.Logger

	mu       sync.Mutex
	ln       net.Listener
	wg       sync.WaitGroup
	draining chan struct{}
	// baseCtx parents every session; canceling it aborts all statements.
	baseCtx  context.Context
	stopAll  context.CancelCauseFunc
	active   atomic.Int64
	nextPID  atomic.Uint32
	cancels  *cancelRegistry
	limiters *lru.Cache[string, *rate.Limiter]
}

// NewServer creates a Server over svc.
func NewServer(svc QueryService, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Auth == nil {
		opts.Auth = auth.Trust{}
	}
	if opts.ServerVersion == "" {
		opts.ServerVersion = DefaultServerVersion
	}
	if opts.Database == "" {
		opts.Database = defaultDatabase
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.MaxPreparedStatements <= 0 {
		opts.MaxPreparedStatements = defaultMaxPreparedStatements
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = defaultFlushThreshold
	}
	if opts.ConnBurst <= 0 {
		opts.ConnBurst = 1
	}
	limiters, _ := lru.New[string, *rate.Limiter](rateLimiterEntries)
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Server{
		opts:     opts,
		svc:      svc,
		logger:   opts.Logger.With("component", "pgwire"),
		draining: make(chan struct{}),
		baseCtx:  ctx,
		stopAll:  cancel,
		cancels:  newCancelRegistry(),
		limiters: limiters,
	}
	s.nextPID.Store(1000)
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return fmt.Errorf("pgwire listener already started")
	}

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen pgwire: %w", err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.logger.Info("pgwire listener started", "addr", ln.Addr().String(), "tls", s.opts.TLSConfig != nil)
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// ActiveConnections returns the number of authenticated sessions.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Shutdown stops accepting, asks idle sessions to terminate, and waits for
// sessions with a running statement to finish. When ctx expires first the
// remaining statements are canceled.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	close(s.draining)
	if err := ln.Close(); err != nil {
		s.logger.Warn("close pgwire listener", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.stopAll(nil)
		return nil
	case <-ctx.Done():
		s.stopAll(errors.New("server shutting down"))
		<-done
		return fmt.Errorf("pgwire shutdown: %w", ctx.Err())
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept failed", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close() //nolint:errcheck
			s.handleConn(conn)
		}()
	}
}

// allow applies the per-IP connection rate limit.
func (s *Server) allow(addr net.Addr) bool {
	if s.opts.ConnRate <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	lim, ok := s.limiters.Get(host)
	if !ok {
		lim = rate.NewLimiter(s.opts.ConnRate, s.opts.ConnBurst)
		s.limiters.Add(host, lim)
	}
	return lim.Allow()
}

// admit reserves a connection slot, or reports why none is available.
func (s *Server) admit() bool {
	n := s.active.Add(1)
	if s.opts.MaxConnections > 0 && n > int64(s.opts.MaxConnections) {
		s.active.Add(-1)
		return false
	}
	return true
}

// cancelRegistry maps backend keys to live sessions.
type cancelRegistry struct {
	mu       sync.Mutex
	sessions map[uint32]*session
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{sessions: make(map[uint32]*session)}
}

func (r *cancelRegistry) register(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.pid] = s
}

func (r *cancelRegistry) unregister(pid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, pid)
}

// cancel aborts the running statement of the session with the given key.
// Requests with a wrong secret are ignored.
func (r *cancelRegistry) cancel(pid, secret uint32) bool {
	r.mu.Lock()
	s, ok := r.sessions[pid]
	r.mu.Unlock()
	if !ok || s.secret != secret {
		return false
	}
	s.cancelQuery(errUserCancel)
	return true
}
