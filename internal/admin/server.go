// Package admin serves the gateway's operational HTTP surface: health,
// catalog inspection and invalidation, and Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"semgate/internal/auth"
	"semgate/internal/catalog"
)

// CatalogSource is the part of *catalog.Catalog the admin server uses.
type CatalogSource interface {
	Current() *catalog.Snapshot
	Snapshot(ctx context.Context) (*catalog.Snapshot, error)
	Invalidate(ctx context.Context) (*catalog.Snapshot, error)
}

// Options configures a Server.
type Options struct {
	Addr    string
	Catalog CatalogSource
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Tokens, when set, guards the /v1 routes with bearer authentication.
	Tokens auth.TokenValidator
	Logger *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	http   *http.Server
	ln     net.Listener
}

// NewServer creates a Server. Call Start to listen.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{opts: opts, logger: logger.With("component", "admin"), now: time.Now}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(accessLog(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.healthz)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	r.Route("/v1", func(r chi.Router) {
		if s.opts.Tokens != nil {
			r.Use(bearerAuth(s.opts.Tokens))
		}
		r.Get("/catalog", s.getCatalog)
		r.Post("/catalog/invalidate", s.invalidateCatalog)
	})
	return r
}

// Start listens on Addr and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	s.ln = ln
	s.logger.Info("admin server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status         string  `json:"status"`
	CatalogVersion uint64  `json:"catalog_version,omitempty"`
	CatalogAge     float64 `json:"catalog_age_seconds,omitempty"`
	Schemas        int     `json:"schemas"`
}

// healthz is ready once any catalog snapshot has been published; a stale
// snapshot is still served so it stays healthy.
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	snap := s.opts.Catalog.Current()
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "catalog unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		CatalogVersion: snap.Version,
		CatalogAge:     snap.Age(s.now()).Seconds(),
		Schemas:        len(snap.Schemas),
	})
}

func (s *Server) getCatalog(w http.ResponseWriter, r *http.Request) {
	snap, err := s.opts.Catalog.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DescribeCatalog(snap, s.now()))
}

func (s *Server) invalidateCatalog(w http.ResponseWriter, r *http.Request) {
	snap, err := s.opts.Catalog.Invalidate(r.Context())
	if err != nil {
		s.logger.Warn("catalog invalidation failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DescribeCatalog(snap, s.now()))
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Code: status, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
