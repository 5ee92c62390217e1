// Package server is the HTTP face of the integrity engine: a dashboard at
// "/", API documentation at "/docs", and the JSON audit, evaluation,
// ledger and health endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mmr-tortoise/dil/internal/engine"
	"github.com/mmr-tortoise/dil/internal/gatekeeper"
	"github.com/mmr-tortoise/dil/internal/port"
)

// shutdownTimeout bounds graceful shutdown once the context is cancelled.
const shutdownTimeout = 5 * time.Second

// LedgerStatus is what GET /health asks of the backing store.
// ledger.Store implements it.
type LedgerStatus interface {
	Ping(ctx context.Context) error

	// Version returns the applied schema migration.
	Version(ctx context.Context) (int64, error)
}

// Config holds the server's collaborators.
type Config struct {
	Host string
	Port int

	// Engine is required.
	Engine *engine.Engine

	// Gatekeeper serves POST /evaluate; without one the endpoint answers
	// 503.
	Gatekeeper *gatekeeper.Gatekeeper

	// Store is checked by GET /health. Optional.
	Store LedgerStatus

	Logger zerolog.Logger
}

// Server serves the integrity API.
type Server struct {
	cfg    Config
	log    zerolog.Logger
	pages  *pages
	router chi.Router
}

// New builds the router. It fails only when cfg is unusable.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	p, err := loadPages()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		pages: p,
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		echoRequestID,
		accessLog(s.log),
		recoverJSON(s.log),
		cors,
	)

	r.Get("/", s.handleDashboard)
	r.Get("/docs", s.handleDocs)
	r.Get("/redoc", s.handleRedoc)
	r.Get("/openapi.json", s.handleOpenAPIJSON)
	r.Get("/openapi.yaml", s.handleOpenAPIYAML)

	r.Post("/audit", s.handleAudit)
	r.Post("/evaluate", s.handleEvaluate)
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/", s.handleLedger)
		r.Get("/verify", s.handleVerify)
	})
	r.Get("/health", s.handleHealth)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})
	return r
}

// Listen binds host:port. A port held by another process yields a
// *model.AddressInUseError with a suggested free port.
func Listen(host string, p int) (net.Listener, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(p))
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		return ln, nil
	}
	if port.IsAddrInUse(err) {
		if checkErr := port.NewScannerForHost(host).Check(p); checkErr != nil {
			return nil, checkErr
		}
	}
	return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
}

// Serve binds the configured address and serves until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := Listen(s.cfg.Host, s.cfg.Port)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is cancelled, then shuts down
// gracefully. It closes ln.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler: s.router,
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Str("addr", "http://"+ln.Addr().String()).Msg("serving")

	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		s.log.Debug().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}
