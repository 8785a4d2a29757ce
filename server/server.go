// Package server exposes the operator control surface: a small chi router
// with control verbs, read-only status endpoints, and the external signal
// webhook. Every error leaving this package is sanitized; internal detail
// stays in the logs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gravix-labs/confluxbot/config"
	"github.com/gravix-labs/confluxbot/storage"
	"github.com/gravix-labs/confluxbot/types"
)

// Controller is the engine surface the server drives.
type Controller interface {
	Pause(ctx context.Context, reason string) error
	Resume(ctx context.Context) error
	CloseAll(ctx context.Context, reason string) (int, error)
	Kill(ctx context.Context) error

	Status(ctx context.Context) map[string]any
	RiskReport() types.RiskReport
	InjectSignal(ctx context.Context, sig *types.ConfluenceSignal) error
}

// Server wires the HTTP surface.
type Server struct {
	cfg  *config.Config
	ctrl Controller
	db   *storage.DB
	lg   zerolog.Logger
	now  func() time.Time
	http *http.Server
}

// New builds the server; call Start to listen.
func New(cfg *config.Config, ctrl Controller, db *storage.DB) *Server {
	return &Server{
		cfg:  cfg,
		ctrl: ctrl,
		db:   db,
		lg:   log.With().Str("component", "server").Logger(),
		now:  time.Now,
	}
}

// Router builds the chi mux. Exposed so tests can drive it with httptest.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/control", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/close-all", s.handleCloseAll)
		r.Post("/kill", s.handleKill)
	})

	r.Get("/status", s.handleStatus)
	r.Get("/pnl", s.handlePnL)
	r.Get("/positions", s.handlePositions)
	r.Get("/risk", s.handleRisk)
	r.Get("/signals", s.handleSignals)
	r.Get("/thoughts", s.handleThoughts)

	r.Post("/webhook/signal", s.handleWebhookSignal)
	return r
}

// Start runs the listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.lg.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("🌐 Control server listening")
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// requireAdmin gates the control verbs behind the configured token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Server.AdminToken
		if token == "" || r.Header.Get("X-Admin-Token") != token {
			s.fail(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Pause(r.Context(), "operator request"); err != nil {
		s.lg.Error().Err(err).Msg("Pause failed")
		s.fail(w, http.StatusInternalServerError, "pause failed")
		return
	}
	s.ok(w, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Resume(r.Context()); err != nil {
		s.lg.Error().Err(err).Msg("Resume failed")
		s.fail(w, http.StatusInternalServerError, "resume failed")
		return
	}
	s.ok(w, map[string]any{"paused": false})
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.ctrl.CloseAll(r.Context(), "operator close-all")
	if err != nil {
		s.lg.Error().Err(err).Msg("Close-all failed")
		s.fail(w, http.StatusInternalServerError, "close-all failed")
		return
	}
	s.ok(w, map[string]any{"closed": n})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Kill(r.Context()); err != nil {
		s.lg.Error().Err(err).Msg("Kill failed")
		s.fail(w, http.StatusInternalServerError, "kill failed")
		return
	}
	s.ok(w, map[string]any{"killed": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.ok(w, s.ctrl.Status(r.Context()))
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.Stats(r.Context())
	if err != nil {
		s.lg.Error().Err(err).Msg("Stats query failed")
		s.fail(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	s.ok(w, stats)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	open, err := s.db.OpenTrades(r.Context())
	if err != nil {
		s.lg.Error().Err(err).Msg("Open trades query failed")
		s.fail(w, http.StatusInternalServerError, "positions unavailable")
		return
	}
	s.ok(w, map[string]any{"open": open, "count": len(open)})
}

func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	s.ok(w, s.ctrl.RiskReport())
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.RecentSignals(r.Context(), queryLimit(r))
	if err != nil {
		s.lg.Error().Err(err).Msg("Signals query failed")
		s.fail(w, http.StatusInternalServerError, "signals unavailable")
		return
	}
	s.ok(w, map[string]any{"signals": rows, "count": len(rows)})
}

func (s *Server) handleThoughts(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.RecentThoughts(r.Context(), r.URL.Query().Get("category"), queryLimit(r))
	if err != nil {
		s.lg.Error().Err(err).Msg("Thoughts query failed")
		s.fail(w, http.StatusInternalServerError, "thoughts unavailable")
		return
	}
	s.ok(w, map[string]any{"thoughts": rows, "count": len(rows)})
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 500 {
		return 50
	}
	return n
}

func (s *Server) ok(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.lg.Warn().Err(err).Msg("Response encode failed")
	}
}

func (s *Server) fail(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
