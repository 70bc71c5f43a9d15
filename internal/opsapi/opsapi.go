// Package opsapi exposes a minimal, read-only, unauthenticated HTTP
// surface for operators: a liveness check and a status endpoint backed by
// Store.Counts. It is not part of spec.md's synchronization pipeline —
// nothing here writes to Siscomex or the database — and exists only so
// the process can be probed the way the teacher's own /healthz is.
package opsapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/N1XSS/controle-siscomex-test/internal/rategate"
	"github.com/N1XSS/controle-siscomex-test/internal/store"
)

const shutdownGrace = 5 * time.Second

// Server holds the dependencies the ops surface reads from. Gate is
// optional — if nil, /status omits the rate_gate section.
type Server struct {
	Store *store.Store
	Gate  *rategate.Gate
}

// rateGateStatus is the JSON shape of /status's rate_gate section,
// reflecting the RateGate's current rolling-hour window occupancy.
type rateGateStatus struct {
	InWindow     int       `json:"in_window"`
	SafeLimit    int       `json:"safe_limit"`
	WindowStart  time.Time `json:"window_start"`
	BlockedUntil time.Time `json:"blocked_until,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode ops response")
	}
}

// Routes builds the router. Every route here is read-only.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", s.status)

	return r
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	counts, err := s.Store.Counts(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("status query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
		return
	}

	resp := map[string]any{"counts": counts}
	if s.Gate != nil {
		inWindow, limit, windowStart := s.Gate.InWindow()
		resp["rate_gate"] = rateGateStatus{
			InWindow:     inWindow,
			SafeLimit:    limit,
			WindowStart:  windowStart,
			BlockedUntil: s.Gate.BlockedUntil(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListenAndServe starts the ops HTTP surface on addr, blocking until ctx
// is cancelled, mirroring the teacher's cmd/server/main.go graceful
// shutdown pattern.
func ListenAndServe(ctx context.Context, addr string, s *Server) error {
	srv := &http.Server{Addr: addr, Handler: s.Routes()}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("ops HTTP surface listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
