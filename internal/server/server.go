// Package server exposes the watchdog to local tools such as a tray icon:
// the active monitors, on-demand start and end command runs, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mickyco94/gamemon/internal/config"
	"github.com/mickyco94/gamemon/internal/executor"
	"github.com/mickyco94/gamemon/internal/watchdog"
	"github.com/sirupsen/logrus"
)

const shutdownGrace = 5 * time.Second

// Monitors lists the live monitors
type Monitors interface {
	Active() []watchdog.Status
}

// Trigger queues an out of band run of an entry's command list. Unknown
// names are reported with config.ErrUnknownEntry.
type Trigger interface {
	Trigger(ctx context.Context, name string, phase executor.Phase) error
}

type Server struct {
	logger   logrus.FieldLogger
	monitors Monitors
	trigger  Trigger
	metrics  http.Handler

	server *http.Server
}

func New(logger logrus.FieldLogger, monitors Monitors, trigger Trigger, metrics http.Handler) *Server {
	return &Server{
		logger:   logger,
		monitors: monitors,
		trigger:  trigger,
		metrics:  metrics,
	}
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/monitors", s.handleMonitors)
	r.Post("/entries/{name}/{phase}", s.handleTrigger)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	return r
}

// Serve listens on addr until ctx is done
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.WithField("addr", listener.Addr().String()).Info("Control server listening")

	errs := make(chan error, 1)
	go func() {
		errs <- s.server.Serve(listener)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()

		next.ServeHTTP(ww, r)

		s.logger.
			WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", ww.Status()).
			WithField("duration", time.Since(started)).
			Debug("Handled request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMonitors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitors.Active())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	phase, err := executor.ParsePhase(chi.URLParam(r, "phase"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.trigger.Trigger(r.Context(), name, phase)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"entry": name, "phase": string(phase)})
	case errors.Is(err, config.ErrUnknownEntry):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, executor.ErrQueueFull), errors.Is(err, executor.ErrPoolStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
