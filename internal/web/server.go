package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cjeanneret/PanTilt/internal/debug"
	"github.com/cjeanneret/PanTilt/internal/servo"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, s *servo.Session, broadcaster *StatusBroadcaster, runScan RunScanFunc) *Server {
	return &Server{
		addr:     addr,
		handlers: NewHandlers(s, broadcaster, runScan),
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	h := s.handlers
	r := mux.NewRouter()

	r.HandleFunc("/status", h.HandleStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/stream", h.HandleStatusStream).Methods(http.MethodGet)
	r.HandleFunc("/devices", h.HandleDevices).Methods(http.MethodGet)
	r.HandleFunc("/connect", h.HandleConnect).Methods(http.MethodPost)
	r.HandleFunc("/disconnect", h.HandleDisconnect).Methods(http.MethodPost)
	r.HandleFunc("/goal", h.HandleGoal).Methods(http.MethodPost)
	r.HandleFunc("/speed", h.HandleSpeed).Methods(http.MethodPost)
	r.HandleFunc("/accel", h.HandleAccel).Methods(http.MethodPost)
	r.HandleFunc("/polling/start", h.HandlePollingStart).Methods(http.MethodPost)
	r.HandleFunc("/polling/stop", h.HandlePollingStop).Methods(http.MethodPost)
	r.HandleFunc("/events", h.HandleEvents).Methods(http.MethodPost)
	r.HandleFunc("/run", h.HandleRun).Methods(http.MethodPost)
	r.HandleFunc("/ws", h.HandleWebSocket)

	return r
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
// Polling loops and scans started over HTTP are bound to ctx.
func (s *Server) Run(ctx context.Context) error {
	s.handlers.ctx = ctx
	srv := &http.Server{
		Addr:        s.addr,
		Handler:     s.Mux(),
		ReadTimeout: 15 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		debug.Info("Web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
