package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Server serves the status endpoints over HTTP.
type Server struct {
	httpSrv *http.Server
	log     zerolog.Logger
}

// NewServer creates a status HTTP server listening on addr.
func NewServer(addr string, handler *HealthHandler, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	handler.Register(mux)

	return &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With().Str("component", "status-server").Logger(),
	}
}

// Start begins serving. It blocks until the server is shut down.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("status server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
