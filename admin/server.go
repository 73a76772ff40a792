package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/rs/zerolog/log"
)

// Server exposes the admin API, pprof and optionally Prometheus metrics on
// one HTTP listener.
type Server struct {
	address    string
	httpServer *http.Server
	listener   net.Listener
}

// NewServer builds the admin HTTP server. metrics may be nil.
func NewServer(address string, port int, handlers *AdminHandlers, metrics http.Handler) *Server {
	httpMux := http.NewServeMux()

	// Register pprof handlers for profiling
	httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if metrics != nil {
		httpMux.Handle("/metrics", metrics)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	RegisterRoutes(httpMux, handlers)

	return &Server{
		address:    fmt.Sprintf("%s:%d", address, port),
		httpServer: &http.Server{Handler: httpMux},
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	s.listener = listener

	log.Info().Str("address", listener.Addr().String()).Msg("Starting admin server")
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.address
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping admin server")
	return s.httpServer.Shutdown(ctx)
}
