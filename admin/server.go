package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Server hosts the admin API and the Prometheus scrape endpoint.
type Server struct {
	httpServer *http.Server
}

// NewServer builds the admin HTTP server from configuration.
func NewServer(config cfg.AdminConfiguration, handlers *Handlers) *Server {
	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers)

	if handler := telemetry.GetMetricsHandler(); handler != nil {
		mux.Handle("/metrics", handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", config.Address, config.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.httpServer.Addr).Msg("Admin server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown failed")
	}
}
