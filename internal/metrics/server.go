package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server exposes a Collector over HTTP.
type Server struct {
	addr     string
	endpoint string
	c        *Collector
	logger   *slog.Logger
	server   *http.Server
}

func NewServer(addr, endpoint string, c *Collector, logger *slog.Logger) *Server {
	if endpoint == "" {
		endpoint = "/metrics"
	}
	return &Server{addr: addr, endpoint: endpoint, c: c, logger: logger}
}

// Start serves metrics until ctx is cancelled, then shuts the listener down.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.endpoint, s.c.Handler())

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("metrics server starting", "addr", s.addr, "endpoint", s.endpoint)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	}
}
