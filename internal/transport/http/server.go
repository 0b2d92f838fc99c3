package httptransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"example.com/trainingsync/internal/logging"
)

// ServerConfig contains tunables for the HTTP server.
type ServerConfig struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewServer creates *http.Server with provided handler.
func NewServer(cfg ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// Server is the subset of *http.Server the supervised service drives.
type Server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// Service runs an HTTP server under a supervisor until its context is cancelled.
type Service struct {
	name            string
	server          Server
	shutdownTimeout time.Duration
}

// NewService wraps server. name identifies it in supervisor logs.
func NewService(name string, server Server, shutdownTimeout time.Duration) *Service {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	return &Service{name: name, server: server, shutdownTimeout: shutdownTimeout}
}

// Serve blocks until ctx is cancelled or the listener fails.
func (s *Service) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logging.Info().Str("service", s.name).Msg("http server started")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", s.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown failed: %w", s.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *Service) String() string { return s.name }
