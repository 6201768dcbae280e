package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const shutdownTimeout = 20 * time.Second

type Server struct {
	*http.Server
	// CleanUpFuncs is a list of functions that will be called when the server has shutdown.
	CleanUpFuncs []func(ctx context.Context)
	Logger       *slog.Logger
}

// Start listens on Addr and serves until ctx is done, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully and runs
// the cleanup functions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s.Server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()

		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := s.Server.Shutdown(shutdownCtx)
		for _, cf := range s.CleanUpFuncs {
			cf(shutdownCtx)
		}
		shutdownErr <- err
	}()

	logger.Info(fmt.Sprintf("server started at %s", ln.Addr()))

	err := s.Server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}

	if err := <-shutdownErr; err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
