package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"pkt.systems/pslog"
)

// ListenAndServe binds cfg.Addr and serves the operator API until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("operator api listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the operator API on ln. Cancelling ctx drains in-flight
// requests for up to shutdownTimeout and returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := pslog.Ctx(ctx).With("addr", ln.Addr().String())
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          pslog.LogLoggerWithLevel(logger, pslog.ErrorLevel),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	logger.Info("operator api listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("operator api shutdown incomplete", "err", err)
		}
		<-errCh
		logger.Info("operator api stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
