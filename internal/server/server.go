package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

// StartHttpServer serves defaultRouter on port until ctx is cancelled, then shuts down gracefully.
func StartHttpServer(ctx context.Context, logger hclog.Logger, defaultRouter http.Handler, port int) error {
	server := &http.Server{
		Addr:     fmt.Sprintf(":%d", port),
		Handler:  defaultRouter,
		ErrorLog: logger.StandardLogger(&hclog.StandardLoggerOptions{}),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("Starting server on port: %d", port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	logger.Info("Shutting down server")

	// wait max 30 seconds for current requests to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
