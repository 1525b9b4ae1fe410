// Package shutdown provides graceful shutdown handling.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Handler manages graceful shutdown of multiple components.
type Handler struct {
	logger   *slog.Logger
	timeout  time.Duration
	cleanups []cleanup
	mu       sync.Mutex
}

// CleanupFunc is a function called during shutdown.
type CleanupFunc func(ctx context.Context) error

type cleanup struct {
	name string
	fn   CleanupFunc
}

// New creates a new shutdown handler.
func New(logger *slog.Logger, timeout time.Duration) *Handler {
	return &Handler{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a named cleanup function. Cleanups run in LIFO order
// (last registered, first called).
func (h *Handler) Register(name string, fn CleanupFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanups = append(h.cleanups, cleanup{name: name, fn: fn})
}

// Notify returns a context that is cancelled when an interrupt or
// termination signal is received.
func (h *Handler) Notify(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Wait blocks until a shutdown signal is received, then performs cleanup.
func (h *Handler) Wait() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	h.logger.Info("received shutdown signal", "signal", sig.String())

	h.Shutdown()
}

// Shutdown runs the registered cleanups in reverse registration order,
// bounded by the configured timeout.
func (h *Handler) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	cleanups := make([]cleanup, len(h.cleanups))
	copy(cleanups, h.cleanups)
	h.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		c := cleanups[i]
		if ctx.Err() != nil {
			h.logger.Warn("shutdown timed out, skipping remaining cleanups", "component", c.name)
			return
		}
		h.logger.Info("shutting down component", "component", c.name)
		if err := c.fn(ctx); err != nil {
			h.logger.Error("error shutting down component", "component", c.name, "error", err)
		}
	}
	h.logger.Info("graceful shutdown completed")
}
