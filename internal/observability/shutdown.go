package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ShutdownCoordinator collects named teardown handlers and runs them
// in reverse registration order, so dependents stop before the things
// they depend on. Every handler runs even when earlier ones fail.
type ShutdownCoordinator struct {
	mu       sync.Mutex
	handlers []namedHandler
}

type namedHandler struct {
	name string
	fn   func(context.Context) error
}

// Register appends a teardown handler.
func (s *ShutdownCoordinator) Register(name string, fn func(context.Context) error) {
	s.mu.Lock()
	s.handlers = append(s.handlers, namedHandler{name: name, fn: fn})
	s.mu.Unlock()
}

// Shutdown runs the handlers LIFO and joins their errors.
func (s *ShutdownCoordinator) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handlers := append([]namedHandler(nil), s.handlers...)
	s.mu.Unlock()

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		slog.Info("shutting down", "component", h.name)
		if err := h.fn(ctx); err != nil {
			slog.Error("shutdown error", "component", h.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
