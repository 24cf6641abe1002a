package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/RevCBH/winforge/internal/logging"
)

// ForceExitCode is the exit status after a second interrupt.
const ForceExitCode = 130

// SignalHandler turns the first interrupt into a context cancellation, which
// makes in-flight transactions roll back. A second interrupt runs the force
// callback; mounts left behind are cleaned up by the next recovery pass.
type SignalHandler struct {
	signals  chan os.Signal
	shutdown chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	logger   *slog.Logger

	mu    sync.Mutex
	force func()
}

// NewSignalHandler creates a handler that calls cancel on the first interrupt.
func NewSignalHandler(cancel context.CancelFunc, logger *slog.Logger) *SignalHandler {
	return &SignalHandler{
		signals:  make(chan os.Signal, 2),
		shutdown: make(chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		cancel:   cancel,
		logger:   logging.OrNop(logger),
		force:    func() { os.Exit(ForceExitCode) },
	}
}

// OnForce replaces what a second interrupt does.
func (h *SignalHandler) OnForce(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.force = fn
}

// Start begins listening for SIGINT and SIGTERM.
func (h *SignalHandler) Start() {
	h.StartWithNotify(true)
}

// StartWithNotify is Start with optional OS registration. Tests pass false
// and inject signals through Deliver.
func (h *SignalHandler) StartWithNotify(notify bool) {
	if notify {
		signal.Notify(h.signals, syscall.SIGINT, syscall.SIGTERM)
	}

	started := make(chan struct{})
	go func() {
		defer close(h.done)
		close(started)
		h.listen()
	}()
	<-started
}

func (h *SignalHandler) listen() {
	select {
	case sig := <-h.signals:
		h.logger.Warn("interrupted, rolling back open transactions; interrupt again to exit now",
			"signal", sig.String())
		if h.cancel != nil {
			h.cancel()
		}
		close(h.shutdown)
	case <-h.stopCh:
		return
	}

	select {
	case sig := <-h.signals:
		h.logger.Error("second interrupt, exiting without rollback", "signal", sig.String())
		h.mu.Lock()
		force := h.force
		h.mu.Unlock()
		if force != nil {
			force()
		}
	case <-h.stopCh:
	}
}

// Deliver injects a signal as if the OS had sent it.
func (h *SignalHandler) Deliver(sig os.Signal) {
	select {
	case h.signals <- sig:
	default:
	}
}

// Interrupted is closed once the first interrupt has cancelled the run.
func (h *SignalHandler) Interrupted() <-chan struct{} {
	return h.shutdown
}

// Stop unregisters the handler. It waits briefly for the listener to exit.
func (h *SignalHandler) Stop() {
	signal.Stop(h.signals)
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	select {
	case <-h.done:
	case <-time.After(100 * time.Millisecond):
	}
}
