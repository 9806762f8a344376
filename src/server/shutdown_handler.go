package server

import (
	"os"

	"github.com/sirupsen/logrus"
)

// ShutdownHandlerInterface defines the interface for handling graceful shutdown
type ShutdownHandlerInterface interface {
	// HandleShutdown waits for the server to finish, an OS signal or an
	// internal shutdown request, and returns the server's error.
	HandleShutdown(serverDone chan error, osSignals chan os.Signal) error

	// ShutdownClients stops the workers.
	// interrupt=true aborts the batch being collected
	// interrupt=false lets the server finish its current batch
	ShutdownClients(interrupt bool)
}

// CoordinatorCloser is the coordinator method needed for shutdown
type CoordinatorCloser interface {
	Close() error
}

// HealthReporter is the health endpoint as seen by the shutdown handler
type HealthReporter interface {
	SetServing(serving bool)
}

// ShutdownHandler implements the ShutdownHandlerInterface interface
type ShutdownHandler struct {
	logger          *logrus.Logger
	coordinator     CoordinatorCloser
	health          HealthReporter
	shutdownRequest chan struct{}
}

// NewShutdownHandler creates a new shutdown handler
func NewShutdownHandler(
	logger *logrus.Logger,
	coordinator CoordinatorCloser,
	health HealthReporter,
	shutdownRequest chan struct{},
) ShutdownHandlerInterface {
	return &ShutdownHandler{
		logger:          logger,
		coordinator:     coordinator,
		health:          health,
		shutdownRequest: shutdownRequest,
	}
}

// HandleShutdown orchestrates graceful shutdown based on different shutdown sources
func (h *ShutdownHandler) HandleShutdown(serverDone chan error, osSignals chan os.Signal) error {
	go func() {
		sig, ok := <-osSignals
		if !ok {
			return
		}
		h.logger.WithField("signal", sig.String()).Info("Received OS signal. Initiating shutdown...")
		h.ShutdownClients(true)
	}()

	select {
	case err := <-serverDone:
		return h.handleServerError(err)
	case <-h.shutdownRequest:
		return h.handleInternalShutdown(serverDone)
	}
}

// handleServerError handles the server returning, with or without an error
func (h *ShutdownHandler) handleServerError(err error) error {
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("Service stopped unexpectedly due to an error")
		h.ShutdownClients(true)
		return err
	}
	h.logger.Info("Service stopped without an error.")
	return nil
}

// handleInternalShutdown handles a shutdown requested by the server itself
func (h *ShutdownHandler) handleInternalShutdown(serverDone chan error) error {
	h.logger.Info("Received internal shutdown request. Finishing current batch...")
	h.ShutdownClients(false)
	err := <-serverDone
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("Service encountered an error during internal shutdown")
		return err
	}
	h.logger.Info("Service exited gracefully after internal shutdown request.")
	return nil
}

// ShutdownClients marks the service unhealthy and, when interrupting, closes
// the coordinator so the batch in progress is abandoned.
func (h *ShutdownHandler) ShutdownClients(interrupt bool) {
	h.logger.WithField("interrupt", interrupt).Info("Initiating server shutdown...")

	h.health.SetServing(false)

	if interrupt {
		if err := h.coordinator.Close(); err != nil {
			h.logger.WithField("error", err.Error()).Error("Error closing coordinator")
		}
	}
}
