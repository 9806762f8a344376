package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/simfabric/sample-dispatcher/src/config"
	"github.com/simfabric/sample-dispatcher/src/worker"
	"github.com/sirupsen/logrus"
)

func setupLogging(logger *logrus.Logger, level string) {
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		logger.WithField("level", level).Warn("Unknown log level, using info")
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
}

func main() {
	logger := logrus.New()
	cfg, err := config.NewWorkerConfig()
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("Failed to load configuration")
	}
	setupLogging(logger, cfg.GetLogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithField("error", err.Error()).Error("Worker exited with error")
		os.Exit(1)
	}
	logger.Info("Worker shutdown complete. Exiting.")
}

func run(ctx context.Context, cfg *config.WorkerConfig, logger *logrus.Logger) error {
	sim := NewSpringSimulation(cfg.GetSeed())
	params, err := sim.Parameters()
	if err != nil {
		return err
	}

	dialCtx, cancel := ctx, context.CancelFunc(func() {})
	if d := cfg.GetConnectTimeout(); d > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, d)
	}
	w, err := worker.Dial(dialCtx, cfg.GetCoordinatorAddress(), sim, params, logger)
	cancel()
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"coordinator": cfg.GetCoordinatorAddress(),
		"index":       w.Index(),
		"workers":     w.Count(),
		"parameters":  w.Parameters().Names(),
	}).Info("Connected to coordinator")

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
