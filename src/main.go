package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/simfabric/sample-dispatcher/src/config"
	"github.com/simfabric/sample-dispatcher/src/server"
	"github.com/sirupsen/logrus"
)

func loadConfig(logger *logrus.Logger) config.GlobalConfig {
	cfg, err := config.NewConfig()
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("Failed to load configuration")
	}
	return cfg
}

func setupLogging(logger *logrus.Logger, cfg config.Interface) {
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.GetLogLevel())
	if err != nil {
		logger.WithField("level", cfg.GetLogLevel()).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func main() {
	logger := logrus.New()
	cfg := loadConfig(logger)
	setupLogging(logger, cfg)

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		logger.WithField("error", err.Error()).Error("Failed to initialize server")
		os.Exit(1)
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.Run()
	}()

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, syscall.SIGINT, syscall.SIGTERM)

	handler := server.NewShutdownHandler(logger, srv.Coordinator(), srv.Health(), srv.GetShutdownChan())
	if err := handler.HandleShutdown(serverDone, osSignals); err != nil {
		logger.WithField("error", err.Error()).Error("Service exited with error")
		os.Exit(1)
	}

	logger.Info("Service shutdown complete. Exiting.")
}
