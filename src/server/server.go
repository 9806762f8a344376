package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/simfabric/sample-dispatcher/src/config"
	grpcserver "github.com/simfabric/sample-dispatcher/src/grpc"
	"github.com/simfabric/sample-dispatcher/src/middleware"
	"github.com/sirupsen/logrus"
)

// Health is the coordinator health endpoint.
type Health interface {
	HealthReporter
	Start() error
	Stop()
}

// Server wires the coordinator to its batch sink and health endpoint.
type Server struct {
	config          config.Interface
	logger          *logrus.Logger
	coordinator     *Coordinator
	sink            BatchSink
	health          Health
	middleware      middleware.MiddlewareInterface
	publisher       middleware.PublisherInterface
	shutdownRequest chan struct{}
	shutdownOnce    sync.Once
	closeOnce       sync.Once
}

// NewServer creates the coordinator, the batch sink (RabbitMQ when configured,
// a log sink otherwise) and the health endpoint.
func NewServer(cfg config.Interface, logger *logrus.Logger) (*Server, error) {
	var (
		sink      BatchSink
		mw        *middleware.Middleware
		publisher *middleware.Publisher
	)

	if mwCfg := cfg.GetMiddlewareConfig(); mwCfg != nil {
		var err error
		mw, err = middleware.NewMiddleware(mwCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create middleware: %w", err)
		}
		if err := mw.SetupTopology(); err != nil {
			mw.Close()
			return nil, fmt.Errorf("failed to set up topology: %w", err)
		}
		publisher, err = middleware.NewPublisher(mw.Conn(), mwCfg.GetMaxRetries(), logger)
		if err != nil {
			mw.Close()
			return nil, fmt.Errorf("failed to create batch publisher: %w", err)
		}
		sink = NewBatchHandler(publisher, logger)
	} else {
		logger.Warn("RabbitMQ is not configured, batches will only be logged")
		sink = NewLogSink(logger)
	}

	health, err := grpcserver.NewHealthServer(cfg.GetHealthPort(), logger)
	if err != nil {
		if mw != nil {
			publisher.Close()
			mw.Close()
		}
		return nil, err
	}

	srv := newServer(cfg, logger, sink, health)
	if mw != nil {
		srv.middleware = mw
		srv.publisher = publisher
	}

	cc := cfg.GetCoordinatorConfig()
	logger.WithFields(logrus.Fields{
		"address":      cc.GetAddress(),
		"workers":      cc.GetWorkerCount(),
		"batch_size":   cc.GetBatchSize(),
		"max_wrong":    cc.GetMaxWrongSamplesPerStep(),
		"health_addr":  health.Addr().String(),
		"batch_target": cfg.GetBatchesToProduce(),
	}).Info("Server initialized")
	return srv, nil
}

func newServer(cfg config.Interface, logger *logrus.Logger, sink BatchSink, health Health) *Server {
	return &Server{
		config:          cfg,
		logger:          logger,
		coordinator:     NewCoordinator(cfg.GetCoordinatorConfig(), logger),
		sink:            sink,
		health:          health,
		shutdownRequest: make(chan struct{}),
	}
}

// Coordinator exposes the coordinator, e.g. to install a predictor.
func (s *Server) Coordinator() *Coordinator {
	return s.coordinator
}

// Run listens for workers, waits for all of them, then collects batches until
// the configured number is produced (forever when 0) or a shutdown is
// requested. Everything is released before it returns.
func (s *Server) Run() error {
	defer s.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthDone := make(chan error, 1)
	go func() { healthDone <- s.health.Start() }()

	if err := s.coordinator.Listen(); err != nil {
		return fmt.Errorf("failed to listen for workers: %w", err)
	}
	connectCtx, stopConnect := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.shutdownRequest:
			stopConnect()
		case <-connectCtx.Done():
		}
	}()
	err := s.coordinator.Connect(connectCtx)
	stopConnect()
	if err != nil {
		if errors.Is(err, ErrCoordinatorClosed) || s.shutdownRequested() {
			s.logger.Info("Shutdown before all workers connected")
			return nil
		}
		return fmt.Errorf("failed to connect workers: %w", err)
	}
	s.health.SetServing(true)

	target := s.config.GetBatchesToProduce()
	batchSize := s.config.GetCoordinatorConfig().GetBatchSize()
	for produced := 0; target == 0 || produced < target; produced++ {
		if s.shutdownRequested() {
			s.logger.WithField("produced", produced).Info("Shutdown requested, stopping batch production")
			break
		}

		batch, err := s.coordinator.CollectBatch(ctx, batchSize)
		if err != nil {
			if errors.Is(err, ErrCoordinatorClosed) {
				s.logger.WithField("produced", produced).Info("Coordinator closed, stopping batch production")
				return nil
			}
			return fmt.Errorf("failed to collect batch %d: %w", produced, err)
		}
		if err := s.sink.OnBatchReady(ctx, batch); err != nil {
			return fmt.Errorf("failed to hand over batch %d: %w", produced, err)
		}

		select {
		case err := <-healthDone:
			return fmt.Errorf("health endpoint stopped: %w", err)
		default:
		}
	}

	s.logger.WithField("batches", target).Info("Batch production finished")
	return nil
}

// RequestShutdown asks Run to stop after the batch in progress.
func (s *Server) RequestShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownRequest)
	})
}

func (s *Server) GetShutdownChan() chan struct{} {
	return s.shutdownRequest
}

func (s *Server) shutdownRequested() bool {
	select {
	case <-s.shutdownRequest:
		return true
	default:
		return false
	}
}

// Health returns the health endpoint.
func (s *Server) Health() HealthReporter {
	return s.health
}

func (s *Server) close() {
	s.closeOnce.Do(func() {
		s.health.SetServing(false)
		s.coordinator.Close()
		if s.publisher != nil {
			s.publisher.Close()
		}
		if s.middleware != nil {
			s.middleware.Close()
		}
		s.health.Stop()
		s.logger.Info("Server stopped, all workers released.")
	})
}
