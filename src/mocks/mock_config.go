package mocks

import (
	"time"

	"github.com/simfabric/sample-dispatcher/src/config"
)

// MockConfig is a simple implementation of config.Interface for testing
type MockConfig struct {
	Address          string
	WorkerCount      int
	BatchSize        int
	MaxWrong         int
	ReplyTimeout     time.Duration
	BatchesToProduce int
}

func (m *MockConfig) GetLogLevel() string {
	return "info"
}

func (m *MockConfig) GetCoordinatorConfig() *config.CoordinatorConfig {
	addr := m.Address
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	return config.NewCoordinatorConfig(addr, m.WorkerCount, m.BatchSize, m.MaxWrong, m.ReplyTimeout, time.Second, nil)
}

func (m *MockConfig) GetMiddlewareConfig() *config.MiddlewareConfig {
	return nil
}

func (m *MockConfig) GetHealthPort() int {
	return 0
}

func (m *MockConfig) GetBatchesToProduce() int {
	return m.BatchesToProduce
}
