package mocks

import (
	"github.com/simfabric/sample-dispatcher/src/middleware"
	"github.com/stretchr/testify/mock"
)

// MockPublisher is a mock implementation of Publisher for testing
type MockPublisher struct {
	mock.Mock
}

// Publish mocks the Publish method
func (m *MockPublisher) Publish(exchangeName, routingKey string, msg middleware.Message) error {
	args := m.Called(exchangeName, routingKey, msg)
	return args.Error(0)
}

func (m *MockPublisher) Close() {
	m.Called()
}
