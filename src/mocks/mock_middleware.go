package mocks

import (
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/simfabric/sample-dispatcher/src/middleware"
	"github.com/stretchr/testify/mock"
)

// MockMiddleware is a mock implementation of middleware.MiddlewareInterface
type MockMiddleware struct {
	mock.Mock
}

func (m *MockMiddleware) SetupTopology() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockMiddleware) DeclareExchange(exchangeName string, exchangeType string) error {
	args := m.Called(exchangeName, exchangeType)
	return args.Error(0)
}

func (m *MockMiddleware) DeclareTapQueue(exchangeName string, binding middleware.Binding) error {
	args := m.Called(exchangeName, binding)
	return args.Error(0)
}

func (m *MockMiddleware) Conn() *amqp.Connection {
	args := m.Called()
	conn, _ := args.Get(0).(*amqp.Connection)
	return conn
}

func (m *MockMiddleware) Close() {
	m.Called()
}
