package mocks

import (
	"sync"

	"github.com/stretchr/testify/mock"
)

// MockHealth is a mock implementation of server.Health. Start blocks until
// Stop is called, like the gRPC server it stands in for.
type MockHealth struct {
	mock.Mock
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewMockHealth() *MockHealth {
	return &MockHealth{stopped: make(chan struct{})}
}

func (m *MockHealth) SetServing(serving bool) {
	m.Called(serving)
}

func (m *MockHealth) Start() error {
	args := m.Called()
	<-m.stopped
	return args.Error(0)
}

func (m *MockHealth) Stop() {
	m.Called()
	m.stopOnce.Do(func() { close(m.stopped) })
}
