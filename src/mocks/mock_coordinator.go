package mocks

import (
	"github.com/stretchr/testify/mock"
)

// MockCoordinator is a mock implementation of server.CoordinatorCloser
type MockCoordinator struct {
	mock.Mock
}

func (m *MockCoordinator) Close() error {
	args := m.Called()
	return args.Error(0)
}
