package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockBatchSink is a mock batch sink, generic over the batch type because the
// server package's own tests use it.
type MockBatchSink[B any] struct {
	mock.Mock
}

func (m *MockBatchSink[B]) OnBatchReady(ctx context.Context, batch B) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}
