package mocks

import (
	"context"

	"github.com/simfabric/sample-dispatcher/src/protocol"
	"github.com/stretchr/testify/mock"
)

// MockSimulation is a mock implementation of worker.Simulation for testing
type MockSimulation struct {
	mock.Mock
}

func (m *MockSimulation) Step(ctx context.Context) (protocol.Record, error) {
	args := m.Called(ctx)
	rec, _ := args.Get(0).(protocol.Record)
	return rec, args.Error(1)
}

func (m *MockSimulation) ApplyPrediction(prediction protocol.Value) error {
	args := m.Called(prediction)
	return args.Error(0)
}

func (m *MockSimulation) IsSampleValid() bool {
	args := m.Called()
	return args.Bool(0)
}

// MockParameterSimulation also reports and receives parameters
type MockParameterSimulation struct {
	MockSimulation
}

func (m *MockParameterSimulation) Parameters() (protocol.Record, error) {
	args := m.Called()
	rec, _ := args.Get(0).(protocol.Record)
	return rec, args.Error(1)
}

func (m *MockParameterSimulation) ReceiveParameters(params protocol.Record) error {
	args := m.Called(params)
	return args.Error(0)
}

func (m *MockParameterSimulation) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockSampleSimulation also sub-steps and accepts input samples
type MockSampleSimulation struct {
	MockSimulation
}

func (m *MockSampleSimulation) SubStep(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSampleSimulation) ReceiveSample(sample protocol.Record) error {
	args := m.Called(sample)
	return args.Error(0)
}
