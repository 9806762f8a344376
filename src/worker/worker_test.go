package worker

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/simfabric/sample-dispatcher/src/mocks"
	"github.com/simfabric/sample-dispatcher/src/protocol"
	"github.com/simfabric/sample-dispatcher/src/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// TEST HELPERS
// ============================================================================

func silentLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel) // Silence logs in tests
	return logger
}

// fakeCoordinator plays the coordinator side of the handshake on conn.
func fakeCoordinator(conn *transport.Conn, index, count int32, adjusted protocol.Record) (protocol.Record, error) {
	if err := conn.SendValue(index); err != nil {
		return nil, err
	}
	if err := conn.SendValue(count); err != nil {
		return nil, err
	}
	tag, params, err := conn.ReceiveExchange()
	if err != nil {
		return nil, err
	}
	if tag != protocol.InitParametersTag {
		return nil, errors.New("unexpected exchange tag " + tag)
	}
	return params, conn.SendRecord(adjusted)
}

// connectedWorker returns a worker past its handshake and the coordinator end of
// its connection.
func connectedWorker(t *testing.T, sim Simulation) (*Worker, *transport.Conn) {
	t.Helper()
	return connectedWorkerWith(t, sim, nil)
}

// connectedWorkerWith is connectedWorker with the parameters the coordinator
// answers the handshake with.
func connectedWorkerWith(t *testing.T, sim Simulation, adjusted protocol.Record) (*Worker, *transport.Conn) {
	t.Helper()
	a, b := net.Pipe()
	coord := transport.NewConn(a)
	w := New(transport.NewConn(b), sim, silentLogger())
	t.Cleanup(func() {
		coord.Close()
		w.Close()
	})

	errs := make(chan error, 1)
	go func() {
		_, err := fakeCoordinator(coord, 0, 1, adjusted)
		errs <- err
	}()
	require.NoError(t, w.Handshake(context.Background(), nil))
	require.NoError(t, <-errs)
	return w, coord
}

func runWorker(ctx context.Context, w *Worker) <-chan error {
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return done
}

func call(t *testing.T, coord *transport.Conn, cmd protocol.Command, payload protocol.Record) (string, protocol.Record) {
	t.Helper()
	require.NoError(t, coord.SendFrame(cmd.String(), payload))
	head, rec, err := coord.ReceiveFrame()
	require.NoError(t, err)
	return head, rec
}

func errorText(t *testing.T, rec protocol.Record) string {
	t.Helper()
	v, ok := rec.Get(protocol.FieldError)
	require.True(t, ok, "reply has no error field")
	return string(v.(protocol.Text))
}

// ============================================================================
// TESTS
// ============================================================================

func TestWorker_Handshake(t *testing.T) {
	t.Parallel()
	t.Run("Stores index and merged parameters", func(t *testing.T) {
		// Arrange
		a, b := net.Pipe()
		coord := transport.NewConn(a)
		defer coord.Close()
		sim := new(mocks.MockParameterSimulation)
		sim.On("ReceiveParameters", mock.Anything).Return(nil).Once()
		w := New(transport.NewConn(b), sim, silentLogger())
		defer w.Close()
		sim.On("Close").Return(nil)

		local := protocol.Record{
			{Name: "stiffness", Value: protocol.Float(2)},
			{Name: "steps", Value: protocol.Int(10)},
		}
		adjusted := protocol.Record{{Name: "steps", Value: protocol.Int(20)}}

		sent := make(chan protocol.Record, 1)
		go func() {
			params, err := fakeCoordinator(coord, 2, 3, adjusted)
			if err != nil {
				sent <- nil
				return
			}
			sent <- params
		}()

		// Act
		err := w.Handshake(context.Background(), local)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, local.Names(), (<-sent).Names())
		assert.Equal(t, 2, w.Index())
		assert.Equal(t, 3, w.Count())
		assert.Equal(t, StateReady, w.State())
		steps, _ := w.Parameters().Get("steps")
		assert.Equal(t, protocol.Int(20), steps)
		sim.AssertCalled(t, "ReceiveParameters", w.Parameters())
	})

	t.Run("Rejects index out of range", func(t *testing.T) {
		// Arrange
		a, b := net.Pipe()
		coord := transport.NewConn(a)
		defer coord.Close()
		w := New(transport.NewConn(b), new(mocks.MockSimulation), silentLogger())
		defer w.Close()

		go func() {
			coord.SendValue(int32(4))
			coord.SendValue(int32(4))
		}()

		// Act
		err := w.Handshake(context.Background(), nil)

		// Assert
		assert.ErrorIs(t, err, protocol.ErrMalformedMessage)
		assert.Equal(t, -1, w.Index())
	})

	t.Run("Aborts when context expires", func(t *testing.T) {
		// Arrange
		_, b := net.Pipe()
		w := New(transport.NewConn(b), new(mocks.MockSimulation), silentLogger())
		defer w.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		// Act
		err := w.Handshake(ctx, nil)

		// Assert
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestWorker_RunStep(t *testing.T) {
	t.Parallel()
	sample := protocol.Record{
		{Name: "input", Value: protocol.Float(0.5)},
		{Name: "ground_truth", Value: protocol.Float(1.5)},
	}

	tests := []struct {
		name       string
		valid      bool
		stepErr    error
		wantStatus string
	}{
		{name: "Valid sample", valid: true, wantStatus: "OK"},
		{name: "Invalid sample keeps fields", valid: false, wantStatus: "INVALID"},
		{name: "Step failure", stepErr: errors.New("solver diverged"), wantStatus: "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			sim := new(mocks.MockSimulation)
			if tt.stepErr != nil {
				sim.On("Step", mock.Anything).Return(nil, tt.stepErr)
			} else {
				sim.On("Step", mock.Anything).Return(sample, nil)
				sim.On("IsSampleValid").Return(tt.valid)
			}
			w, coord := connectedWorker(t, sim)
			done := runWorker(context.Background(), w)

			// Act
			head, rec := call(t, coord, protocol.CommandRunStep, nil)

			// Assert
			assert.Equal(t, tt.wantStatus, head)
			if tt.stepErr != nil {
				assert.Contains(t, errorText(t, rec), "solver diverged")
			} else {
				assert.Equal(t, sample.Names(), rec.Names())
			}
			coord.SendFrame(protocol.CommandClose.String(), nil)
			assert.NoError(t, <-done)
			sim.AssertExpectations(t)
		})
	}
}

func TestWorker_RunStepWithSubSteps(t *testing.T) {
	t.Parallel()
	subSteps := protocol.Record{{Name: protocol.ParamSimulationsPerStep, Value: protocol.Int(3)}}

	t.Run("Sub-stepper produces fields on the last step only", func(t *testing.T) {
		// Arrange
		sim := new(mocks.MockSampleSimulation)
		sim.On("SubStep", mock.Anything).Return(nil).Twice()
		sim.On("Step", mock.Anything).Return(protocol.Record{{Name: "x", Value: protocol.Int(3)}}, nil).Once()
		sim.On("IsSampleValid").Return(true).Once()
		w, coord := connectedWorkerWith(t, sim, subSteps)
		done := runWorker(context.Background(), w)

		// Act
		head, rec := call(t, coord, protocol.CommandRunStep, nil)

		// Assert
		assert.Equal(t, 3, w.StepsPerCommand())
		assert.Equal(t, "OK", head)
		assert.Equal(t, protocol.Record{{Name: "x", Value: protocol.Int(3)}}, rec)
		coord.SendFrame(protocol.CommandClose.String(), nil)
		assert.NoError(t, <-done)
		sim.AssertExpectations(t)
	})

	t.Run("Plain simulation keeps the last step's fields", func(t *testing.T) {
		// Arrange
		sim := new(mocks.MockSimulation)
		sim.On("Step", mock.Anything).Return(protocol.Record{{Name: "x", Value: protocol.Int(1)}}, nil).Once()
		sim.On("Step", mock.Anything).Return(protocol.Record{{Name: "x", Value: protocol.Int(2)}}, nil).Once()
		sim.On("Step", mock.Anything).Return(protocol.Record{{Name: "x", Value: protocol.Int(3)}}, nil).Once()
		sim.On("IsSampleValid").Return(false).Once()
		w, coord := connectedWorkerWith(t, sim, subSteps)
		done := runWorker(context.Background(), w)

		// Act
		head, rec := call(t, coord, protocol.CommandRunStep, nil)

		// Assert
		assert.Equal(t, "INVALID", head)
		assert.Equal(t, protocol.Record{{Name: "x", Value: protocol.Int(3)}}, rec)
		coord.SendFrame(protocol.CommandClose.String(), nil)
		assert.NoError(t, <-done)
		sim.AssertExpectations(t)
	})

	t.Run("Failing sub-step is an error reply", func(t *testing.T) {
		// Arrange
		sim := new(mocks.MockSampleSimulation)
		sim.On("SubStep", mock.Anything).Return(errors.New("mesh inverted")).Once()
		w, coord := connectedWorkerWith(t, sim, subSteps)
		done := runWorker(context.Background(), w)

		// Act
		head, rec := call(t, coord, protocol.CommandRunStep, nil)

		// Assert
		assert.Equal(t, "ERROR", head)
		assert.Contains(t, errorText(t, rec), "mesh inverted")
		sim.AssertNotCalled(t, "Step", mock.Anything)
		coord.SendFrame(protocol.CommandClose.String(), nil)
		assert.NoError(t, <-done)
	})

	t.Run("RECEIVE_PARAMETERS changes the count", func(t *testing.T) {
		// Arrange
		sim := new(mocks.MockSimulation)
		w, coord := connectedWorkerWith(t, sim, subSteps)
		done := runWorker(context.Background(), w)

		// Act
		okHead, _ := call(t, coord, protocol.CommandReceiveParameters,
			protocol.Record{{Name: protocol.ParamSimulationsPerStep, Value: protocol.Int(5)}})
		badHead, _ := call(t, coord, protocol.CommandReceiveParameters,
			protocol.Record{{Name: protocol.ParamSimulationsPerStep, Value: protocol.Int(0)}})

		// Assert
		assert.Equal(t, "OK", okHead)
		assert.Equal(t, "ERROR", badHead)
		coord.SendFrame(protocol.CommandClose.String(), nil)
		assert.NoError(t, <-done)
		assert.Equal(t, 5, w.StepsPerCommand())
	})
}

func TestWorker_HandshakeRejectsBadSubStepCount(t *testing.T) {
	t.Parallel()
	// Arrange
	a, b := net.Pipe()
	coord := transport.NewConn(a)
	defer coord.Close()
	w := New(transport.NewConn(b), new(mocks.MockSimulation), silentLogger())
	defer w.Close()
	go fakeCoordinator(coord, 0, 1, protocol.Record{{Name: protocol.ParamSimulationsPerStep, Value: protocol.Text("many")}})

	// Act
	err := w.Handshake(context.Background(), nil)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), protocol.ParamSimulationsPerStep)
}

func TestWorker_RunStepWithInputSample(t *testing.T) {
	t.Parallel()
	sample := protocol.Record{{Name: "input", Value: protocol.Float(0.25)}}

	t.Run("Sample is handed over before stepping", func(t *testing.T) {
		// Arrange
		sim := new(mocks.MockSampleSimulation)
		received := make(chan struct{})
		sim.On("ReceiveSample", sample).Run(func(mock.Arguments) { close(received) }).Return(nil).Once()
		sim.On("Step", mock.Anything).Run(func(mock.Arguments) {
			select {
			case <-received:
			default:
				panic("stepped before the sample arrived")
			}
		}).Return(sample, nil).Once()
		sim.On("IsSampleValid").Return(true).Once()
		w, coord := connectedWorker(t, sim)
		done := runWorker(context.Background(), w)

		// Act
		head, rec := call(t, coord, protocol.CommandRunStep, sample)

		// Assert
		assert.Equal(t, "OK", head)
		assert.Equal(t, sample, rec)
		coord.SendFrame(protocol.CommandClose.String(), nil)
		assert.NoError(t, <-done)
		sim.AssertExpectations(t)
	})

	t.Run("Simulation without sample support", func(t *testing.T) {
		// Arrange
		sim := new(mocks.MockSimulation)
		w, coord := connectedWorker(t, sim)
		done := runWorker(context.Background(), w)

		// Act
		head, rec := call(t, coord, protocol.CommandRunStep, sample)

		// Assert
		assert.Equal(t, "ERROR", head)
		assert.Contains(t, errorText(t, rec), "input samples")
		sim.AssertNotCalled(t, "Step", mock.Anything)
		coord.SendFrame(protocol.CommandClose.String(), nil)
		assert.NoError(t, <-done)
	})
}

func TestWorker_CommandTable(t *testing.T) {
	t.Parallel()
	// Arrange
	sim := new(mocks.MockParameterSimulation)
	sim.On("ApplyPrediction", protocol.Float(4)).Return(nil).Once()
	sim.On("Parameters").Return(protocol.Record{{Name: "mass", Value: protocol.Float(1)}}, nil)
	sim.On("ReceiveParameters", mock.Anything).Return(nil)
	sim.On("Close").Return(nil).Once()
	w, coord := connectedWorker(t, sim)
	done := runWorker(context.Background(), w)

	t.Run("APPLY_PREDICTION", func(t *testing.T) {
		head, _ := call(t, coord, protocol.CommandApplyPrediction,
			protocol.Record{{Name: protocol.FieldPrediction, Value: protocol.Float(4)}})
		assert.Equal(t, "OK", head)
	})

	t.Run("APPLY_PREDICTION without prediction", func(t *testing.T) {
		head, rec := call(t, coord, protocol.CommandApplyPrediction, nil)
		assert.Equal(t, "ERROR", head)
		assert.Contains(t, errorText(t, rec), protocol.FieldPrediction)
	})

	t.Run("SEND_PARAMETERS", func(t *testing.T) {
		head, rec := call(t, coord, protocol.CommandSendParameters, nil)
		assert.Equal(t, "OK", head)
		assert.Equal(t, []string{"mass"}, rec.Names())
	})

	t.Run("RECEIVE_PARAMETERS", func(t *testing.T) {
		head, _ := call(t, coord, protocol.CommandReceiveParameters,
			protocol.Record{{Name: "damping", Value: protocol.Float(0.1)}})
		assert.Equal(t, "OK", head)
		_, ok := w.Parameters().Get("damping")
		assert.True(t, ok)
	})

	t.Run("GET_PREDICTION unsupported", func(t *testing.T) {
		head, rec := call(t, coord, protocol.CommandGetPrediction, nil)
		assert.Equal(t, "ERROR", head)
		assert.NotEmpty(t, errorText(t, rec))
	})

	t.Run("EXCHANGE echoes", func(t *testing.T) {
		payload := protocol.Record{{Name: protocol.FieldName, Value: protocol.Text("ping")}}
		head, rec := call(t, coord, protocol.CommandExchange, payload)
		assert.Equal(t, "OK", head)
		assert.True(t, protocol.Equal(protocol.Text("ping"), rec[0].Value))
	})

	t.Run("Unknown command", func(t *testing.T) {
		require.NoError(t, coord.SendFrame("REBOOT", nil))
		head, rec, err := coord.ReceiveFrame()
		require.NoError(t, err)
		assert.Equal(t, "ERROR", head)
		assert.Contains(t, errorText(t, rec), "REBOOT")
	})

	t.Run("CLOSE ends the loop without reply", func(t *testing.T) {
		require.NoError(t, coord.SendFrame(protocol.CommandClose.String(), nil))

		assert.NoError(t, <-done)
		assert.Equal(t, StateClosed, w.State())
		_, _, err := coord.ReceiveFrame()
		assert.True(t, transport.IsClosed(err))
	})

	sim.AssertExpectations(t)
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	t.Parallel()
	// Arrange
	sim := new(mocks.MockSimulation)
	sim.On("Step", mock.Anything).Run(func(mock.Arguments) { panic("index out of range") }).Once()
	sim.On("Step", mock.Anything).Return(protocol.Record{{Name: "x", Value: protocol.Int(1)}}, nil)
	sim.On("IsSampleValid").Return(true)
	w, coord := connectedWorker(t, sim)
	done := runWorker(context.Background(), w)

	// Act
	first, rec := call(t, coord, protocol.CommandRunStep, nil)
	second, _ := call(t, coord, protocol.CommandRunStep, nil)

	// Assert
	assert.Equal(t, "ERROR", first)
	assert.Contains(t, errorText(t, rec), "panic")
	assert.Equal(t, "OK", second)
	coord.SendFrame(protocol.CommandClose.String(), nil)
	assert.NoError(t, <-done)
}

func TestWorker_RequestPredictionDuringStep(t *testing.T) {
	t.Parallel()
	// Arrange
	sim := new(mocks.MockSimulation)
	var w *Worker
	var got protocol.Value
	sim.On("Step", mock.Anything).Run(func(mock.Arguments) {
		v, err := w.RequestPrediction(protocol.Record{{Name: "state", Value: protocol.Float(1)}})
		if err == nil {
			got = v
		}
	}).Return(protocol.Record{{Name: "x", Value: protocol.Float(1)}}, nil)
	sim.On("IsSampleValid").Return(true)
	w, coord := connectedWorker(t, sim)
	done := runWorker(context.Background(), w)

	// Act
	require.NoError(t, coord.SendFrame(protocol.CommandRunStep.String(), nil))
	head, req, err := coord.ReceiveFrame()
	require.NoError(t, err)
	require.Equal(t, protocol.CommandGetPrediction.String(), head)
	require.Equal(t, []string{"state"}, req.Names())
	require.NoError(t, coord.SendFrame(protocol.StatusOK.String(),
		protocol.Record{{Name: protocol.FieldPrediction, Value: protocol.Float(9)}}))
	head, _, err = coord.ReceiveFrame()
	require.NoError(t, err)

	// Assert
	assert.Equal(t, "OK", head)
	assert.Equal(t, protocol.Float(9), got)
	coord.SendFrame(protocol.CommandClose.String(), nil)
	assert.NoError(t, <-done)
}

func TestWorker_RequestPredictionOutsideCommand(t *testing.T) {
	t.Parallel()
	w, _ := connectedWorker(t, new(mocks.MockSimulation))

	_, err := w.RequestPrediction(nil)

	assert.Error(t, err)
}

func TestWorker_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	// Arrange
	w, _ := connectedWorker(t, new(mocks.MockSimulation))
	ctx, cancel := context.WithCancel(context.Background())
	done := runWorker(ctx, w)

	// Act
	cancel()

	// Assert
	select {
	case err := <-done:
		assert.True(t, err == nil || errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorker_RunReportsLostCoordinator(t *testing.T) {
	t.Parallel()
	w, coord := connectedWorker(t, new(mocks.MockSimulation))
	done := runWorker(context.Background(), w)

	coord.Close()

	err := <-done
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	assert.Equal(t, StateClosed, w.State())
}

func TestWorker_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	// Arrange
	sim := new(mocks.MockParameterSimulation)
	sim.On("ReceiveParameters", mock.Anything).Return(nil)
	sim.On("Close").Return(nil).Once()
	w, _ := connectedWorker(t, sim)

	// Act
	first := w.Close()
	second := w.Close()

	// Assert
	assert.NoError(t, first)
	assert.NoError(t, second)
	assert.Equal(t, StateClosed, w.State())
	sim.AssertNumberOfCalls(t, "Close", 1)
}
