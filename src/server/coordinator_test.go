package server

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/simfabric/sample-dispatcher/src/config"
	"github.com/simfabric/sample-dispatcher/src/protocol"
	"github.com/simfabric/sample-dispatcher/src/worker"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
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

// scriptedSim numbers its replies from 1 and tags every sample with its worker
// id and reply number, plus the fields of the input sample it was handed.
type scriptedSim struct {
	id        int
	invalid   func(reply int) bool
	fail      func(reply int) bool
	delay     func(reply int) time.Duration
	requester *worker.Worker

	replies int
	valid   bool
	input   protocol.Record
}

func (s *scriptedSim) ReceiveSample(sample protocol.Record) error {
	s.input = sample
	return nil
}

func (s *scriptedSim) Step(ctx context.Context) (protocol.Record, error) {
	s.replies++
	n := s.replies
	if s.delay != nil {
		select {
		case <-time.After(s.delay(n)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail != nil && s.fail(n) {
		return nil, fmt.Errorf("step %d diverged", n)
	}
	s.valid = s.invalid == nil || !s.invalid(n)

	rec := protocol.Record{
		{Name: "worker", Value: protocol.Int(s.id)},
		{Name: "reply", Value: protocol.Int(n)},
	}
	if s.requester != nil {
		v, err := s.requester.RequestPrediction(protocol.Record{{Name: "state", Value: protocol.Float(float32(n))}})
		if err != nil {
			return nil, err
		}
		rec.Set("prediction", v)
	}
	rec, s.input = rec.Merge(s.input), nil
	return rec, nil
}

func (s *scriptedSim) ApplyPrediction(protocol.Value) error { return nil }

func (s *scriptedSim) IsSampleValid() bool { return s.valid }

type cluster struct {
	coordinator *Coordinator
	workers     []*worker.Worker
	done        []chan error
}

func coordinatorConfig(workers, batchSize, maxWrong int, replyTimeout time.Duration) *config.CoordinatorConfig {
	return config.NewCoordinatorConfig("127.0.0.1:0", workers, batchSize, maxWrong, replyTimeout, time.Second, nil)
}

// startCluster connects one worker per simulation, one after the other, so that
// worker i gets index i.
func startCluster(t *testing.T, cfg *config.CoordinatorConfig, sims []*scriptedSim, setup func(*Coordinator)) *cluster {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c := NewCoordinator(cfg, silentLogger())
	if setup != nil {
		setup(c)
	}
	require.NoError(t, c.Listen())
	t.Cleanup(func() { c.Close() })

	connected := make(chan error, 1)
	go func() { connected <- c.Connect(ctx) }()

	cl := &cluster{coordinator: c}
	for i, sim := range sims {
		sim.id = i
		w, err := worker.Dial(ctx, c.Addr().String(), sim, nil, silentLogger())
		require.NoError(t, err)
		require.Equal(t, i, w.Index())
		cl.workers = append(cl.workers, w)
		t.Cleanup(func() { w.Close() })
	}
	require.NoError(t, <-connected)
	return cl
}

func (cl *cluster) run(t *testing.T) {
	t.Helper()
	for _, w := range cl.workers {
		done := make(chan error, 1)
		go func(w *worker.Worker) { done <- w.Run(context.Background()) }(w)
		cl.done = append(cl.done, done)
	}
}

func intField(t *testing.T, b *Batch, name string, row int) int {
	t.Helper()
	v, ok := b.Fields[name][row].(protocol.Int)
	require.True(t, ok, "row %d field %s is %#v", row, name, b.Fields[name][row])
	return int(v)
}

func newSims(n int) []*scriptedSim {
	sims := make([]*scriptedSim, n)
	for i := range sims {
		sims[i] = &scriptedSim{}
	}
	return sims
}

// ============================================================================
// TESTS
// ============================================================================

func TestCoordinator_CollectBatchWithInvalidSamples(t *testing.T) {
	t.Parallel()
	// Arrange
	sims := newSims(3)
	sims[1].invalid = func(reply int) bool { return reply <= 2 }
	cl := startCluster(t, coordinatorConfig(3, 5, 10, 0), sims, nil)
	cl.run(t)

	// Act
	batch, err := cl.coordinator.CollectBatch(context.Background(), 5)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 5, batch.Rows())
	assert.Equal(t, []string{"worker", "reply"}, batch.FieldNames())
	for _, name := range batch.FieldNames() {
		assert.Len(t, batch.Fields[name], 5)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1}, batch.Sessions)
	assert.Equal(t, 3, intField(t, batch, "reply", 1))
	assert.Equal(t, 4, intField(t, batch, "reply", 4))
	assert.LessOrEqual(t, batch.Stats.Broadcasts, 7)
	assert.Equal(t, []int{0, 2, 0}, batch.Stats.Discarded)
	assert.Empty(t, batch.Stats.Events)
	assert.Equal(t, 2, batch.Stats.Rounds)
}

func TestCoordinator_RowsFollowSessionOrder(t *testing.T) {
	t.Parallel()
	// Arrange
	sims := newSims(3)
	cl := startCluster(t, coordinatorConfig(3, 7, 10, 0), sims, nil)
	cl.run(t)

	// Act
	batch, err := cl.coordinator.CollectBatch(context.Background(), 7)

	// Assert
	require.NoError(t, err)
	require.Equal(t, 7, batch.Rows())
	for r := 0; r < batch.Rows(); r++ {
		assert.Equal(t, r%3, batch.Sessions[r])
		assert.Equal(t, r%3, intField(t, batch, "worker", r))
	}
	assert.Equal(t, 7, batch.Stats.Broadcasts)
}

func TestCoordinator_RetryBoundForcesLastSample(t *testing.T) {
	t.Parallel()
	// Arrange
	sims := newSims(2)
	sims[1].invalid = func(int) bool { return true }
	cl := startCluster(t, coordinatorConfig(2, 2, 2, 0), sims, nil)
	cl.run(t)

	// Act
	batch, err := cl.coordinator.CollectBatch(context.Background(), 2)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 2, batch.Rows())
	assert.Equal(t, 3, intField(t, batch, "reply", 1))
	assert.Equal(t, 3, batch.Stats.Discarded[1])
	assert.Equal(t, []int{0, 1}, batch.Stats.Forced)
	require.Len(t, batch.Stats.Events, 1)
	assert.Equal(t, 1, batch.Stats.Events[0].Index)
	assert.Equal(t, 2, batch.Stats.Events[0].Limit)
}

func TestCoordinator_ForcedSlotWithoutDataIsNone(t *testing.T) {
	t.Parallel()
	// Arrange
	sims := newSims(2)
	sims[1].fail = func(int) bool { return true }
	cl := startCluster(t, coordinatorConfig(2, 4, 1, 0), sims, nil)
	cl.run(t)

	// Act
	batch, err := cl.coordinator.CollectBatch(context.Background(), 4)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0, 1}, batch.Sessions)
	for _, row := range []int{1, 3} {
		for _, name := range batch.FieldNames() {
			assert.Equal(t, protocol.None{}, batch.Fields[name][row], "row %d field %s", row, name)
		}
	}
	assert.Equal(t, 2, batch.Stats.Forced[1])
}

func TestCoordinator_ReplyTimeoutDiscardsLateReply(t *testing.T) {
	t.Parallel()
	// Arrange
	sims := newSims(2)
	sims[1].delay = func(reply int) time.Duration {
		if reply == 1 {
			return 200 * time.Millisecond
		}
		return 0
	}
	cl := startCluster(t, coordinatorConfig(2, 2, 20, 40*time.Millisecond), sims, nil)
	cl.run(t)

	// Act
	batch, err := cl.coordinator.CollectBatch(context.Background(), 2)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 2, intField(t, batch, "reply", 1))
	assert.GreaterOrEqual(t, batch.Stats.Discarded[1], 1)
	assert.Empty(t, batch.Stats.Events)
}

func TestCoordinator_CollectBatchHonoursContext(t *testing.T) {
	t.Parallel()
	// Arrange
	sims := newSims(1)
	sims[0].delay = func(reply int) time.Duration {
		if reply == 1 {
			return time.Second
		}
		return 0
	}
	cl := startCluster(t, coordinatorConfig(1, 1, 10, 0), sims, nil)
	cl.run(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Act
	_, err := cl.coordinator.CollectBatch(ctx, 1)
	batch, retryErr := cl.coordinator.CollectBatch(context.Background(), 1)

	// Assert
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, retryErr)
	assert.Equal(t, 2, intField(t, batch, "reply", 0))
}

func TestCoordinator_WorkerLossFailsCollection(t *testing.T) {
	t.Parallel()
	// Arrange
	sims := newSims(2)
	cl := startCluster(t, coordinatorConfig(2, 2, 10, 0), sims, nil)
	cl.workers[1].Close()
	cl.run(t)

	// Act
	_, err := cl.coordinator.CollectBatch(context.Background(), 2)
	_, again := cl.coordinator.CollectBatch(context.Background(), 2)

	// Assert
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	assert.ErrorIs(t, again, protocol.ErrConnectionClosed)
}

func TestCoordinator_SendCommand(t *testing.T) {
	t.Parallel()
	// Arrange
	sims := newSims(2)
	cl := startCluster(t, coordinatorConfig(2, 2, 10, 0), sims, nil)
	cl.run(t)
	ctx := context.Background()
	params := protocol.Record{{Name: "dt", Value: protocol.Float(0.01)}}

	t.Run("RECEIVE_PARAMETERS then SEND_PARAMETERS", func(t *testing.T) {
		reply, err := cl.coordinator.SendCommand(ctx, protocol.CommandReceiveParameters, params, 1)
		require.NoError(t, err)
		assert.Equal(t, protocol.StatusOK, reply.Status)

		reply, err = cl.coordinator.SendCommand(ctx, protocol.CommandSendParameters, nil, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, reply.Index)
		assert.Equal(t, []string{"dt"}, reply.Record.Names())
	})

	t.Run("ERROR reply", func(t *testing.T) {
		reply, err := cl.coordinator.SendCommand(ctx, protocol.CommandGetPrediction, nil, 0)

		var execErr *protocol.WorkerExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.Equal(t, 0, execErr.Index)
		assert.Equal(t, protocol.CommandGetPrediction, execErr.Command)
		assert.Equal(t, protocol.StatusError, reply.Status)
	})

	t.Run("Unknown index", func(t *testing.T) {
		_, err := cl.coordinator.SendCommand(ctx, protocol.CommandRunStep, nil, 5)
		assert.Error(t, err)
	})

	t.Run("CLOSE is reserved", func(t *testing.T) {
		_, err := cl.coordinator.SendCommand(ctx, protocol.CommandClose, nil, 0)
		assert.Error(t, err)
	})
}

type doublingPredictor struct{}

func (doublingPredictor) Predict(_ context.Context, _ int, input protocol.Record) (protocol.Value, error) {
	v, ok := input.Get("state")
	if !ok {
		return nil, errors.New("no state")
	}
	return protocol.Float(2 * float32(v.(protocol.Float))), nil
}

func TestCoordinator_ServesPredictionRequests(t *testing.T) {
	t.Parallel()
	// Arrange
	sims := newSims(1)
	cl := startCluster(t, coordinatorConfig(1, 2, 10, 0), sims, func(c *Coordinator) {
		c.SetPredictor(doublingPredictor{})
	})
	sims[0].requester = cl.workers[0]
	cl.run(t)

	// Act
	batch, err := cl.coordinator.CollectBatch(context.Background(), 2)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, protocol.Float(2), batch.Fields["prediction"][0])
	assert.Equal(t, protocol.Float(4), batch.Fields["prediction"][1])
}

func TestCoordinator_PredictionWithoutPredictorIsWrongSample(t *testing.T) {
	t.Parallel()
	// Arrange
	sims := newSims(1)
	cl := startCluster(t, coordinatorConfig(1, 1, 0, 0), sims, nil)
	sims[0].requester = cl.workers[0]
	cl.run(t)

	// Act
	batch, err := cl.coordinator.CollectBatch(context.Background(), 1)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Stats.Forced[0])
}

func TestCoordinator_CollectBatchSamples(t *testing.T) {
	t.Parallel()
	// Arrange
	sims := newSims(2)
	sims[1].invalid = func(reply int) bool { return reply == 1 }
	cl := startCluster(t, coordinatorConfig(2, 3, 10, 0), sims, nil)
	cl.run(t)
	samples := []protocol.Record{
		{{Name: "x", Value: protocol.Int(10)}},
		{{Name: "x", Value: protocol.Int(11)}},
		{{Name: "x", Value: protocol.Int(12)}},
	}

	// Act
	batch, err := cl.coordinator.CollectBatchSamples(context.Background(), samples)

	// Assert
	require.NoError(t, err)
	require.Equal(t, 3, batch.Rows())
	assert.Equal(t, []int{0, 1, 0}, batch.Sessions)
	for r := range samples {
		assert.Equal(t, 10+r, intField(t, batch, "x", r))
	}
	assert.Equal(t, 2, intField(t, batch, "reply", 1))
	assert.Equal(t, []int{0, 1}, batch.Stats.Discarded)
	assert.Equal(t, 4, batch.Stats.Broadcasts)
}

func TestCoordinator_CollectBatchSamplesRejectsEmptyInput(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(coordinatorConfig(1, 1, 0, 0), silentLogger())

	_, err := c.CollectBatchSamples(context.Background(), nil)
	assert.Error(t, err)

	_, err = c.CollectBatchSamples(context.Background(), []protocol.Record{{}})
	assert.ErrorContains(t, err, "input sample 0 is empty")
}

func TestCoordinator_SimulationsPerStep(t *testing.T) {
	t.Parallel()
	// Arrange
	params := protocol.Record{{Name: protocol.ParamSimulationsPerStep, Value: protocol.Int(3)}}
	cfg := config.NewCoordinatorConfig("127.0.0.1:0", 2, 2, 10, 0, time.Second, params)
	sims := newSims(2)
	cl := startCluster(t, cfg, sims, nil)
	cl.run(t)

	// Act
	first, err := cl.coordinator.CollectBatch(context.Background(), 2)
	require.NoError(t, err)
	second, err := cl.coordinator.CollectBatch(context.Background(), 2)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, 2, cl.coordinator.WorkerCount())
	for _, w := range cl.workers {
		assert.Equal(t, 3, w.StepsPerCommand())
	}
	for r := range 2 {
		assert.Equal(t, 3, intField(t, first, "reply", r))
		assert.Equal(t, 6, intField(t, second, "reply", r))
	}
}

func TestCoordinator_WorkerCountWaitsForConnect(t *testing.T) {
	t.Parallel()
	// Arrange
	c := NewCoordinator(coordinatorConfig(1, 1, 0, 0), silentLogger())
	require.NoError(t, c.Listen())
	t.Cleanup(func() { c.Close() })
	connected := make(chan error, 1)
	go func() { connected <- c.Connect(context.Background()) }()

	w, err := worker.Dial(context.Background(), c.Addr().String(), &scriptedSim{}, nil, silentLogger())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	// Act
	count := c.WorkerCount()

	// Assert
	require.NoError(t, <-connected)
	assert.Equal(t, 1, count)
}

func TestCoordinator_ParameterHook(t *testing.T) {
	t.Parallel()
	// Arrange
	seen := make(chan int, 2)
	sims := newSims(2)
	cl := startCluster(t, coordinatorConfig(2, 2, 10, 0), sims, func(c *Coordinator) {
		c.SetParameterHook(func(index int, params protocol.Record) (protocol.Record, error) {
			seen <- index
			return protocol.Record{{Name: "seed", Value: protocol.Int(100 + index)}}, nil
		})
	})

	// Assert
	assert.Equal(t, 0, <-seen)
	assert.Equal(t, 1, <-seen)
	for i, w := range cl.workers {
		v, ok := w.Parameters().Get("seed")
		require.True(t, ok)
		assert.Equal(t, protocol.Int(100+i), v)
	}
}

func TestCoordinator_CloseIsIdempotent(t *testing.T) {
	t.Parallel()
	// Arrange
	sims := newSims(2)
	cl := startCluster(t, coordinatorConfig(2, 2, 10, 0), sims, nil)
	cl.run(t)

	// Act
	first := cl.coordinator.Close()
	second := cl.coordinator.Close()

	// Assert
	assert.NoError(t, first)
	assert.NoError(t, second)
	for i, done := range cl.done {
		select {
		case err := <-done:
			assert.NoError(t, err, "worker %d", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("worker %d did not stop after CLOSE", i)
		}
	}
	_, err := cl.coordinator.CollectBatch(context.Background(), 2)
	assert.ErrorIs(t, err, ErrCoordinatorClosed)
}

func TestCoordinator_CloseAbortsCollection(t *testing.T) {
	t.Parallel()
	// Arrange
	sims := newSims(1)
	sims[0].delay = func(int) time.Duration { return 500 * time.Millisecond }
	cl := startCluster(t, coordinatorConfig(1, 1, 10, 0), sims, nil)
	cl.run(t)

	errs := make(chan error, 1)
	go func() {
		_, err := cl.coordinator.CollectBatch(context.Background(), 1)
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// Act
	cl.coordinator.Close()

	// Assert
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrCoordinatorClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("CollectBatch did not return after Close")
	}
}

func TestCoordinator_ConnectRequiresListen(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(coordinatorConfig(1, 1, 10, 0), silentLogger())
	defer c.Close()

	err := c.Connect(context.Background())

	assert.Error(t, err)
	_, err = c.CollectBatch(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConnected)
}
