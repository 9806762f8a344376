package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/simfabric/sample-dispatcher/src/config"
	"github.com/simfabric/sample-dispatcher/src/protocol"
	"github.com/simfabric/sample-dispatcher/src/transport"
	"github.com/sirupsen/logrus"
)

var (
	ErrCoordinatorClosed = errors.New("coordinator closed")
	ErrNotConnected      = errors.New("workers not connected")
	ErrReplyTimeout      = errors.New("worker reply timed out")
)

// ParameterHook decides the parameters sent back to a worker at handshake.
type ParameterHook func(index int, params protocol.Record) (protocol.Record, error)

// Reply is a worker's answer to SendCommand.
type Reply struct {
	Index  int
	Status protocol.Status
	Record protocol.Record
}

// Coordinator drives a fixed set of workers and assembles their samples into
// batches. CollectBatch, SendCommand and Close are serialized.
type Coordinator struct {
	cfg       *config.CoordinatorConfig
	logger    *logrus.Logger
	predictor Predictor
	hook      ParameterHook

	listener *transport.TCPServer
	sessions []*session
	results  chan result
	nextID   uint64

	ctx     context.Context
	cancel  context.CancelFunc
	quit    chan struct{}
	opMu    sync.Mutex
	closeMu sync.Once
}

func NewCoordinator(cfg *config.CoordinatorConfig, logger *logrus.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:     cfg,
		logger:  logger,
		results: make(chan result, cfg.GetWorkerCount()),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
	c.hook = c.mergeConfiguredParameters
	return c
}

// SetPredictor installs the collaborator that answers worker prediction
// requests. It must be called before Connect.
func (c *Coordinator) SetPredictor(p Predictor) {
	c.predictor = p
}

// SetParameterHook replaces the default hook, which overlays the configured
// worker parameters on the ones each worker sends. It must be called before
// Connect.
func (c *Coordinator) SetParameterHook(h ParameterHook) {
	c.hook = h
}

func (c *Coordinator) mergeConfiguredParameters(_ int, params protocol.Record) (protocol.Record, error) {
	return params.Merge(c.cfg.GetWorkerParameters()), nil
}

// Listen binds the configured address. Calling it again is a no-op.
func (c *Coordinator) Listen() error {
	if c.listener != nil {
		return nil
	}
	l, err := transport.NewTCPServer(c.cfg.GetAddress(), c.cfg.GetWorkerCount(), c.logger)
	if err != nil {
		return err
	}
	c.listener = l
	l.Start()
	return nil
}

// Addr is the bound listener address.
func (c *Coordinator) Addr() net.Addr {
	if c.listener == nil {
		return nil
	}
	return c.listener.Addr()
}

// Connect blocks until every worker has connected and completed its handshake.
// Indices are assigned in connection order. The listener is closed afterwards.
func (c *Coordinator) Connect(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.closed() {
		return ErrCoordinatorClosed
	}
	if c.listener == nil {
		return errors.New("coordinator is not listening")
	}

	for len(c.sessions) < c.cfg.GetWorkerCount() {
		conn, err := c.listener.Accept(ctx)
		if err != nil {
			if c.closed() {
				return ErrCoordinatorClosed
			}
			return fmt.Errorf("failed to accept worker %d: %w", len(c.sessions), err)
		}

		conn.SetMaxFieldSize(c.cfg.GetMaxFieldSize())
		index := len(c.sessions)
		if err := c.handshake(ctx, index, conn); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.closed() {
				return ErrCoordinatorClosed
			}
			c.logger.WithFields(logrus.Fields{
				"session": index,
				"remote":  conn.RemoteAddr().String(),
				"error":   err.Error(),
			}).Warn("Worker handshake failed")
			continue
		}

		s := newSession(c.ctx, index, conn, c.results, c.quit, c.predictor, c.logger)
		c.sessions = append(c.sessions, s)
		go s.run(c.closeWait)
	}

	c.listener.Stop()
	c.logger.WithField("workers", len(c.sessions)).Info("All workers connected")
	return nil
}

func (c *Coordinator) handshake(ctx context.Context, index int, conn *transport.Conn) error {
	abort := func() { conn.Close() }
	stop := context.AfterFunc(ctx, abort)
	defer stop()
	stopOnClose := context.AfterFunc(c.ctx, abort)
	defer stopOnClose()

	if err := conn.SendValue(int32(index)); err != nil {
		return fmt.Errorf("failed to send index: %w", err)
	}
	if err := conn.SendValue(int32(c.cfg.GetWorkerCount())); err != nil {
		return fmt.Errorf("failed to send worker count: %w", err)
	}
	tag, params, err := conn.ReceiveExchange()
	if err != nil {
		return fmt.Errorf("failed to receive init parameters: %w", err)
	}
	if tag != protocol.InitParametersTag {
		return fmt.Errorf("%w: expected %s exchange, got %q", protocol.ErrMalformedMessage, protocol.InitParametersTag, tag)
	}

	adjusted, err := c.hook(index, params)
	if err != nil {
		return fmt.Errorf("parameter hook rejected worker: %w", err)
	}
	if err := conn.SendRecord(adjusted); err != nil {
		return fmt.Errorf("failed to send parameters: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"session":    index,
		"remote":     conn.RemoteAddr().String(),
		"parameters": params.Names(),
	}).Info("Worker connected")
	return nil
}

// WorkerCount is the number of connected sessions. While Connect runs it
// waits for Connect to return.
func (c *Coordinator) WorkerCount() int {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return len(c.sessions)
}

func (c *Coordinator) submit(s *session, cmd protocol.Command, payload protocol.Record) uint64 {
	c.nextID++
	s.inflight = c.nextID
	s.requests <- request{id: c.nextID, cmd: cmd, payload: payload}
	return c.nextID
}

// await collects the results for want, which maps request ids to sessions.
// Sessions in stale still owe a reply to an earlier request; that reply is
// discarded when it arrives. await returns when every id in want is answered
// and every stale session has caught up, when the reply timeout fires or when
// ctx is done. Unanswered ids are left out of the returned map.
func (c *Coordinator) await(ctx context.Context, want map[uint64]int, stale map[int]bool) (map[int]result, error) {
	got := make(map[int]result, len(want))

	var expired <-chan time.Time
	if d := c.cfg.GetReplyTimeout(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expired = t.C
	}

	for len(want) > 0 || len(stale) > 0 {
		select {
		case r := <-c.results:
			s := c.sessions[r.index]
			if s.inflight == r.id {
				s.inflight = 0
			}
			i, ok := want[r.id]
			if !ok {
				delete(stale, r.index)
				c.logger.WithFields(logrus.Fields{
					"session":    r.index,
					"request_id": r.id,
				}).Debug("Discarded late reply")
				if r.err != nil && isFatal(r.err) {
					return nil, c.fail(s, r.err)
				}
				continue
			}
			delete(want, r.id)
			got[i] = r
		case <-expired:
			return got, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.quit:
			return nil, ErrCoordinatorClosed
		}
	}
	return got, nil
}

// fail marks a session unusable after a connection level error.
func (c *Coordinator) fail(s *session, err error) error {
	if s.dead == nil {
		s.dead = err
		s.conn.Close()
		c.logger.WithFields(logrus.Fields{
			"session": s.index,
			"error":   err.Error(),
		}).Error("Session closed after connection failure")
	}
	return fmt.Errorf("session %d: %w", s.index, err)
}

func (c *Coordinator) usable() error {
	if c.closed() {
		return ErrCoordinatorClosed
	}
	if len(c.sessions) == 0 {
		return ErrNotConnected
	}
	for _, s := range c.sessions {
		if s.dead != nil {
			return fmt.Errorf("session %d: %w", s.index, s.dead)
		}
	}
	return nil
}

// CollectBatch gathers batchSize samples. Each round asks sessions 0..k-1 for
// one sample, with k the number of rows still missing capped at the worker
// count, so row r always comes from session r mod N. Sessions that answer
// INVALID, ERROR or nothing within the reply timeout are asked again until the
// wrong-sample bound is exceeded, at which point their last sample is taken.
func (c *Coordinator) CollectBatch(ctx context.Context, batchSize int) (*Batch, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	return c.collect(ctx, batchSize, nil)
}

// CollectBatchSamples is CollectBatch driven by input samples: row r is
// produced by session r mod N from samples[r], which rides on every RUN_STEP
// sent for that row. The batch has len(samples) rows.
func (c *Coordinator) CollectBatchSamples(ctx context.Context, samples []protocol.Record) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("no input samples")
	}
	for i, s := range samples {
		if len(s) == 0 {
			return nil, fmt.Errorf("input sample %d is empty", i)
		}
	}
	return c.collect(ctx, len(samples), samples)
}

func (c *Coordinator) collect(ctx context.Context, batchSize int, samples []protocol.Record) (*Batch, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.usable(); err != nil {
		return nil, err
	}

	batch := newBatch(batchSize, len(c.sessions))
	for batch.Rows() < batchSize {
		k := min(len(c.sessions), batchSize-batch.Rows())
		var inputs []protocol.Record
		if samples != nil {
			inputs = samples[batch.Rows() : batch.Rows()+k]
		}
		slots, err := c.collectRound(ctx, k, inputs, &batch.Stats)
		if err != nil {
			return nil, err
		}
		for i, rec := range slots {
			batch.appendRow(i, rec)
		}
		batch.Stats.Rounds++
	}

	c.logger.WithFields(logrus.Fields{
		"rows":       batch.Rows(),
		"rounds":     batch.Stats.Rounds,
		"broadcasts": batch.Stats.Broadcasts,
		"discarded":  batch.Stats.TotalDiscarded(),
		"forced":     len(batch.Stats.Events),
		"samples":    samples != nil,
	}).Info("Batch collected")
	return batch, nil
}

type slot struct {
	record protocol.Record
	last   protocol.Record
	wrong  int
	filled bool
}

// collectRound fills one slot per session 0..k-1 and returns them in index
// order. inputs, when set, holds the RUN_STEP payload of each slot.
func (c *Coordinator) collectRound(ctx context.Context, k int, inputs []protocol.Record, stats *RoundStats) ([]protocol.Record, error) {
	slots := make([]slot, k)
	pending := k

	for pending > 0 {
		want := make(map[uint64]int, pending)
		stale := make(map[int]bool)
		for i := range slots {
			if slots[i].filled {
				continue
			}
			s := c.sessions[i]
			if s.inflight != 0 {
				stale[i] = true
				continue
			}
			var payload protocol.Record
			if inputs != nil {
				payload = inputs[i]
			}
			want[c.submit(s, protocol.CommandRunStep, payload)] = i
			stats.Broadcasts++
		}

		got, err := c.await(ctx, want, stale)
		if err != nil {
			return nil, err
		}

		for i := range slots {
			sl := &slots[i]
			if sl.filled {
				continue
			}
			r, answered := got[i]
			if answered && r.err != nil && isFatal(r.err) {
				return nil, c.fail(c.sessions[i], r.err)
			}
			if answered && r.err == nil && r.status == protocol.StatusOK {
				sl.record, sl.filled = r.record, true
				pending--
				continue
			}

			if answered && r.err == nil && r.status == protocol.StatusInvalid {
				sl.last = r.record
			}
			c.logWrongSample(i, r, answered)
			sl.wrong++
			stats.Discarded[i]++

			if sl.wrong > c.cfg.GetMaxWrongSamplesPerStep() {
				event := &protocol.RetryBoundExceededError{
					Index:    i,
					Attempts: sl.wrong,
					Limit:    c.cfg.GetMaxWrongSamplesPerStep(),
				}
				stats.Events = append(stats.Events, event)
				stats.Forced[i]++
				c.logger.WithFields(logrus.Fields{
					"session":  i,
					"attempts": sl.wrong,
					"has_data": sl.last != nil,
				}).Warn(event.Error())
				sl.record, sl.filled = sl.last, true
				pending--
			}
		}
	}

	out := make([]protocol.Record, k)
	for i := range slots {
		out[i] = slots[i].record
	}
	return out, nil
}

func (c *Coordinator) logWrongSample(index int, r result, answered bool) {
	fields := logrus.Fields{"session": index}
	switch {
	case !answered:
		fields["reason"] = "timeout"
	case r.err != nil:
		fields["reason"] = "error"
		fields["error"] = r.err.Error()
	case r.status == protocol.StatusError:
		fields["reason"] = "error"
		fields["error"] = replyError(index, protocol.CommandRunStep, r.record).Error()
	default:
		fields["reason"] = "invalid"
	}
	c.logger.WithFields(fields).Debug("Discarded wrong sample")
}

func replyError(index int, cmd protocol.Command, rec protocol.Record) *protocol.WorkerExecutionError {
	msg := "unknown error"
	if v, ok := rec.Get(protocol.FieldError); ok {
		if t, ok := v.(protocol.Text); ok {
			msg = string(t)
		}
	}
	return &protocol.WorkerExecutionError{Index: index, Command: cmd, Message: msg}
}

// SendCommand performs one command exchange with the worker at index. An ERROR
// reply is returned together with a *protocol.WorkerExecutionError.
func (c *Coordinator) SendCommand(ctx context.Context, cmd protocol.Command, payload protocol.Record, index int) (Reply, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.closed() {
		return Reply{}, ErrCoordinatorClosed
	}
	if index < 0 || index >= len(c.sessions) {
		return Reply{}, fmt.Errorf("no worker with index %d", index)
	}
	if cmd == protocol.CommandClose {
		return Reply{}, errors.New("CLOSE is sent by Close")
	}
	s := c.sessions[index]
	if s.dead != nil {
		return Reply{}, fmt.Errorf("session %d: %w", index, s.dead)
	}

	if s.inflight != 0 {
		if _, err := c.await(ctx, nil, map[int]bool{index: true}); err != nil {
			return Reply{}, err
		}
		if s.inflight != 0 {
			return Reply{}, fmt.Errorf("session %d: %w", index, ErrReplyTimeout)
		}
	}

	id := c.submit(s, cmd, payload)
	got, err := c.await(ctx, map[uint64]int{id: index}, nil)
	if err != nil {
		return Reply{}, err
	}
	r, ok := got[index]
	if !ok {
		return Reply{}, fmt.Errorf("session %d: %s: %w", index, cmd, ErrReplyTimeout)
	}
	if r.err != nil {
		if isFatal(r.err) {
			return Reply{}, c.fail(s, r.err)
		}
		return Reply{}, r.err
	}

	reply := Reply{Index: index, Status: r.status, Record: r.record}
	if r.status == protocol.StatusError {
		return reply, replyError(index, cmd, r.record)
	}
	return reply, nil
}

func (c *Coordinator) closeWait() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.GetCloseTimeout())
}

func (c *Coordinator) closed() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

// Close tells every worker to stop, waits a bounded time for each to hang up
// and releases the connections and the listener. It is safe to call more than
// once and while a collection is in progress, which it aborts.
func (c *Coordinator) Close() error {
	c.closeMu.Do(func() {
		close(c.quit)
		c.cancel()
		if c.listener != nil {
			c.listener.Stop()
		}

		c.opMu.Lock()
		defer c.opMu.Unlock()

		for _, s := range c.sessions {
			s.requests <- request{cmd: protocol.CommandClose}
			close(s.requests)
		}

		expired := make(chan struct{})
		grace := time.AfterFunc(c.cfg.GetCloseTimeout()+time.Second, func() { close(expired) })
		defer grace.Stop()
		for _, s := range c.sessions {
			select {
			case <-s.done:
			case <-expired:
				c.logger.WithField("session", s.index).Warn("Worker did not acknowledge CLOSE in time")
				s.conn.Close()
				<-s.done
			}
		}
		c.logger.WithField("workers", len(c.sessions)).Info("Coordinator closed")
	})
	return nil
}
