// Package worker implements the simulation side of the protocol: it connects to
// the coordinator, performs the parameter handshake and then serves commands
// until it is told to close.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/simfabric/sample-dispatcher/src/protocol"
	"github.com/simfabric/sample-dispatcher/src/transport"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle position of a Worker.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateAwaitCommand
	StateDispatch
	StateReply
	StateClosing
	StateClosed
)

var stateNames = [...]string{
	StateConnecting:   "CONNECTING",
	StateReady:        "READY",
	StateAwaitCommand: "AWAIT_COMMAND",
	StateDispatch:     "DISPATCH",
	StateReply:        "REPLY",
	StateClosing:      "CLOSING",
	StateClosed:       "CLOSED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// Reply is the answer to one command.
type Reply struct {
	Status protocol.Status
	Record protocol.Record
}

// handlerFunc serves one command. A nil Reply means no answer is sent.
type handlerFunc func(ctx context.Context, w *Worker, payload protocol.Record) (*Reply, error)

// Worker serves coordinator commands over a single connection.
type Worker struct {
	conn     *transport.Conn
	sim      Simulation
	logger   *logrus.Logger
	handlers [protocol.NumCommands]handlerFunc

	index           int
	count           int
	params          protocol.Record
	stepsPerCommand int
	state           atomic.Int32

	closeOnce sync.Once
	closeErr  error
}

// New wraps an established connection. The handshake has not happened yet; use
// Dial to get a ready worker.
func New(conn *transport.Conn, sim Simulation, logger *logrus.Logger) *Worker {
	w := &Worker{
		conn:   conn,
		sim:    sim,
		logger: logger,
		index:  -1,

		stepsPerCommand: 1,
	}
	w.handlers = [protocol.NumCommands]handlerFunc{
		protocol.CommandRunStep:           handleRunStep,
		protocol.CommandGetPrediction:     handleGetPrediction,
		protocol.CommandApplyPrediction:   handleApplyPrediction,
		protocol.CommandSendParameters:    handleSendParameters,
		protocol.CommandReceiveParameters: handleReceiveParameters,
		protocol.CommandExchange:          handleExchange,
		protocol.CommandClose:             handleClose,
	}
	w.setState(StateConnecting)
	return w
}

// Dial connects to the coordinator at addr and performs the handshake with the
// given local parameters.
func Dial(ctx context.Context, addr string, sim Simulation, params protocol.Record, logger *logrus.Logger) (*Worker, error) {
	conn, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	w := New(conn, sim, logger)
	if err := w.Handshake(ctx, params); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// Handshake receives the worker index and count, sends the local parameters and
// stores the parameters the coordinator answers with.
func (w *Worker) Handshake(ctx context.Context, params protocol.Record) error {
	stop := context.AfterFunc(ctx, func() { w.conn.Close() })
	defer stop()

	err := w.handshake(params)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("handshake aborted: %w", ctx.Err())
	}
	return err
}

func (w *Worker) handshake(params protocol.Record) error {
	index, err := transport.ReceiveAs[protocol.Int](w.conn)
	if err != nil {
		return fmt.Errorf("failed to receive worker index: %w", err)
	}
	count, err := transport.ReceiveAs[protocol.Int](w.conn)
	if err != nil {
		return fmt.Errorf("failed to receive worker count: %w", err)
	}
	if index < 0 || index >= count {
		return fmt.Errorf("%w: worker index %d out of range for %d workers", protocol.ErrMalformedMessage, index, count)
	}
	w.index, w.count = int(index), int(count)

	if err := w.conn.SendExchange(protocol.InitParametersTag, params); err != nil {
		return fmt.Errorf("failed to send init parameters: %w", err)
	}
	adjusted, err := w.conn.ReceiveRecord()
	if err != nil {
		return fmt.Errorf("failed to receive parameters: %w", err)
	}
	w.params = params.Merge(adjusted)
	steps, err := stepsPerCommand(w.params, w.stepsPerCommand)
	if err != nil {
		return err
	}
	w.stepsPerCommand = steps
	if r, ok := w.sim.(ParameterReceiver); ok {
		if err := r.ReceiveParameters(w.params); err != nil {
			return fmt.Errorf("simulation rejected parameters: %w", err)
		}
	}

	w.setState(StateReady)
	w.logger.WithFields(logrus.Fields{
		"worker_index": w.index,
		"worker_count": w.count,
		"sub_steps":    w.stepsPerCommand,
		"parameters":   w.params.Names(),
	}).Info("Worker connected to coordinator")
	return nil
}

// stepsPerCommand reads the simulations_per_step parameter, falling back to
// current when params do not set it.
func stepsPerCommand(params protocol.Record, current int) (int, error) {
	v, ok := params.Get(protocol.ParamSimulationsPerStep)
	if !ok {
		return current, nil
	}
	n, ok := v.(protocol.Int)
	if !ok || n < 1 {
		return 0, fmt.Errorf("%s must be a positive int, got %v", protocol.ParamSimulationsPerStep, v)
	}
	return int(n), nil
}

// StepsPerCommand is the number of simulation steps run for each RUN_STEP.
func (w *Worker) StepsPerCommand() int { return w.stepsPerCommand }

// Index is the position assigned by the coordinator, or -1 before the handshake.
func (w *Worker) Index() int { return w.index }

// Count is the number of workers the coordinator drives.
func (w *Worker) Count() int { return w.count }

// Parameters returns the parameters agreed on at handshake, updated by
// RECEIVE_PARAMETERS.
func (w *Worker) Parameters() protocol.Record { return w.params }

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// Run serves commands until CLOSE is received, the connection fails or ctx is
// done. It returns nil after an orderly close.
func (w *Worker) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { w.conn.Close() })
	defer stop()

	for {
		w.setState(StateAwaitCommand)
		head, payload, err := w.conn.ReceiveFrame()
		if err != nil {
			switch {
			case w.closing():
				return nil
			case ctx.Err() != nil:
				w.Close()
				return ctx.Err()
			}
			w.logger.WithFields(logrus.Fields{
				"worker_index": w.index,
				"error":        err.Error(),
			}).Error("Failed to receive command")
			w.Close()
			return fmt.Errorf("failed to receive command: %w", err)
		}

		w.setState(StateDispatch)
		reply := w.safeDispatch(ctx, head, payload)
		if reply == nil {
			return w.Close()
		}

		w.setState(StateReply)
		if err := w.conn.SendFrame(reply.Status.String(), reply.Record); err != nil {
			if w.closing() {
				return nil
			}
			w.Close()
			return fmt.Errorf("failed to send %s reply: %w", head, err)
		}
	}
}

// safeDispatch runs the handler for head and turns errors and panics into ERROR
// replies so the loop keeps serving.
func (w *Worker) safeDispatch(ctx context.Context, head string, payload protocol.Record) (reply *Reply) {
	cmd, ok := protocol.ParseCommand(head)
	if !ok {
		w.logger.WithFields(logrus.Fields{
			"worker_index": w.index,
			"command":      head,
		}).Warn("Received unknown command")
		return errorReply(fmt.Errorf("unknown command %q", head))
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.WithFields(logrus.Fields{
				"worker_index": w.index,
				"command":      cmd.String(),
				"panic_error":  r,
			}).Error("Recovered from panic while executing command")
			reply = errorReply(fmt.Errorf("panic: %v", r))
		}
	}()

	w.logger.WithFields(logrus.Fields{
		"worker_index": w.index,
		"command":      cmd.String(),
	}).Debug("Dispatching command")

	reply, err := w.handlers[cmd](ctx, w, payload)
	if err != nil {
		w.logger.WithFields(logrus.Fields{
			"worker_index": w.index,
			"command":      cmd.String(),
			"error":        err.Error(),
		}).Warn("Command failed")
		return errorReply(err)
	}
	return reply
}

func errorReply(err error) *Reply {
	return &Reply{
		Status: protocol.StatusError,
		Record: protocol.Record{{Name: protocol.FieldError, Value: protocol.Text(err.Error())}},
	}
}

// RequestPrediction asks the coordinator for a network prediction on input. It
// may only be called by the simulation while a command is being dispatched.
func (w *Worker) RequestPrediction(input protocol.Record) (protocol.Value, error) {
	if w.State() != StateDispatch {
		return nil, fmt.Errorf("prediction requested in state %s", w.State())
	}
	if err := w.conn.SendFrame(protocol.CommandGetPrediction.String(), input); err != nil {
		return nil, fmt.Errorf("failed to send prediction request: %w", err)
	}
	head, rec, err := w.conn.ReceiveFrame()
	if err != nil {
		return nil, fmt.Errorf("failed to receive prediction: %w", err)
	}

	status, ok := protocol.ParseStatus(head)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected reply %q to prediction request", protocol.ErrMalformedMessage, head)
	}
	if status != protocol.StatusOK {
		msg := "prediction unavailable"
		if v, ok := rec.Get(protocol.FieldError); ok {
			if t, ok := v.(protocol.Text); ok {
				msg = string(t)
			}
		}
		return nil, errors.New(msg)
	}
	prediction, ok := rec.Get(protocol.FieldPrediction)
	if !ok {
		return nil, fmt.Errorf("prediction reply has no %q field", protocol.FieldPrediction)
	}
	return prediction, nil
}

func (w *Worker) closing() bool {
	s := w.State()
	return s == StateClosing || s == StateClosed
}

// Close releases the simulation and the connection. It is safe to call more
// than once and from any goroutine.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.setState(StateClosing)
		var errs []error
		if c, ok := w.sim.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close simulation: %w", err))
			}
		}
		if err := w.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		w.closeErr = errors.Join(errs...)
		w.setState(StateClosed)
		w.logger.WithField("worker_index", w.index).Info("Worker closed")
	})
	return w.closeErr
}
