package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/simfabric/sample-dispatcher/src/protocol"
	"github.com/simfabric/sample-dispatcher/src/transport"
	"github.com/sirupsen/logrus"
)

// Predictor answers prediction requests that workers send while executing a
// command.
type Predictor interface {
	Predict(ctx context.Context, index int, input protocol.Record) (protocol.Value, error)
}

type request struct {
	id      uint64
	cmd     protocol.Command
	payload protocol.Record
}

type result struct {
	id     uint64
	index  int
	status protocol.Status
	record protocol.Record
	err    error
}

// session owns the connection to one worker. Only its goroutine touches the
// socket; the coordinator talks to it through requests and results.
type session struct {
	index     int
	conn      *transport.Conn
	requests  chan request
	results   chan<- result
	quit      <-chan struct{}
	done      chan struct{}
	predictor Predictor
	ctx       context.Context
	logger    *logrus.Logger

	// Fields below belong to the coordinator's collection routine.
	inflight uint64
	dead     error
}

func newSession(ctx context.Context, index int, conn *transport.Conn, results chan<- result, quit <-chan struct{}, predictor Predictor, logger *logrus.Logger) *session {
	return &session{
		index:     index,
		conn:      conn,
		requests:  make(chan request, 2),
		results:   results,
		quit:      quit,
		done:      make(chan struct{}),
		predictor: predictor,
		ctx:       ctx,
		logger:    logger,
	}
}

func (s *session) run(closeTimeout closeWaiter) {
	defer close(s.done)
	defer s.conn.Close()

	var broken error
	for req := range s.requests {
		if req.cmd == protocol.CommandClose {
			if broken == nil {
				s.hangUp(closeTimeout)
			}
			return
		}

		res := result{id: req.id, index: s.index}
		if broken != nil {
			res.err = broken
		} else {
			res.status, res.record, res.err = s.exchange(req)
			if res.err != nil && isFatal(res.err) {
				broken = res.err
			}
		}

		select {
		case s.results <- res:
		case <-s.quit:
		}
	}
}

// exchange sends one command and reads its reply, serving prediction requests
// the worker makes in between.
func (s *session) exchange(req request) (protocol.Status, protocol.Record, error) {
	if err := s.conn.SendFrame(req.cmd.String(), req.payload); err != nil {
		return 0, nil, fmt.Errorf("failed to send %s: %w", req.cmd, err)
	}
	for {
		head, rec, err := s.conn.ReceiveFrame()
		if err != nil {
			return 0, nil, fmt.Errorf("failed to receive %s reply: %w", req.cmd, err)
		}
		if head == protocol.CommandGetPrediction.String() {
			if err := s.servePrediction(rec); err != nil {
				return 0, nil, err
			}
			continue
		}
		status, ok := protocol.ParseStatus(head)
		if !ok {
			return 0, nil, fmt.Errorf("%w: unexpected reply %q to %s", protocol.ErrMalformedMessage, head, req.cmd)
		}
		return status, rec, nil
	}
}

func (s *session) servePrediction(input protocol.Record) error {
	status, reply := protocol.StatusOK, protocol.Record(nil)
	if s.predictor == nil {
		status = protocol.StatusError
		reply = protocol.Record{{Name: protocol.FieldError, Value: protocol.Text("no predictor configured")}}
	} else if v, err := s.predictor.Predict(s.ctx, s.index, input); err != nil {
		status = protocol.StatusError
		reply = protocol.Record{{Name: protocol.FieldError, Value: protocol.Text(err.Error())}}
	} else {
		reply = protocol.Record{{Name: protocol.FieldPrediction, Value: v}}
	}

	s.logger.WithFields(logrus.Fields{
		"session": s.index,
		"status":  status.String(),
	}).Debug("Served prediction request")

	if err := s.conn.SendFrame(status.String(), reply); err != nil {
		return fmt.Errorf("failed to send prediction: %w", err)
	}
	return nil
}

// hangUp sends CLOSE and waits for the worker to drop the connection.
func (s *session) hangUp(wait closeWaiter) {
	if err := s.conn.SendFrame(protocol.CommandClose.String(), nil); err != nil {
		s.logger.WithFields(logrus.Fields{
			"session": s.index,
			"error":   err.Error(),
		}).Debug("Failed to send CLOSE")
		return
	}

	ctx, cancel := wait()
	defer cancel()
	for {
		if _, err := s.conn.ReceiveMessageContext(ctx); err != nil {
			if transport.IsClosed(err) {
				s.logger.WithField("session", s.index).Debug("Worker hung up")
			} else {
				s.logger.WithFields(logrus.Fields{
					"session": s.index,
					"error":   err.Error(),
				}).Warn("Worker did not hang up cleanly")
			}
			return
		}
	}
}

// closeWaiter bounds how long a session waits for its worker to hang up.
type closeWaiter func() (context.Context, context.CancelFunc)

// isFatal reports whether err leaves the connection unusable. Only an encoding
// failure happens before any byte is written.
func isFatal(err error) bool {
	return !errors.Is(err, protocol.ErrUnsupportedType)
}
