package worker

import (
	"context"
	"fmt"

	"github.com/simfabric/sample-dispatcher/src/protocol"
)

func handleRunStep(ctx context.Context, w *Worker, payload protocol.Record) (*Reply, error) {
	if len(payload) > 0 {
		r, ok := w.sim.(SampleReceiver)
		if !ok {
			return nil, fmt.Errorf("simulation does not accept input samples")
		}
		if err := r.ReceiveSample(payload); err != nil {
			return nil, fmt.Errorf("failed to receive sample: %w", err)
		}
	}

	sub, canSubStep := w.sim.(SubStepper)
	for i := 1; i < w.stepsPerCommand; i++ {
		var err error
		if canSubStep {
			err = sub.SubStep(ctx)
		} else {
			_, err = w.sim.Step(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("simulation sub-step %d failed: %w", i, err)
		}
	}

	fields, err := w.sim.Step(ctx)
	if err != nil {
		return nil, fmt.Errorf("simulation step failed: %w", err)
	}
	status := protocol.StatusOK
	if !w.sim.IsSampleValid() {
		status = protocol.StatusInvalid
	}
	return &Reply{Status: status, Record: fields}, nil
}

func handleApplyPrediction(_ context.Context, w *Worker, payload protocol.Record) (*Reply, error) {
	prediction, ok := payload.Get(protocol.FieldPrediction)
	if !ok {
		return nil, fmt.Errorf("missing %q field", protocol.FieldPrediction)
	}
	if err := w.sim.ApplyPrediction(prediction); err != nil {
		return nil, fmt.Errorf("failed to apply prediction: %w", err)
	}
	return &Reply{Status: protocol.StatusOK}, nil
}

func handleSendParameters(_ context.Context, w *Worker, _ protocol.Record) (*Reply, error) {
	r, ok := w.sim.(ParameterReporter)
	if !ok {
		return &Reply{Status: protocol.StatusOK, Record: w.params}, nil
	}
	params, err := r.Parameters()
	if err != nil {
		return nil, err
	}
	return &Reply{Status: protocol.StatusOK, Record: params}, nil
}

func handleReceiveParameters(_ context.Context, w *Worker, payload protocol.Record) (*Reply, error) {
	steps, err := stepsPerCommand(payload, w.stepsPerCommand)
	if err != nil {
		return nil, err
	}
	if r, ok := w.sim.(ParameterReceiver); ok {
		if err := r.ReceiveParameters(payload); err != nil {
			return nil, err
		}
	}
	w.params = w.params.Merge(payload)
	w.stepsPerCommand = steps
	return &Reply{Status: protocol.StatusOK}, nil
}

func handleGetPrediction(_ context.Context, w *Worker, _ protocol.Record) (*Reply, error) {
	src, ok := w.sim.(PredictionSource)
	if !ok {
		return nil, fmt.Errorf("simulation does not provide prediction inputs")
	}
	input, err := src.PredictionInput()
	if err != nil {
		return nil, err
	}
	return &Reply{Status: protocol.StatusOK, Record: input}, nil
}

// handleExchange acknowledges a named record by echoing it back.
func handleExchange(_ context.Context, _ *Worker, payload protocol.Record) (*Reply, error) {
	return &Reply{Status: protocol.StatusOK, Record: payload}, nil
}

func handleClose(context.Context, *Worker, protocol.Record) (*Reply, error) {
	return nil, nil
}
