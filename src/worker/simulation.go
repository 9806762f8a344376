package worker

import (
	"context"

	"github.com/simfabric/sample-dispatcher/src/protocol"
)

// Simulation produces samples on request. It is driven by a single goroutine.
type Simulation interface {
	// Step advances the simulation and returns the sample fields it produced.
	Step(ctx context.Context) (protocol.Record, error)
	// ApplyPrediction feeds a network prediction back into the simulation.
	ApplyPrediction(prediction protocol.Value) error
	// IsSampleValid reports whether the last produced sample can be used.
	IsSampleValid() bool
}

// ParameterReporter is implemented by simulations that expose their parameters
// to SEND_PARAMETERS.
type ParameterReporter interface {
	Parameters() (protocol.Record, error)
}

// ParameterReceiver is implemented by simulations that accept parameters from
// the coordinator, at handshake and on RECEIVE_PARAMETERS.
type ParameterReceiver interface {
	ReceiveParameters(params protocol.Record) error
}

// PredictionSource is implemented by simulations that can describe the input
// the network should predict on, for GET_PREDICTION.
type PredictionSource interface {
	PredictionInput() (protocol.Record, error)
}

// SubStepper is implemented by simulations that can advance without producing
// sample fields. RUN_STEP calls it for every step but the last when more than
// one simulation step is configured per command; otherwise Step is called and
// its fields are dropped.
type SubStepper interface {
	SubStep(ctx context.Context) error
}

// SampleReceiver is implemented by simulations driven by input samples. A
// RUN_STEP with a non-empty payload hands it over before stepping.
type SampleReceiver interface {
	ReceiveSample(sample protocol.Record) error
}
