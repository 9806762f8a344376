package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/simfabric/sample-dispatcher/src/protocol"
)

// Default spring parameters, overridable through the coordinator.
const (
	defaultStiffness = 4.0
	defaultMass      = 1.0
	defaultDamping   = 0.1
	defaultDt        = 0.01
	// Samples whose position leaves this range are flagged invalid.
	maxDisplacement = 10.0
)

// SpringSimulation integrates a damped mass on a spring with explicit Euler
// steps. Each sample holds the state before the step and the state after it.
type SpringSimulation struct {
	stiffness float64
	mass      float64
	damping   float64
	dt        float64

	x, v  float64
	force float64
	rng   *rand.Rand
	valid bool
}

func NewSpringSimulation(seed uint64) *SpringSimulation {
	s := &SpringSimulation{
		stiffness: defaultStiffness,
		mass:      defaultMass,
		damping:   defaultDamping,
		dt:        defaultDt,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	s.reset()
	return s
}

func (s *SpringSimulation) reset() {
	s.x = s.rng.Float64()*2 - 1
	s.v = 0
	s.force = 0
}

func (s *SpringSimulation) state() (protocol.NDArray, error) {
	return protocol.NewFloatArray([]int{2}, []float64{s.x, s.v})
}

func (s *SpringSimulation) Step(ctx context.Context) (protocol.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	before, err := s.state()
	if err != nil {
		return nil, err
	}

	s.integrate()
	after, err := s.state()
	if err != nil {
		return nil, err
	}
	if !s.valid {
		s.reset()
	}

	return protocol.Record{
		{Name: "input", Value: before},
		{Name: "ground_truth", Value: after},
	}, nil
}

// SubStep advances the state without building a sample.
func (s *SpringSimulation) SubStep(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.integrate()
	if !s.valid {
		s.reset()
	}
	return nil
}

func (s *SpringSimulation) integrate() {
	a := (s.force - s.stiffness*s.x - s.damping*s.v) / s.mass
	s.x += s.v * s.dt
	s.v += a * s.dt
	s.force = 0

	s.valid = !math.IsNaN(s.x) && math.Abs(s.x) <= maxDisplacement
}

// ReceiveSample starts the next step from the [x, v] state in the sample's
// "input" field.
func (s *SpringSimulation) ReceiveSample(sample protocol.Record) error {
	v, ok := sample.Get("input")
	if !ok {
		return fmt.Errorf("sample has no input field")
	}
	st, ok := v.(protocol.NDArray)
	if !ok || st.Size() != 2 {
		return fmt.Errorf("sample input must be a 2 element array, got %s", v.Kind())
	}
	s.x, s.v, s.force = st.Data[0], st.Data[1], 0
	return nil
}

// ApplyPrediction takes either a scalar force or a predicted [x, v] state.
func (s *SpringSimulation) ApplyPrediction(prediction protocol.Value) error {
	switch p := prediction.(type) {
	case protocol.Float:
		s.force = float64(p)
	case protocol.Int:
		s.force = float64(p)
	case protocol.NDArray:
		if p.Size() != 2 {
			return fmt.Errorf("expected a 2 element state, got shape %v", p.Shape)
		}
		s.x, s.v = p.Data[0], p.Data[1]
	default:
		return fmt.Errorf("unsupported prediction type %s", prediction.Kind())
	}
	return nil
}

func (s *SpringSimulation) IsSampleValid() bool {
	return s.valid
}

func (s *SpringSimulation) Parameters() (protocol.Record, error) {
	return protocol.Record{
		{Name: "stiffness", Value: protocol.Float(s.stiffness)},
		{Name: "mass", Value: protocol.Float(s.mass)},
		{Name: "damping", Value: protocol.Float(s.damping)},
		{Name: "dt", Value: protocol.Float(s.dt)},
	}, nil
}

func (s *SpringSimulation) ReceiveParameters(params protocol.Record) error {
	targets := map[string]*float64{
		"stiffness": &s.stiffness,
		"mass":      &s.mass,
		"damping":   &s.damping,
		"dt":        &s.dt,
	}
	for _, f := range params {
		target, ok := targets[f.Name]
		if !ok {
			continue
		}
		var v float64
		switch x := f.Value.(type) {
		case protocol.Float:
			v = float64(x)
		case protocol.Int:
			v = float64(x)
		default:
			return fmt.Errorf("parameter %s must be numeric, got %s", f.Name, f.Value.Kind())
		}
		if f.Name != "damping" && v <= 0 {
			return fmt.Errorf("parameter %s must be positive, got %v", f.Name, v)
		}
		*target = v
	}
	return nil
}

func (s *SpringSimulation) PredictionInput() (protocol.Record, error) {
	st, err := s.state()
	if err != nil {
		return nil, err
	}
	return protocol.Record{{Name: "state", Value: st}}, nil
}
