package solver

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrStateDimension = errors.New("state vector dimension mismatch")
	ErrWeightLength   = errors.New("weight series length mismatch")
)

// Weights carries optional per-agent scalars keyed by name. Every series has
// one entry per state in the batch, in batch order.
type Weights map[string][]float64

// Solver advances a batch of state vectors by one tick. The result has the
// same length and order as the input.
type Solver interface {
	Name() string
	StepBatch(ctx context.Context, states [][]float64, weights Weights) ([][]float64, error)
}

// Connect opens the solver's session when it has one.
func Connect(ctx context.Context, s Solver) error {
	connector, ok := s.(interface {
		Connect(context.Context) error
	})
	if !ok {
		return nil
	}
	return connector.Connect(ctx)
}

// CloseIfSupported releases the solver's session when it has one.
func CloseIfSupported(s Solver) error {
	closer, ok := s.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}

func (w Weights) validate(batch int) error {
	for name, series := range w {
		if len(series) != batch {
			return fmt.Errorf("%w: %s has %d entries for %d states", ErrWeightLength, name, len(series), batch)
		}
	}
	return nil
}

// Identity returns copies of its input. It is the reference adapter for
// round-trip checks.
type Identity struct {
	StateDim int
}

func (Identity) Name() string {
	return "identity"
}

func (s Identity) StepBatch(ctx context.Context, states [][]float64, weights Weights) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := weights.validate(len(states)); err != nil {
		return nil, err
	}
	out := make([][]float64, len(states))
	for i, state := range states {
		if s.StateDim > 0 && len(state) != s.StateDim {
			return nil, fmt.Errorf("%w: state %d has %d entries want %d", ErrStateDimension, i, len(state), s.StateDim)
		}
		out[i] = append([]float64(nil), state...)
	}
	return out, nil
}
