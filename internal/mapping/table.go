package mapping

import (
	"errors"
	"fmt"
)

var ErrInvalidMapping = errors.New("invalid index mapping")

// Pair links one state-vector component to one field by position in the
// space's ordered field collection.
type Pair struct {
	Network int `json:"network" yaml:"network"`
	Field   int `json:"field" yaml:"field"`
}

// ParsePairs consumes a flat alternating list (network, field, network, ...).
func ParsePairs(flat []int) ([]Pair, error) {
	if len(flat)%2 != 0 {
		return nil, fmt.Errorf("%w: odd entry count %d", ErrInvalidMapping, len(flat))
	}
	pairs := make([]Pair, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		pairs = append(pairs, Pair{Network: flat[i], Field: flat[i+1]})
	}
	return pairs, nil
}

type Constant struct {
	Index int     `json:"index" yaml:"index"`
	Value float64 `json:"value" yaml:"value"`
}

// Table centralizes every correspondence between state-vector components and
// fields. It is built once and shared read-only by the space and its agents.
type Table struct {
	StateDim int

	// Sense copies field values into the state before the batch solve.
	Sense []Pair
	// Feedback relaxes fields toward state values after the batch solve.
	Feedback []Pair
	// Activation names the active/latent TGF-beta field pair driven by
	// ActivationIndices.
	Activation []Pair

	Constants []Constant

	SpeedIndex         int
	MitosisIndex       int
	DepositionIndices  []int
	DegradationIndices []int
	ActivationIndices  []int

	ChemotaxisField int
	CollagenField   int
}

// Validate checks every index against the state dimension and the number of
// fields. It must run before any agent is created.
func (t Table) Validate(fieldCount int) error {
	if t.StateDim <= 0 {
		return fmt.Errorf("%w: state dimension must be > 0, got %d", ErrInvalidMapping, t.StateDim)
	}
	if fieldCount <= 0 {
		return fmt.Errorf("%w: at least one field is required", ErrInvalidMapping)
	}
	pairGroups := []struct {
		name  string
		pairs []Pair
	}{
		{"sense", t.Sense},
		{"feedback", t.Feedback},
		{"activation", t.Activation},
	}
	for _, g := range pairGroups {
		for i, p := range g.pairs {
			if err := t.checkState(p.Network); err != nil {
				return fmt.Errorf("%s pair %d: %w", g.name, i, err)
			}
			if err := checkField(p.Field, fieldCount); err != nil {
				return fmt.Errorf("%s pair %d: %w", g.name, i, err)
			}
		}
	}
	if len(t.Activation) != 0 && len(t.Activation) != 2 {
		return fmt.Errorf("%w: activation requires exactly an active and a latent pair, got %d", ErrInvalidMapping, len(t.Activation))
	}
	for i, c := range t.Constants {
		if err := t.checkState(c.Index); err != nil {
			return fmt.Errorf("constant %d: %w", i, err)
		}
	}
	if err := t.checkState(t.SpeedIndex); err != nil {
		return fmt.Errorf("speed index: %w", err)
	}
	if err := t.checkState(t.MitosisIndex); err != nil {
		return fmt.Errorf("mitosis index: %w", err)
	}
	indexGroups := []struct {
		name     string
		indices  []int
		required bool
	}{
		{"deposition", t.DepositionIndices, true},
		{"degradation", t.DegradationIndices, true},
		{"activation", t.ActivationIndices, false},
	}
	for _, g := range indexGroups {
		if len(g.indices) == 0 && g.required {
			return fmt.Errorf("%w: %s indices are required", ErrInvalidMapping, g.name)
		}
		for _, idx := range g.indices {
			if err := t.checkState(idx); err != nil {
				return fmt.Errorf("%s indices: %w", g.name, err)
			}
		}
	}
	if len(t.Activation) == 2 && len(t.ActivationIndices) == 0 {
		return fmt.Errorf("%w: activation pairs require activation indices", ErrInvalidMapping)
	}
	if err := checkField(t.ChemotaxisField, fieldCount); err != nil {
		return fmt.Errorf("chemotaxis field: %w", err)
	}
	if err := checkField(t.CollagenField, fieldCount); err != nil {
		return fmt.Errorf("collagen field: %w", err)
	}
	return nil
}

func (t Table) checkState(idx int) error {
	if idx < 0 || idx >= t.StateDim {
		return fmt.Errorf("%w: state index %d outside [0,%d)", ErrInvalidMapping, idx, t.StateDim)
	}
	return nil
}

func checkField(idx, fieldCount int) error {
	if idx < 0 || idx >= fieldCount {
		return fmt.Errorf("%w: field index %d outside [0,%d)", ErrInvalidMapping, idx, fieldCount)
	}
	return nil
}

// Mean averages state over the given indices. Indices are assumed validated.
func Mean(state []float64, indices []int) float64 {
	if len(indices) == 0 {
		return 0
	}
	total := 0.0
	for _, idx := range indices {
		total += state[idx]
	}
	return total / float64(len(indices))
}

// Lerp interpolates between lo and hi by level, matching the behavior-rate
// rule (lo - hi) * (1 - level) + hi.
func Lerp(lo, hi, level float64) float64 {
	return (lo-hi)*(1-level) + hi
}
