package lattice

import (
	"errors"
	"fmt"
)

// Diffuser applies an explicit evaporation/diffusion step to one Field:
//
//	v' = (1 - evaporation) * (v + coefficient * mean(n - v))
//
// where n ranges over the kernel neighbors resolved through the field's
// boundary mode. Neighbors that do not resolve (clamped edges) are skipped.
type Diffuser struct {
	field       *Field
	evaporation float64
	coefficient float64
	kernel      Kernel
	prev        []float64
}

func NewDiffuser(field *Field, evaporation, coefficient float64, kernel Kernel) (*Diffuser, error) {
	if field == nil {
		return nil, errors.New("diffuser field is required")
	}
	if !isFinite(evaporation) || evaporation < 0 || evaporation > 1 {
		return nil, fmt.Errorf("diffuser %s: evaporation must be in [0,1], got %v", field.Name(), evaporation)
	}
	if !isFinite(coefficient) || coefficient < 0 || coefficient > 1 {
		return nil, fmt.Errorf("diffuser %s: coefficient must be in [0,1], got %v", field.Name(), coefficient)
	}
	return &Diffuser{
		field:       field,
		evaporation: evaporation,
		coefficient: coefficient,
		kernel:      kernel,
		prev:        make([]float64, len(field.values)),
	}, nil
}

func (d *Diffuser) Field() *Field {
	return d.field
}

// Diffuse advances the bound field by one step. All reads come from a
// snapshot taken before the first write.
func (d *Diffuser) Diffuse() error {
	f := d.field
	copy(d.prev, f.values)
	offsets := d.kernel.offsets()
	retain := 1 - d.evaporation

	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			v := d.prev[y*f.width+x]
			diff := 0.0
			count := 0
			for _, o := range offsets {
				nx, ny, ok := f.mode.Resolve(x+o.X, y+o.Y, f.width, f.height)
				if !ok {
					continue
				}
				diff += d.prev[ny*f.width+nx] - v
				count++
			}
			next := v
			if count > 0 {
				next = v + d.coefficient*diff/float64(count)
			}
			next *= retain
			if !isFinite(next) {
				copy(f.values, d.prev)
				return fmt.Errorf("diffuse %s (%d,%d): %w", f.name, x, y, ErrNonFinite)
			}
			f.values[y*f.width+x] = next
		}
	}
	return nil
}
