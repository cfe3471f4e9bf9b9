package lattice

import (
	"fmt"
	"strings"
)

// Kernel selects the neighbor stencil used by diffusion.
type Kernel int

const (
	Moore Kernel = iota
	VonNeumann
)

func ParseKernel(name string) (Kernel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "moore", "8":
		return Moore, nil
	case "von_neumann", "vonneumann", "4":
		return VonNeumann, nil
	default:
		return Moore, fmt.Errorf("unsupported diffusion kernel: %s", name)
	}
}

func (k Kernel) String() string {
	if k == VonNeumann {
		return "von_neumann"
	}
	return "moore"
}

var (
	mooreOffsets      = []Point{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}}
	vonNeumannOffsets = []Point{{0, -1}, {-1, 0}, {1, 0}, {0, 1}}
)

func (k Kernel) offsets() []Point {
	if k == VonNeumann {
		return vonNeumannOffsets
	}
	return mooreOffsets
}

// MooreNeighbors lists the distinct cells within Chebyshev distance radius of
// p, resolved through mode on a width x height grid. The center cell is never
// included. Order is row-major over the offsets, which keeps it deterministic.
func MooreNeighbors(p Point, radius int, mode BoundaryMode, width, height int) []Point {
	if radius <= 0 {
		return nil
	}
	seen := make(map[Point]struct{}, (2*radius+1)*(2*radius+1))
	seen[p] = struct{}{}
	out := make([]Point, 0, (2*radius+1)*(2*radius+1)-1)
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			x, y, ok := mode.Resolve(p.X+dx, p.Y+dy, width, height)
			if !ok {
				continue
			}
			q := Point{X: x, Y: y}
			if _, dup := seen[q]; dup {
				continue
			}
			seen[q] = struct{}{}
			out = append(out, q)
		}
	}
	return out
}
