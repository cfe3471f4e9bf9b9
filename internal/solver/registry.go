package solver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrSolverExists   = errors.New("solver already registered")
	ErrSolverNotFound = errors.New("solver not found")
)

type Options struct {
	StateDim    int
	NetworkPath string
	DT          float64
	Substeps    int
	Workers     int
}

type Factory func(opts Options) (Solver, error)

var registry = struct {
	mu sync.RWMutex
	m  map[string]Factory
}{
	m: make(map[string]Factory),
}

func init() {
	MustRegister("identity", func(opts Options) (Solver, error) {
		return Identity{StateDim: opts.StateDim}, nil
	})
	MustRegister("netflux", func(opts Options) (Solver, error) {
		network := DefaultFibroblastNetwork()
		if opts.NetworkPath != "" {
			loaded, err := LoadNetwork(opts.NetworkPath)
			if err != nil {
				return nil, err
			}
			network = loaded
		}
		if opts.StateDim > 0 && network.StateDim != opts.StateDim {
			return nil, fmt.Errorf("%w: network has %d entries, run uses %d", ErrStateDimension, network.StateDim, opts.StateDim)
		}
		return NewNetflux(network, NetfluxOptions{DT: opts.DT, Substeps: opts.Substeps, Workers: opts.Workers})
	})
}

func Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("solver name is required")
	}
	if factory == nil {
		return errors.New("solver factory is required")
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrSolverExists, name)
	}
	registry.m[name] = factory
	return nil
}

func MustRegister(name string, factory Factory) {
	if err := Register(name, factory); err != nil {
		panic(err)
	}
}

func New(name string, opts Options) (Solver, error) {
	registry.mu.RLock()
	factory, ok := registry.m[name]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSolverNotFound, name)
	}
	return factory(opts)
}

func List() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.m))
	for name := range registry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultFibroblastNetwork is a reduced fibroblast signaling network over the
// 91-entry state layout. Sensed inputs (TGFB 19, IL6 38, IL1 41, TNFa 43) are
// not integrated and hold their sensed value through the tick. Reactions
// driven by a sensed ligand take their weight from the batch series named
// after that ligand when one is supplied.
func DefaultFibroblastNetwork() Network {
	species := func(name string, index int) Species {
		return Species{Name: name, Index: index, Tau: 1, YMax: 1}
	}
	activate := func(output int, weight float64, inputs ...int) Reaction {
		return Reaction{Inputs: inputs, Output: output, Weight: weight}
	}
	ligand := func(key string, output int, weight float64, inputs ...int) Reaction {
		r := activate(output, weight, inputs...)
		r.WeightKey = key
		return r
	}
	return Network{
		StateDim: 91,
		Species: []Species{
			species("latentTGFB", 23),
			species("migration", 66),
			species("proliferation", 69),
			species("MMP1", 81),
			species("MMP2", 82),
			species("MMP9", 83),
			species("MMP14", 84),
			species("proCollagenI", 87),
			species("proCollagenIII", 88),
			species("CollagenI", 89),
			species("CollagenIII", 90),
		},
		Reactions: []Reaction{
			ligand("TGFB", 23, 1, 19),
			ligand("IL1", 23, 0.6, 41),
			ligand("TNFa", 66, 1, 43),
			ligand("IL6", 69, 0.8, 38),
			ligand("IL1", 81, 0.8, 41),
			ligand("TNFa", 82, 1, 43),
			ligand("TNFa", 83, 1, 43),
			ligand("IL1", 84, 0.8, 41),
			ligand("TGFB", 87, 1, 19),
			{Inputs: []int{19, 43}, Inhibit: []bool{false, true}, Output: 88, Weight: 1, WeightKey: "TGFB"},
			activate(89, 1, 87),
			activate(90, 1, 88),
		},
	}
}
