package solver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gopkg.in/yaml.v3"
)

var ErrInvalidNetwork = errors.New("invalid network")

const (
	defaultHillN    = 1.4
	defaultHillEC50 = 0.5
)

// Species is one integrated node of a normalized-Hill network, stored at
// Index in the state vector.
type Species struct {
	Name  string  `yaml:"name"`
	Index int     `yaml:"index"`
	Tau   float64 `yaml:"tau"`
	YMax  float64 `yaml:"ymax"`
}

// Reaction drives Output from the AND of its inputs. A reaction without
// inputs is an external input whose strength is Weight, or the per-agent
// weight named by WeightKey when the batch carries one.
type Reaction struct {
	Inputs    []int   `yaml:"inputs,omitempty"`
	Inhibit   []bool  `yaml:"inhibit,omitempty"`
	Output    int     `yaml:"output"`
	Weight    float64 `yaml:"weight"`
	N         float64 `yaml:"n,omitempty"`
	EC50      float64 `yaml:"ec50,omitempty"`
	WeightKey string  `yaml:"weight_key,omitempty"`
}

type Network struct {
	StateDim  int        `yaml:"state_dim"`
	Species   []Species  `yaml:"species"`
	Reactions []Reaction `yaml:"reactions"`
}

func LoadNetwork(path string) (Network, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Network{}, fmt.Errorf("read network %s: %w", path, err)
	}
	var n Network
	if err := yaml.Unmarshal(data, &n); err != nil {
		return Network{}, fmt.Errorf("decode network %s: %w", path, err)
	}
	return n, nil
}

func (n Network) Validate() error {
	if n.StateDim <= 0 {
		return fmt.Errorf("%w: state_dim must be > 0", ErrInvalidNetwork)
	}
	seen := make(map[int]bool, len(n.Species))
	for _, s := range n.Species {
		if s.Index < 0 || s.Index >= n.StateDim {
			return fmt.Errorf("%w: species %s index %d outside [0,%d)", ErrInvalidNetwork, s.Name, s.Index, n.StateDim)
		}
		if seen[s.Index] {
			return fmt.Errorf("%w: duplicate species index %d", ErrInvalidNetwork, s.Index)
		}
		if s.Tau <= 0 {
			return fmt.Errorf("%w: species %s tau must be > 0", ErrInvalidNetwork, s.Name)
		}
		seen[s.Index] = true
	}
	for i, r := range n.Reactions {
		if !seen[r.Output] {
			return fmt.Errorf("%w: reaction %d output %d is not a species", ErrInvalidNetwork, i, r.Output)
		}
		if len(r.Inhibit) != 0 && len(r.Inhibit) != len(r.Inputs) {
			return fmt.Errorf("%w: reaction %d inhibit flags do not match inputs", ErrInvalidNetwork, i)
		}
		for _, in := range r.Inputs {
			if in < 0 || in >= n.StateDim {
				return fmt.Errorf("%w: reaction %d input %d outside [0,%d)", ErrInvalidNetwork, i, in, n.StateDim)
			}
		}
		if r.EC50 < 0 || r.EC50 >= 1 {
			return fmt.Errorf("%w: reaction %d ec50 %v outside [0,1)", ErrInvalidNetwork, i, r.EC50)
		}
		hn, hec := hillParams(r.N, r.EC50)
		if math.Abs(2*math.Pow(hec, hn)-1) < 1e-9 {
			return fmt.Errorf("%w: reaction %d ec50^n is 0.5, hill curve is singular", ErrInvalidNetwork, i)
		}
	}
	return nil
}

type hill struct {
	b  float64
	kn float64
	n  float64
}

// newHill builds the normalized Hill curve that passes through (0,0),
// (ec50,0.5) and (1,1).
func newHill(n, ec50 float64) hill {
	n, ec50 = hillParams(n, ec50)
	en := math.Pow(ec50, n)
	b := (en - 1) / (2*en - 1)
	return hill{b: b, kn: b - 1, n: n}
}

func hillParams(n, ec50 float64) (float64, float64) {
	if n <= 0 {
		n = defaultHillN
	}
	if ec50 <= 0 {
		ec50 = defaultHillEC50
	}
	return n, ec50
}

func (h hill) act(x float64) float64 {
	if x <= 0 {
		return 0
	}
	xn := math.Pow(x, h.n)
	return h.b * xn / (h.kn + xn)
}

type compiledReaction struct {
	Reaction
	curve hill
}

// Netflux integrates a normalized-Hill logic network for every state in the
// batch. States are independent, so they are integrated on a bounded pool of
// goroutines.
type Netflux struct {
	network   Network
	reactions [][]compiledReaction
	dt        float64
	substeps  int
	workers   int
}

type NetfluxOptions struct {
	DT       float64
	Substeps int
	Workers  int
}

func NewNetflux(network Network, opts NetfluxOptions) (*Netflux, error) {
	if err := network.Validate(); err != nil {
		return nil, err
	}
	if opts.DT <= 0 {
		opts.DT = 1
	}
	if opts.Substeps <= 0 {
		opts.Substeps = 10
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	byOutput := make(map[int][]compiledReaction, len(network.Species))
	for _, r := range network.Reactions {
		byOutput[r.Output] = append(byOutput[r.Output], compiledReaction{Reaction: r, curve: newHill(r.N, r.EC50)})
	}
	reactions := make([][]compiledReaction, len(network.Species))
	for i, s := range network.Species {
		reactions[i] = byOutput[s.Index]
	}
	return &Netflux{
		network:   network,
		reactions: reactions,
		dt:        opts.DT,
		substeps:  opts.Substeps,
		workers:   opts.Workers,
	}, nil
}

func (s *Netflux) Name() string {
	return "netflux"
}

func (s *Netflux) StateDim() int {
	return s.network.StateDim
}

func (s *Netflux) StepBatch(ctx context.Context, states [][]float64, weights Weights) ([][]float64, error) {
	if err := weights.validate(len(states)); err != nil {
		return nil, err
	}
	for i, state := range states {
		if len(state) != s.network.StateDim {
			return nil, fmt.Errorf("%w: state %d has %d entries want %d", ErrStateDimension, i, len(state), s.network.StateDim)
		}
	}

	out := make([][]float64, len(states))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range states {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			next, err := s.integrate(states[i], weights, i)
			if err != nil {
				return fmt.Errorf("state %d: %w", i, err)
			}
			out[i] = next
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// integrate runs classic RK4 over one tick in fixed substeps.
func (s *Netflux) integrate(state []float64, weights Weights, agent int) ([]float64, error) {
	dim := len(state)
	y := append([]float64(nil), state...)
	k1 := make([]float64, dim)
	k2 := make([]float64, dim)
	k3 := make([]float64, dim)
	k4 := make([]float64, dim)
	tmp := make([]float64, dim)
	h := s.dt / float64(s.substeps)

	for step := 0; step < s.substeps; step++ {
		s.derivative(k1, y, weights, agent)
		floats.AddScaledTo(tmp, y, h/2, k1)
		s.derivative(k2, tmp, weights, agent)
		floats.AddScaledTo(tmp, y, h/2, k2)
		s.derivative(k3, tmp, weights, agent)
		floats.AddScaledTo(tmp, y, h, k3)
		s.derivative(k4, tmp, weights, agent)

		floats.AddScaled(y, h/6, k1)
		floats.AddScaled(y, h/3, k2)
		floats.AddScaled(y, h/3, k3)
		floats.AddScaled(y, h/6, k4)
	}
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite value at index %d", i)
		}
	}
	return y, nil
}

func (s *Netflux) derivative(dst, y []float64, weights Weights, agent int) {
	for i := range dst {
		dst[i] = 0
	}
	for i, sp := range s.network.Species {
		// Reactions into one species combine by OR: f = a + b - a*b.
		f := 0.0
		for _, r := range s.reactions[i] {
			w := r.Weight
			if r.WeightKey != "" {
				if series, ok := weights[r.WeightKey]; ok {
					w = series[agent]
				}
			}
			a := w
			for j, in := range r.Inputs {
				v := r.curve.act(y[in])
				if len(r.Inhibit) > 0 && r.Inhibit[j] {
					v = 1 - v
				}
				a *= v
			}
			f = f + a - f*a
		}
		dst[sp.Index] = (sp.YMax*f - y[sp.Index]) / sp.Tau
	}
}
