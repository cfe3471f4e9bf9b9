package agent

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"fibrosim/internal/lattice"
	"fibrosim/internal/mapping"
)

var (
	ErrStateLength    = errors.New("network state length mismatch")
	ErrNotPlaced      = errors.New("agent is not placed on the lattice")
	ErrNotActive      = errors.New("agent is not active")
	ErrFieldNotBound  = errors.New("field not registered in environment")
	ErrNoDestinations = errors.New("no destination available")
)

// Handle is the stable slot identifier the space assigns to an agent.
type Handle int

type Status int

const (
	Uninitialized Status = iota
	Active
	Removed
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Active:
		return "active"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Rand is the subset of *rand.Rand the agent draws from. Tests substitute
// scripted draws.
type Rand interface {
	Float64() float64
	Intn(n int) int
	Shuffle(n int, swap func(i, j int))
}

// Environment is the view of the space an agent acts through. The space owns
// the agent collection and lattice occupancy; agents never mutate either
// directly.
type Environment interface {
	FieldNames() []string
	Field(name string) (*lattice.Field, bool)
	Position(h Handle) (lattice.Point, bool)
	EmptyNeighbors(p lattice.Point) []lattice.Point
	MoveAgent(h Handle, to lattice.Point) error
	AddAgent(at lattice.Point, parentState []float64) (Handle, error)
	RemoveAgent(h Handle) error
	CellsPerGrid() int
}

// Behavior holds the min/max rate pairs that the state vector interpolates
// between, plus the chemotaxis and remodeling constants.
type Behavior struct {
	SpeedMin             float64
	SpeedMax             float64
	DepositionMin        float64
	DepositionMax        float64
	DegradationMin       float64
	DegradationMax       float64
	MitosisMin           float64
	MitosisMax           float64
	ApoptosisProbability float64

	ChemotaxisThreshold float64
	SaturationCeiling   float64
	SignalFloor         float64

	CollagenTimeConstant float64
}

func DefaultBehavior() Behavior {
	return Behavior{
		SpeedMin:             0,
		SpeedMax:             0.5,
		DepositionMin:        0,
		DepositionMax:        10,
		DegradationMin:       0,
		DegradationMax:       1,
		MitosisMin:           0,
		MitosisMax:           0.05,
		ApoptosisProbability: 0.01,
		ChemotaxisThreshold:  0.1,
		SaturationCeiling:    0.9,
		SignalFloor:          0.1,
		CollagenTimeConstant: 2,
	}
}

type boundField struct {
	network int
	field   *lattice.Field
}

type Fibroblast struct {
	handle   Handle
	env      Environment
	table    *mapping.Table
	behavior Behavior
	rng      Rand
	log      *zap.Logger

	status Status
	pos    lattice.Point
	state  []float64

	sense      []boundField
	chemotaxis *lattice.Field
	collagen   *lattice.Field
}

func New(handle Handle, env Environment, table *mapping.Table, behavior Behavior, rng Rand, logger *zap.Logger) (*Fibroblast, error) {
	if env == nil {
		return nil, errors.New("agent environment is required")
	}
	if table == nil || table.StateDim <= 0 {
		return nil, errors.New("agent mapping table is required")
	}
	if rng == nil {
		return nil, errors.New("agent random source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fibroblast{
		handle:   handle,
		env:      env,
		table:    table,
		behavior: behavior,
		rng:      rng,
		log:      logger,
		state:    make([]float64, table.StateDim),
	}, nil
}

func (f *Fibroblast) Handle() Handle {
	return f.handle
}

func (f *Fibroblast) Status() Status {
	return f.status
}

func (f *Fibroblast) Position() lattice.Point {
	return f.pos
}

// NetworkState returns a copy of the state vector.
func (f *Fibroblast) NetworkState() []float64 {
	return append([]float64(nil), f.state...)
}

// SetNetworkState replaces the state vector. A vector of the wrong length is
// rejected and the previous state is kept.
func (f *Fibroblast) SetNetworkState(state []float64) error {
	if len(state) != len(f.state) {
		return fmt.Errorf("%w: got %d want %d", ErrStateLength, len(state), len(f.state))
	}
	copy(f.state, state)
	return nil
}

// Initialize binds the agent to its lattice cell and fields and applies the
// constant inputs. The agent must already be placed.
func (f *Fibroblast) Initialize() error {
	if f.status == Removed {
		return ErrNotActive
	}
	pos, ok := f.env.Position(f.handle)
	if !ok {
		return fmt.Errorf("initialize agent %d: %w", f.handle, ErrNotPlaced)
	}
	f.pos = pos

	names := f.env.FieldNames()
	lookup := func(idx int) (*lattice.Field, error) {
		if idx < 0 || idx >= len(names) {
			return nil, fmt.Errorf("field index %d: %w", idx, ErrFieldNotBound)
		}
		field, ok := f.env.Field(names[idx])
		if !ok {
			return nil, fmt.Errorf("field %s: %w", names[idx], ErrFieldNotBound)
		}
		return field, nil
	}

	sense := make([]boundField, 0, len(f.table.Sense))
	for _, p := range f.table.Sense {
		field, err := lookup(p.Field)
		if err != nil {
			return fmt.Errorf("initialize agent %d sense: %w", f.handle, err)
		}
		sense = append(sense, boundField{network: p.Network, field: field})
	}
	chemotaxis, err := lookup(f.table.ChemotaxisField)
	if err != nil {
		return fmt.Errorf("initialize agent %d chemotaxis: %w", f.handle, err)
	}
	collagen, err := lookup(f.table.CollagenField)
	if err != nil {
		return fmt.Errorf("initialize agent %d collagen: %w", f.handle, err)
	}

	f.sense = sense
	f.chemotaxis = chemotaxis
	f.collagen = collagen
	for _, c := range f.table.Constants {
		f.state[c.Index] = c.Value
	}
	f.status = Active
	return nil
}

// Retire marks the agent removed. Only the space calls it, from RemoveAgent.
func (f *Fibroblast) Retire() {
	f.status = Removed
}

// Relocate records a new position. Only the space calls it, after it has
// updated lattice occupancy.
func (f *Fibroblast) Relocate(p lattice.Point) {
	f.pos = p
}

// SenseEnvironment copies each mapped field value at the agent's cell into
// the state vector. Constant inputs are not reset here.
func (f *Fibroblast) SenseEnvironment() error {
	if f.status != Active {
		return ErrNotActive
	}
	for _, b := range f.sense {
		v, err := b.field.Get(f.pos.X, f.pos.Y)
		if err != nil {
			return fmt.Errorf("sense %s: %w", b.field.Name(), err)
		}
		f.state[b.network] = v
	}
	return nil
}

func (f *Fibroblast) speed() float64 {
	return mapping.Lerp(f.behavior.SpeedMin, f.behavior.SpeedMax, f.state[f.table.SpeedIndex])
}

// Move gates on a speed draw, then climbs the chemotaxis gradient when a
// qualifying neighbor exists, otherwise steps to a random empty neighbor.
// It reports whether the agent changed cells.
func (f *Fibroblast) Move() (bool, error) {
	if f.status != Active {
		return false, ErrNotActive
	}
	speed := f.speed()
	if speed > 1 {
		f.log.Warn("fibroblast speed exceeds one cell per tick",
			zap.Int("agent", int(f.handle)),
			zap.Float64("speed", speed))
	}
	if f.rng.Float64() >= speed {
		return false, nil
	}

	current, err := f.chemotaxis.Get(f.pos.X, f.pos.Y)
	if err != nil {
		return false, fmt.Errorf("move read %s: %w", f.chemotaxis.Name(), err)
	}

	empty := f.emptySites()
	if len(empty) == 0 {
		return false, nil
	}

	candidates := make([]lattice.Point, 0, len(empty))
	grads := make([]float64, 0, len(empty))
	for _, site := range empty {
		other, err := f.chemotaxis.Get(site.X, site.Y)
		if err != nil {
			return false, fmt.Errorf("move read %s: %w", f.chemotaxis.Name(), err)
		}
		gradient := other - current
		if gradient > f.behavior.ChemotaxisThreshold*current &&
			current < f.behavior.SaturationCeiling &&
			other > f.behavior.SignalFloor {
			candidates = append(candidates, site)
			grads = append(grads, gradient)
		}
	}

	dest := empty[0]
	if len(candidates) > 0 {
		dest = chooseWeighted(candidates, grads, f.rng.Float64())
	}
	if err := f.env.MoveAgent(f.handle, dest); err != nil {
		return false, fmt.Errorf("move agent %d: %w", f.handle, err)
	}
	f.pos = dest
	return true, nil
}

// chooseWeighted samples one site with probability proportional to |grad|
// using a single uniform draw u in [0,1).
func chooseWeighted(sites []lattice.Point, grads []float64, u float64) lattice.Point {
	cumulative := make([]float64, len(grads))
	total := 0.0
	for i, g := range grads {
		total += math.Abs(g)
		cumulative[i] = total
	}
	target := u * total
	for i, c := range cumulative {
		if target < c {
			return sites[i]
		}
	}
	return sites[len(sites)-1]
}

func (f *Fibroblast) emptySites() []lattice.Point {
	sites := f.env.EmptyNeighbors(f.pos)
	f.rng.Shuffle(len(sites), func(i, j int) {
		sites[i], sites[j] = sites[j], sites[i]
	})
	return sites
}

type Fate int

const (
	Survived Fate = iota
	Divided
	Died
)

func (f Fate) String() string {
	switch f {
	case Divided:
		return "divided"
	case Died:
		return "died"
	default:
		return "survived"
	}
}

// MitosisProbability interpolates the per-tick division probability from the
// mitosis state component.
func (f *Fibroblast) MitosisProbability() float64 {
	return mapping.Lerp(f.behavior.MitosisMin, f.behavior.MitosisMax, f.state[f.table.MitosisIndex])
}

// LiveOrDie draws once: below the mitosis probability the agent divides into
// an empty neighbor (if any), below mitosis+apoptosis it is removed.
func (f *Fibroblast) LiveOrDie() (Fate, error) {
	if f.status != Active {
		return Survived, ErrNotActive
	}
	mitosis := f.MitosisProbability()
	choice := f.rng.Float64()

	switch {
	case choice < mitosis:
		empty := f.emptySites()
		if len(empty) == 0 {
			return Survived, nil
		}
		if _, err := f.env.AddAgent(empty[0], f.NetworkState()); err != nil {
			return Survived, fmt.Errorf("mitosis agent %d: %w", f.handle, err)
		}
		return Divided, nil
	case choice < mitosis+f.behavior.ApoptosisProbability:
		if err := f.env.RemoveAgent(f.handle); err != nil {
			return Survived, fmt.Errorf("apoptosis agent %d: %w", f.handle, err)
		}
		f.status = Removed
		return Died, nil
	default:
		return Survived, nil
	}
}

// DepositionRate is one explicit Euler step toward target that never lowers
// the field.
func DepositionRate(current, target float64, cellsPerGrid int, timeConstant float64) float64 {
	return math.Max(0, target-current) / (float64(cellsPerGrid) * timeConstant)
}

// DegradationRate is one explicit Euler step toward 1-target that never
// raises the field.
func DegradationRate(current, target float64, cellsPerGrid int, timeConstant float64) float64 {
	return math.Min(0, (1-target)-current) / (float64(cellsPerGrid) * timeConstant)
}

func (f *Fibroblast) Deposit() error {
	if f.status != Active {
		return ErrNotActive
	}
	level := mapping.Mean(f.state, f.table.DepositionIndices)
	target := mapping.Lerp(f.behavior.DepositionMin, f.behavior.DepositionMax, level)
	current, err := f.collagen.Get(f.pos.X, f.pos.Y)
	if err != nil {
		return fmt.Errorf("deposit read: %w", err)
	}
	dcdt := DepositionRate(current, target, f.env.CellsPerGrid(), f.behavior.CollagenTimeConstant)
	return f.collagen.Set(current+dcdt, f.pos.X, f.pos.Y)
}

func (f *Fibroblast) Degrade() error {
	if f.status != Active {
		return ErrNotActive
	}
	level := mapping.Mean(f.state, f.table.DegradationIndices)
	target := mapping.Lerp(f.behavior.DegradationMin, f.behavior.DegradationMax, level)
	current, err := f.collagen.Get(f.pos.X, f.pos.Y)
	if err != nil {
		return fmt.Errorf("degrade read: %w", err)
	}
	dcdt := DegradationRate(current, target, f.env.CellsPerGrid(), f.behavior.CollagenTimeConstant)
	return f.collagen.Set(current+dcdt, f.pos.X, f.pos.Y)
}

// UpdateLocalField applies deposition then degradation to the collagen field
// at the agent's cell.
func (f *Fibroblast) UpdateLocalField() error {
	if err := f.Deposit(); err != nil {
		return err
	}
	return f.Degrade()
}
