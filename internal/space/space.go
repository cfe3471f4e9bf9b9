package space

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"fibrosim/internal/agent"
	"fibrosim/internal/lattice"
	"fibrosim/internal/mapping"
	"fibrosim/internal/solver"
)

var (
	ErrCellFull     = errors.New("lattice cell at capacity")
	ErrBatchShape   = errors.New("solver batch shape mismatch")
	ErrUnknownAgent = errors.New("unknown or removed agent")
)

// Gradient initializes a field as coord/extent*Max along one axis.
type Gradient struct {
	Axis string
	Max  float64
}

type FieldSpec struct {
	Name     string
	Default  float64
	Gradient *Gradient

	Diffuse     bool
	Evaporation float64
	Coefficient float64
}

type WeightSpec struct {
	Name       string
	Field      int
	Saturation float64
}

// SignalSpec rescales Field each tick to baseline*Series[tick], holding the
// last value once the series is exhausted.
type SignalSpec struct {
	Field  int
	Series []float64
}

type ActivationSpec struct {
	Enabled           bool
	LatentDegradation float64
	ActiveDegradation float64
}

type AggregateSpec struct {
	Name    string
	Indices []int
}

type Config struct {
	Width        int
	Height       int
	Boundary     lattice.BoundaryMode
	CellsPerGrid int
	Kernel       lattice.Kernel

	Fields   []FieldSpec
	Table    mapping.Table
	Behavior agent.Behavior

	// InheritState copies the parent's state into a daughter. Otherwise the
	// daughter starts from zeros plus the constant inputs.
	InheritState bool
	// FeedbackTimeConstant scales feedback relaxation. Zero means 1.
	FeedbackTimeConstant float64
	InitialState         []float64

	Activation     ActivationSpec
	Weights        []WeightSpec
	Signal         *SignalSpec
	Aggregates     []AggregateSpec
	SnapshotFields []int

	SolverTimeout time.Duration
}

type slot struct {
	agent *agent.Fibroblast
	pos   lattice.Point
	live  bool
}

type counters struct {
	births  int
	deaths  int
	moves   int
	skipped bool
}

// Space owns the lattice, its fields and the agent pool. Agents live in
// stable slots; a removed agent's slot is only reused at the start of the
// next tick so handle order stays fixed within a tick.
type Space struct {
	cfg       Config
	table     *mapping.Table
	fields    []*lattice.Field
	byName    map[string]int
	diffusers []*lattice.Diffuser
	baseline  []float64

	solver solver.Solver
	rng    agent.Rand
	log    *zap.Logger

	slots     []slot
	free      []agent.Handle
	retired   []agent.Handle
	occupancy []int

	tick         int
	counts       counters
	skippedTotal int
}

func New(cfg Config, s solver.Solver, rng agent.Rand, logger *zap.Logger) (*Space, error) {
	if s == nil {
		return nil, errors.New("space solver is required")
	}
	if rng == nil {
		return nil, errors.New("space random source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid grid extent %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.CellsPerGrid <= 0 {
		return nil, fmt.Errorf("cells per grid must be > 0, got %d", cfg.CellsPerGrid)
	}
	if cfg.FeedbackTimeConstant < 0 {
		return nil, fmt.Errorf("feedback time constant must be >= 0, got %v", cfg.FeedbackTimeConstant)
	}
	if cfg.FeedbackTimeConstant == 0 {
		cfg.FeedbackTimeConstant = 1
	}

	sp := &Space{
		cfg:       cfg,
		byName:    make(map[string]int, len(cfg.Fields)),
		solver:    s,
		rng:       rng,
		log:       logger,
		occupancy: make([]int, cfg.Width*cfg.Height),
	}
	for _, spec := range cfg.Fields {
		if err := sp.addField(spec); err != nil {
			return nil, err
		}
	}

	table := cfg.Table
	if err := table.Validate(len(sp.fields)); err != nil {
		return nil, err
	}
	sp.table = &table
	if err := sp.validate(); err != nil {
		return nil, err
	}
	if cfg.Signal != nil {
		sp.baseline = sp.fields[cfg.Signal.Field].Values()
	}
	return sp, nil
}

func (sp *Space) addField(spec FieldSpec) error {
	name := strings.TrimSpace(spec.Name)
	if _, exists := sp.byName[name]; exists {
		return fmt.Errorf("duplicate field %q", name)
	}
	f, err := lattice.NewField(name, sp.cfg.Width, sp.cfg.Height, spec.Default, sp.cfg.Boundary)
	if err != nil {
		return err
	}
	if g := spec.Gradient; g != nil {
		var fill func(x, y int) float64
		switch strings.ToLower(g.Axis) {
		case "x":
			fill = func(x, _ int) float64 { return float64(x) / float64(sp.cfg.Width) * g.Max }
		case "y":
			fill = func(_, y int) float64 { return float64(y) / float64(sp.cfg.Height) * g.Max }
		default:
			return fmt.Errorf("field %s: unsupported gradient axis %q", name, g.Axis)
		}
		if err := f.Apply(fill); err != nil {
			return err
		}
	}
	if spec.Diffuse {
		d, err := lattice.NewDiffuser(f, spec.Evaporation, spec.Coefficient, sp.cfg.Kernel)
		if err != nil {
			return fmt.Errorf("field %s: %w", name, err)
		}
		sp.diffusers = append(sp.diffusers, d)
	}
	sp.byName[name] = len(sp.fields)
	sp.fields = append(sp.fields, f)
	return nil
}

func (sp *Space) validate() error {
	fieldCount := len(sp.fields)
	stateDim := sp.table.StateDim
	if n := len(sp.cfg.InitialState); n != 0 && n != stateDim {
		return fmt.Errorf("%w: initial state has %d entries want %d", agent.ErrStateLength, n, stateDim)
	}
	if sp.cfg.Activation.Enabled && len(sp.table.Activation) != 2 {
		return fmt.Errorf("%w: activation enabled without an active/latent pair", mapping.ErrInvalidMapping)
	}
	for _, w := range sp.cfg.Weights {
		if w.Name == "" {
			return errors.New("weight name is required")
		}
		if w.Field < 0 || w.Field >= fieldCount {
			return fmt.Errorf("%w: weight %s field %d outside [0,%d)", mapping.ErrInvalidMapping, w.Name, w.Field, fieldCount)
		}
		if w.Saturation <= 0 {
			return fmt.Errorf("weight %s saturation must be > 0", w.Name)
		}
	}
	if sig := sp.cfg.Signal; sig != nil {
		if sig.Field < 0 || sig.Field >= fieldCount {
			return fmt.Errorf("%w: signal field %d outside [0,%d)", mapping.ErrInvalidMapping, sig.Field, fieldCount)
		}
		if len(sig.Series) == 0 {
			return errors.New("signal series is empty")
		}
	}
	for _, a := range sp.cfg.Aggregates {
		for _, idx := range a.Indices {
			if idx < 0 || idx >= stateDim {
				return fmt.Errorf("%w: aggregate %s index %d outside [0,%d)", mapping.ErrInvalidMapping, a.Name, idx, stateDim)
			}
		}
	}
	for _, idx := range sp.cfg.SnapshotFields {
		if idx < 0 || idx >= fieldCount {
			return fmt.Errorf("%w: snapshot field %d outside [0,%d)", mapping.ErrInvalidMapping, idx, fieldCount)
		}
	}
	return nil
}

func (sp *Space) Table() *mapping.Table {
	return sp.table
}

// FieldNames lists fields in insertion order, which is the order mapping
// tables index into.
func (sp *Space) FieldNames() []string {
	names := make([]string, len(sp.fields))
	for i, f := range sp.fields {
		names[i] = f.Name()
	}
	return names
}

func (sp *Space) Field(name string) (*lattice.Field, bool) {
	idx, ok := sp.byName[name]
	if !ok {
		return nil, false
	}
	return sp.fields[idx], true
}

func (sp *Space) FieldAt(index int) (*lattice.Field, bool) {
	if index < 0 || index >= len(sp.fields) {
		return nil, false
	}
	return sp.fields[index], true
}

func (sp *Space) CellsPerGrid() int {
	return sp.cfg.CellsPerGrid
}

func (sp *Space) cell(p lattice.Point) int {
	return p.Y*sp.cfg.Width + p.X
}

func (sp *Space) resolve(p lattice.Point) (lattice.Point, error) {
	x, y, ok := sp.cfg.Boundary.Resolve(p.X, p.Y, sp.cfg.Width, sp.cfg.Height)
	if !ok {
		return p, fmt.Errorf("point (%d,%d): %w", p.X, p.Y, lattice.ErrOutOfRange)
	}
	return lattice.Point{X: x, Y: y}, nil
}

func (sp *Space) lookup(h agent.Handle) (*slot, error) {
	if h < 0 || int(h) >= len(sp.slots) || !sp.slots[h].live {
		return nil, fmt.Errorf("agent %d: %w", h, ErrUnknownAgent)
	}
	return &sp.slots[h], nil
}

// Agent returns the live agent behind h.
func (sp *Space) Agent(h agent.Handle) (*agent.Fibroblast, bool) {
	s, err := sp.lookup(h)
	if err != nil {
		return nil, false
	}
	return s.agent, true
}

func (sp *Space) Position(h agent.Handle) (lattice.Point, bool) {
	s, err := sp.lookup(h)
	if err != nil {
		return lattice.Point{}, false
	}
	return s.pos, true
}

func (sp *Space) Occupancy(p lattice.Point) int {
	q, err := sp.resolve(p)
	if err != nil {
		return 0
	}
	return sp.occupancy[sp.cell(q)]
}

// EmptyNeighbors lists Moore neighbors of p (radius 1, p excluded) with room
// for another agent.
func (sp *Space) EmptyNeighbors(p lattice.Point) []lattice.Point {
	neighbors := lattice.MooreNeighbors(p, 1, sp.cfg.Boundary, sp.cfg.Width, sp.cfg.Height)
	out := make([]lattice.Point, 0, len(neighbors))
	for _, q := range neighbors {
		if sp.occupancy[sp.cell(q)] < sp.cfg.CellsPerGrid {
			out = append(out, q)
		}
	}
	return out
}

// Len reports the number of live agents.
func (sp *Space) Len() int {
	n := 0
	for i := range sp.slots {
		if sp.slots[i].live {
			n++
		}
	}
	return n
}

// Handles snapshots live handles in ascending order.
func (sp *Space) Handles() []agent.Handle {
	out := make([]agent.Handle, 0, len(sp.slots))
	for i := range sp.slots {
		if sp.slots[i].live {
			out = append(out, agent.Handle(i))
		}
	}
	return out
}

// place occupies a cell with a fresh, uninitialized agent.
func (sp *Space) place(at lattice.Point) (agent.Handle, *agent.Fibroblast, error) {
	p, err := sp.resolve(at)
	if err != nil {
		return 0, nil, err
	}
	if sp.occupancy[sp.cell(p)] >= sp.cfg.CellsPerGrid {
		return 0, nil, fmt.Errorf("place at (%d,%d): %w", p.X, p.Y, ErrCellFull)
	}

	var h agent.Handle
	if len(sp.free) > 0 {
		h = sp.free[0]
		sp.free = sp.free[1:]
	} else {
		h = agent.Handle(len(sp.slots))
		sp.slots = append(sp.slots, slot{})
	}
	f, err := agent.New(h, sp, sp.table, sp.cfg.Behavior, sp.rng, sp.log)
	if err != nil {
		sp.free = append(sp.free, h)
		return 0, nil, err
	}
	sp.slots[h] = slot{agent: f, pos: p, live: true}
	sp.occupancy[sp.cell(p)]++
	return h, f, nil
}

// AddAgent places and initializes a daughter at an empty site. The caller
// must have checked capacity; a full cell is still rejected.
func (sp *Space) AddAgent(at lattice.Point, parentState []float64) (agent.Handle, error) {
	if sp.cfg.InheritState && len(parentState) != sp.table.StateDim {
		return 0, fmt.Errorf("%w: parent state has %d entries want %d", agent.ErrStateLength, len(parentState), sp.table.StateDim)
	}
	h, f, err := sp.place(at)
	if err != nil {
		return 0, err
	}
	if sp.cfg.InheritState {
		if err := f.SetNetworkState(parentState); err != nil {
			return 0, err
		}
	}
	if err := f.Initialize(); err != nil {
		return 0, err
	}
	sp.counts.births++
	return h, nil
}

func (sp *Space) RemoveAgent(h agent.Handle) error {
	s, err := sp.lookup(h)
	if err != nil {
		return err
	}
	sp.occupancy[sp.cell(s.pos)]--
	s.agent.Retire()
	s.live = false
	sp.retired = append(sp.retired, h)
	sp.counts.deaths++
	return nil
}

func (sp *Space) MoveAgent(h agent.Handle, to lattice.Point) error {
	s, err := sp.lookup(h)
	if err != nil {
		return err
	}
	p, err := sp.resolve(to)
	if err != nil {
		return err
	}
	if p == s.pos {
		return nil
	}
	if sp.occupancy[sp.cell(p)] >= sp.cfg.CellsPerGrid {
		return fmt.Errorf("move agent %d to (%d,%d): %w", h, p.X, p.Y, ErrCellFull)
	}
	sp.occupancy[sp.cell(s.pos)]--
	sp.occupancy[sp.cell(p)]++
	s.pos = p
	s.agent.Relocate(p)
	return nil
}

// recycle frees slots retired during the previous tick and resets the tick
// counters.
func (sp *Space) recycle(tick int) {
	for _, h := range sp.retired {
		sp.slots[h] = slot{}
	}
	sp.free = append(sp.free, sp.retired...)
	sp.retired = sp.retired[:0]
	sp.counts = counters{}
	sp.tick = tick
}
