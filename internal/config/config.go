package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fibrosim/internal/agent"
	"fibrosim/internal/lattice"
	"fibrosim/internal/mapping"
	"fibrosim/internal/space"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full run configuration. Fields are referenced by name
// everywhere; their order in Fields fixes the index used by mapping tables.
type Config struct {
	Run       RunConfig       `yaml:"run"`
	Grid      GridConfig      `yaml:"grid"`
	Fields    []FieldConfig   `yaml:"fields"`
	Diffusion DiffusionConfig `yaml:"diffusion"`
	Network   NetworkConfig   `yaml:"network"`
	Behavior  BehaviorConfig  `yaml:"behavior"`
	Mitosis   MitosisConfig   `yaml:"mitosis"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	Weights   WeightsConfig   `yaml:"weights"`
	Signal    SignalConfig    `yaml:"signal"`
	Solver    SolverConfig    `yaml:"solver"`
	Output    OutputConfig    `yaml:"output"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type RunConfig struct {
	Ticks            int    `yaml:"ticks"`
	Seed             int64  `yaml:"seed"`
	InitialAgents    int    `yaml:"initial_agents"`
	InitialStatePath string `yaml:"initial_state_path,omitempty"`
}

type GridConfig struct {
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	Boundary     string `yaml:"boundary"` // clamped, wrap, bouncy
	CellsPerGrid int    `yaml:"cells_per_grid"`
	Kernel       string `yaml:"kernel"` // moore, von_neumann
}

type GradientConfig struct {
	Axis string  `yaml:"axis"`
	Max  float64 `yaml:"max"`
}

type FieldConfig struct {
	Name     string          `yaml:"name"`
	Default  float64         `yaml:"default"`
	Gradient *GradientConfig `yaml:"gradient,omitempty"`
	Diffuse  bool            `yaml:"diffuse"`
}

// DiffusionConfig is shared by every field with diffuse set.
type DiffusionConfig struct {
	Evaporation float64 `yaml:"evaporation"`
	Coefficient float64 `yaml:"coefficient"`
}

type FieldPair struct {
	Network int    `yaml:"network"`
	Field   string `yaml:"field"`
}

type NetworkConfig struct {
	StateDim           int                `yaml:"state_dim"`
	Constants          []mapping.Constant `yaml:"constants"`
	Sense              []FieldPair        `yaml:"sense"`
	Feedback           []FieldPair        `yaml:"feedback"`
	ActiveTGFB         FieldPair          `yaml:"active_tgfb"`
	LatentTGFB         FieldPair          `yaml:"latent_tgfb"`
	SpeedIndex         int                `yaml:"speed_index"`
	MitosisIndex       int                `yaml:"mitosis_index"`
	DepositionIndices  []int              `yaml:"deposition_indices"`
	DegradationIndices []int              `yaml:"degradation_indices"`
	ActivationIndices  []int              `yaml:"activation_indices"`
	ChemotaxisField    string             `yaml:"chemotaxis_field"`
	CollagenField      string             `yaml:"collagen_field"`

	// SenseIndices and FeedbackIndices are the flat alternating
	// (network index, field position) form and replace Sense and Feedback.
	SenseIndices    []int `yaml:"sense_indices,omitempty"`
	FeedbackIndices []int `yaml:"feedback_indices,omitempty"`
}

type RateRange struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

type BehaviorConfig struct {
	Speed                RateRange `yaml:"speed"`
	Deposition           RateRange `yaml:"deposition"`
	Degradation          RateRange `yaml:"degradation"`
	Mitosis              RateRange `yaml:"mitosis"`
	ApoptosisProbability float64   `yaml:"apoptosis_probability"`
	ChemotaxisThreshold  float64   `yaml:"chemotaxis_threshold"`
	SaturationCeiling    float64   `yaml:"saturation_ceiling"`
	SignalFloor          float64   `yaml:"signal_floor"`
	CollagenTimeConstant float64   `yaml:"collagen_time_constant"`
}

type MitosisConfig struct {
	InheritState bool `yaml:"inherit_state"`
}

// FeedbackConfig toggles the TGF-beta loop: feedback pairs into the latent
// field and latent-to-active conversion.
type FeedbackConfig struct {
	TGFBFeedback      bool    `yaml:"tgfb_feedback"`
	TimeConstant      float64 `yaml:"time_constant"`
	LatentDegradation float64 `yaml:"latent_degradation"`
	ActiveDegradation float64 `yaml:"active_degradation"`
}

type WeightEntry struct {
	Name       string  `yaml:"name"`
	Field      string  `yaml:"field"`
	Saturation float64 `yaml:"saturation"`
}

type WeightsConfig struct {
	Enabled bool          `yaml:"enabled"`
	Entries []WeightEntry `yaml:"entries"`
}

type SignalConfig struct {
	Field string `yaml:"field,omitempty"`
	Path  string `yaml:"path,omitempty"`
}

type SolverConfig struct {
	Kind        string  `yaml:"kind"`
	NetworkPath string  `yaml:"network_path,omitempty"`
	DT          float64 `yaml:"dt"`
	Substeps    int     `yaml:"substeps"`
	Workers     int     `yaml:"workers"`
	Timeout     string  `yaml:"timeout"`
}

type AggregateConfig struct {
	Name    string `yaml:"name"`
	Indices []int  `yaml:"indices"`
}

type OutputConfig struct {
	Dir            string            `yaml:"dir"`
	Interval       int               `yaml:"interval"`
	Aggregates     []AggregateConfig `yaml:"aggregates"`
	SnapshotFields []string          `yaml:"snapshot_fields"`
	Plot           bool              `yaml:"plot"`
}

type StorageConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path,omitempty"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default reproduces the reference fibroblast scenario: a 10x10 bouncy
// lattice with five cytokine fields plus collagen and a 91-entry state.
func Default() *Config {
	pair := func(network int, field string) FieldPair {
		return FieldPair{Network: network, Field: field}
	}
	constants := make([]mapping.Constant, 0, 7)
	for _, idx := range []int{0, 31, 11, 25, 6, 27, 13} {
		constants = append(constants, mapping.Constant{Index: idx, Value: 0.25})
	}
	behavior := agent.DefaultBehavior()
	return &Config{
		Run: RunConfig{Ticks: 100, Seed: 1, InitialAgents: 20},
		Grid: GridConfig{
			Width:        10,
			Height:       10,
			Boundary:     "bouncy",
			CellsPerGrid: 1,
			Kernel:       "moore",
		},
		Fields: []FieldConfig{
			{Name: "TGFB", Gradient: &GradientConfig{Axis: "y", Max: 1}},
			{Name: "LatentTGFB", Gradient: &GradientConfig{Axis: "y", Max: 1}},
			{Name: "Interleukin6", Gradient: &GradientConfig{Axis: "x", Max: 1}},
			{Name: "Interleukin1", Gradient: &GradientConfig{Axis: "x", Max: 1}},
			{Name: "TNFalpha", Gradient: &GradientConfig{Axis: "x", Max: 1}},
			{Name: "collagen", Default: 3},
		},
		Diffusion: DiffusionConfig{Evaporation: 0.01, Coefficient: 0.5},
		Network: NetworkConfig{
			StateDim:  91,
			Constants: constants,
			Sense: []FieldPair{
				pair(19, "TGFB"),
				pair(38, "Interleukin6"),
				pair(41, "Interleukin1"),
				pair(43, "TNFalpha"),
			},
			Feedback:           []FieldPair{pair(23, "LatentTGFB")},
			ActiveTGFB:         pair(19, "TGFB"),
			LatentTGFB:         pair(23, "LatentTGFB"),
			SpeedIndex:         66,
			MitosisIndex:       69,
			DepositionIndices:  []int{87, 88},
			DegradationIndices: []int{81, 82, 83, 84},
			ActivationIndices:  []int{82, 83},
			ChemotaxisField:    "TNFalpha",
			CollagenField:      "collagen",
		},
		Behavior: BehaviorConfig{
			Speed:                RateRange{Min: behavior.SpeedMin, Max: behavior.SpeedMax},
			Deposition:           RateRange{Min: behavior.DepositionMin, Max: behavior.DepositionMax},
			Degradation:          RateRange{Min: behavior.DegradationMin, Max: behavior.DegradationMax},
			Mitosis:              RateRange{Min: behavior.MitosisMin, Max: behavior.MitosisMax},
			ApoptosisProbability: behavior.ApoptosisProbability,
			ChemotaxisThreshold:  behavior.ChemotaxisThreshold,
			SaturationCeiling:    behavior.SaturationCeiling,
			SignalFloor:          behavior.SignalFloor,
			CollagenTimeConstant: behavior.CollagenTimeConstant,
		},
		Feedback: FeedbackConfig{
			TGFBFeedback:      true,
			TimeConstant:      1,
			LatentDegradation: 0,
			ActiveDegradation: 0.05,
		},
		Weights: WeightsConfig{
			Entries: []WeightEntry{
				{Name: "TGFB", Field: "TGFB", Saturation: 1},
				{Name: "IL1", Field: "Interleukin1", Saturation: 1},
				{Name: "IL6", Field: "Interleukin6", Saturation: 1},
				{Name: "TNFa", Field: "TNFalpha", Saturation: 1},
			},
		},
		Solver: SolverConfig{Kind: "netflux", DT: 1, Substeps: 10, Timeout: "30s"},
		Output: OutputConfig{
			Dir:      "runs",
			Interval: 1,
			Aggregates: []AggregateConfig{
				{Name: "deposition", Indices: []int{87, 88}},
				{Name: "degradation", Indices: []int{81, 82, 83}},
				{Name: "MMP1", Indices: []int{81}},
				{Name: "MMP2", Indices: []int{82}},
				{Name: "MMP9", Indices: []int{83}},
				{Name: "MMP14", Indices: []int{84}},
				{Name: "ColI", Indices: []int{89}},
				{Name: "ColIII", Indices: []int{90}},
			},
			SnapshotFields: []string{"collagen", "TGFB", "LatentTGFB"},
			Plot:           true,
		},
		Storage: StorageConfig{Kind: "memory"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) SolverTimeout() (time.Duration, error) {
	if strings.TrimSpace(c.Solver.Timeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Solver.Timeout)
	if err != nil {
		return 0, fmt.Errorf("%w: solver timeout %q: %v", ErrInvalidConfig, c.Solver.Timeout, err)
	}
	return d, nil
}

// Validate checks run-level options and resolves the mapping table, so every
// index error surfaces before a run starts.
func (c *Config) Validate() error {
	if c.Run.Ticks < 0 {
		return fmt.Errorf("%w: ticks must be >= 0", ErrInvalidConfig)
	}
	if c.Run.InitialAgents < 0 {
		return fmt.Errorf("%w: initial_agents must be >= 0", ErrInvalidConfig)
	}
	if c.Grid.Width <= 0 || c.Grid.Height <= 0 {
		return fmt.Errorf("%w: grid %dx%d", ErrInvalidConfig, c.Grid.Width, c.Grid.Height)
	}
	if c.Grid.CellsPerGrid <= 0 {
		return fmt.Errorf("%w: cells_per_grid must be > 0", ErrInvalidConfig)
	}
	if c.Run.InitialAgents > c.Grid.Width*c.Grid.Height*c.Grid.CellsPerGrid {
		return fmt.Errorf("%w: %d agents exceed lattice capacity", ErrInvalidConfig, c.Run.InitialAgents)
	}
	if _, err := lattice.ParseBoundaryMode(c.Grid.Boundary); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := lattice.ParseKernel(c.Grid.Kernel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Behavior.validate(); err != nil {
		return err
	}
	if c.Feedback.TimeConstant <= 0 {
		return fmt.Errorf("%w: feedback time_constant must be > 0", ErrInvalidConfig)
	}
	if c.Output.Interval <= 0 {
		return fmt.Errorf("%w: output interval must be > 0", ErrInvalidConfig)
	}
	if c.Signal.Path != "" && c.Signal.Field == "" {
		return fmt.Errorf("%w: signal path requires a field", ErrInvalidConfig)
	}
	if _, err := c.SolverTimeout(); err != nil {
		return err
	}
	table, err := c.Table()
	if err != nil {
		return err
	}
	return table.Validate(len(c.Fields))
}

// validate checks rate ranges. Speed and deposition may exceed one; mitosis
// and apoptosis are per-tick probabilities.
func (b BehaviorConfig) validate() error {
	ranges := []struct {
		name  string
		r     RateRange
		upper float64
	}{
		{"speed", b.Speed, math.Inf(1)},
		{"deposition", b.Deposition, math.Inf(1)},
		{"degradation", b.Degradation, math.Inf(1)},
		{"mitosis", b.Mitosis, 1},
	}
	for _, rr := range ranges {
		if !finite(rr.r.Min) || !finite(rr.r.Max) || rr.r.Min < 0 || rr.r.Max > rr.upper || rr.r.Min > rr.r.Max {
			return fmt.Errorf("%w: behavior %s range [%v, %v]", ErrInvalidConfig, rr.name, rr.r.Min, rr.r.Max)
		}
	}
	if !finite(b.ApoptosisProbability) || b.ApoptosisProbability < 0 || b.ApoptosisProbability > 1 {
		return fmt.Errorf("%w: apoptosis_probability %v outside [0, 1]", ErrInvalidConfig, b.ApoptosisProbability)
	}
	if !finite(b.CollagenTimeConstant) || b.CollagenTimeConstant <= 0 {
		return fmt.Errorf("%w: collagen_time_constant must be > 0", ErrInvalidConfig)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func (c *Config) fieldIndex(name string) (int, error) {
	for i, f := range c.Fields {
		if f.Name == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown field %q", mapping.ErrInvalidMapping, name)
}

func (c *Config) resolvePairs(pairs []FieldPair) ([]mapping.Pair, error) {
	out := make([]mapping.Pair, 0, len(pairs))
	for _, p := range pairs {
		idx, err := c.fieldIndex(p.Field)
		if err != nil {
			return nil, err
		}
		out = append(out, mapping.Pair{Network: p.Network, Field: idx})
	}
	return out, nil
}

// pairs prefers the flat index form over named pairs.
func (c *Config) pairs(named []FieldPair, flat []int) ([]mapping.Pair, error) {
	if len(flat) > 0 {
		return mapping.ParsePairs(flat)
	}
	return c.resolvePairs(named)
}

// Table resolves field names into the index-mapping table. With the TGF-beta
// loop disabled the feedback and activation pairs are dropped.
func (c *Config) Table() (mapping.Table, error) {
	n := c.Network
	sense, err := c.pairs(n.Sense, n.SenseIndices)
	if err != nil {
		return mapping.Table{}, fmt.Errorf("sense: %w", err)
	}
	chemotaxis, err := c.fieldIndex(n.ChemotaxisField)
	if err != nil {
		return mapping.Table{}, fmt.Errorf("chemotaxis: %w", err)
	}
	collagen, err := c.fieldIndex(n.CollagenField)
	if err != nil {
		return mapping.Table{}, fmt.Errorf("collagen: %w", err)
	}
	table := mapping.Table{
		StateDim:           n.StateDim,
		Sense:              sense,
		Constants:          append([]mapping.Constant(nil), n.Constants...),
		SpeedIndex:         n.SpeedIndex,
		MitosisIndex:       n.MitosisIndex,
		DepositionIndices:  append([]int(nil), n.DepositionIndices...),
		DegradationIndices: append([]int(nil), n.DegradationIndices...),
		ChemotaxisField:    chemotaxis,
		CollagenField:      collagen,
	}
	if c.Feedback.TGFBFeedback {
		if table.Feedback, err = c.pairs(n.Feedback, n.FeedbackIndices); err != nil {
			return mapping.Table{}, fmt.Errorf("feedback: %w", err)
		}
		if table.Activation, err = c.resolvePairs([]FieldPair{n.ActiveTGFB, n.LatentTGFB}); err != nil {
			return mapping.Table{}, fmt.Errorf("activation: %w", err)
		}
		table.ActivationIndices = append([]int(nil), n.ActivationIndices...)
	}
	return table, nil
}

func (c *Config) AgentBehavior() agent.Behavior {
	b := c.Behavior
	return agent.Behavior{
		SpeedMin:             b.Speed.Min,
		SpeedMax:             b.Speed.Max,
		DepositionMin:        b.Deposition.Min,
		DepositionMax:        b.Deposition.Max,
		DegradationMin:       b.Degradation.Min,
		DegradationMax:       b.Degradation.Max,
		MitosisMin:           b.Mitosis.Min,
		MitosisMax:           b.Mitosis.Max,
		ApoptosisProbability: b.ApoptosisProbability,
		ChemotaxisThreshold:  b.ChemotaxisThreshold,
		SaturationCeiling:    b.SaturationCeiling,
		SignalFloor:          b.SignalFloor,
		CollagenTimeConstant: b.CollagenTimeConstant,
	}
}

// SpaceConfig assembles the space configuration. initialState and series
// come from the run-start data files and may be nil.
func (c *Config) SpaceConfig(initialState, series []float64) (space.Config, error) {
	if err := c.Validate(); err != nil {
		return space.Config{}, err
	}
	table, err := c.Table()
	if err != nil {
		return space.Config{}, err
	}
	boundary, _ := lattice.ParseBoundaryMode(c.Grid.Boundary)
	kernel, _ := lattice.ParseKernel(c.Grid.Kernel)
	timeout, _ := c.SolverTimeout()

	fields := make([]space.FieldSpec, 0, len(c.Fields))
	for _, f := range c.Fields {
		spec := space.FieldSpec{
			Name:        f.Name,
			Default:     f.Default,
			Diffuse:     f.Diffuse,
			Evaporation: c.Diffusion.Evaporation,
			Coefficient: c.Diffusion.Coefficient,
		}
		if f.Gradient != nil {
			spec.Gradient = &space.Gradient{Axis: f.Gradient.Axis, Max: f.Gradient.Max}
		}
		fields = append(fields, spec)
	}

	cfg := space.Config{
		Width:                c.Grid.Width,
		Height:               c.Grid.Height,
		Boundary:             boundary,
		CellsPerGrid:         c.Grid.CellsPerGrid,
		Kernel:               kernel,
		Fields:               fields,
		Table:                table,
		Behavior:             c.AgentBehavior(),
		InheritState:         c.Mitosis.InheritState,
		FeedbackTimeConstant: c.Feedback.TimeConstant,
		InitialState:         initialState,
		Activation: space.ActivationSpec{
			Enabled:           c.Feedback.TGFBFeedback,
			LatentDegradation: c.Feedback.LatentDegradation,
			ActiveDegradation: c.Feedback.ActiveDegradation,
		},
		SolverTimeout: timeout,
	}
	if c.Weights.Enabled {
		for _, w := range c.Weights.Entries {
			idx, err := c.fieldIndex(w.Field)
			if err != nil {
				return space.Config{}, fmt.Errorf("weight %s: %w", w.Name, err)
			}
			cfg.Weights = append(cfg.Weights, space.WeightSpec{Name: w.Name, Field: idx, Saturation: w.Saturation})
		}
	}
	if len(series) > 0 {
		idx, err := c.fieldIndex(c.Signal.Field)
		if err != nil {
			return space.Config{}, fmt.Errorf("signal: %w", err)
		}
		cfg.Signal = &space.SignalSpec{Field: idx, Series: series}
	}
	for _, a := range c.Output.Aggregates {
		cfg.Aggregates = append(cfg.Aggregates, space.AggregateSpec{Name: a.Name, Indices: append([]int(nil), a.Indices...)})
	}
	for _, name := range c.Output.SnapshotFields {
		idx, err := c.fieldIndex(name)
		if err != nil {
			return space.Config{}, fmt.Errorf("snapshot: %w", err)
		}
		cfg.SnapshotFields = append(cfg.SnapshotFields, idx)
	}
	return cfg, nil
}
