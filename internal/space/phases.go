package space

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"fibrosim/internal/agent"
	"fibrosim/internal/lattice"
	"fibrosim/internal/mapping"
	"fibrosim/internal/model"
	"fibrosim/internal/schedule"
	"fibrosim/internal/solver"
)

// Phase priorities. Higher runs first within a tick.
const (
	PriorityRecycle      = 1000
	PrioritySeed         = 100
	PriorityInitialState = 90
	PriorityInitialize   = 80
	PrioritySignal       = 60
	PrioritySense        = 50
	PriorityBiochemistry = 40
	PriorityDiffusion    = 30
	PriorityMove         = 20
	PriorityLiveOrDie    = 15
	PriorityRemodel      = 10
	PriorityActivation   = 5
	PriorityOutput       = 0
)

// Observer receives the end-of-tick snapshot.
type Observer interface {
	Observe(ctx context.Context, snapshot model.TickSnapshot) error
}

type ObserverFunc func(ctx context.Context, snapshot model.TickSnapshot) error

func (f ObserverFunc) Observe(ctx context.Context, snapshot model.TickSnapshot) error {
	return f(ctx, snapshot)
}

// SeedAgents places n uninitialized agents on random cells with room.
func (sp *Space) SeedAgents(n int) error {
	if n < 0 {
		return fmt.Errorf("seed count must be >= 0, got %d", n)
	}
	sites := make([]lattice.Point, 0, len(sp.occupancy)*sp.cfg.CellsPerGrid)
	for y := 0; y < sp.cfg.Height; y++ {
		for x := 0; x < sp.cfg.Width; x++ {
			p := lattice.Point{X: x, Y: y}
			for k := sp.occupancy[sp.cell(p)]; k < sp.cfg.CellsPerGrid; k++ {
				sites = append(sites, p)
			}
		}
	}
	if n > len(sites) {
		return fmt.Errorf("seed %d agents: only %d free sites: %w", n, len(sites), ErrCellFull)
	}
	sp.rng.Shuffle(len(sites), func(i, j int) {
		sites[i], sites[j] = sites[j], sites[i]
	})
	for _, p := range sites[:n] {
		if _, _, err := sp.place(p); err != nil {
			return err
		}
	}
	return nil
}

// SetInitialState assigns the configured initial vector to every agent that
// has not been initialized yet. Without one, agents keep zeros.
func (sp *Space) SetInitialState() error {
	if len(sp.cfg.InitialState) == 0 {
		return nil
	}
	for _, h := range sp.Handles() {
		f := sp.slots[h].agent
		if f.Status() != agent.Uninitialized {
			continue
		}
		if err := f.SetNetworkState(sp.cfg.InitialState); err != nil {
			return fmt.Errorf("agent %d initial state: %w", h, err)
		}
	}
	return nil
}

func (sp *Space) InitializeAgents() error {
	for _, h := range sp.Handles() {
		f := sp.slots[h].agent
		if f.Status() != agent.Uninitialized {
			continue
		}
		if err := f.Initialize(); err != nil {
			return err
		}
	}
	return nil
}

// ApplySignal rescales the signal field from its baseline by the series value
// for tick.
func (sp *Space) ApplySignal(tick int) error {
	sig := sp.cfg.Signal
	if sig == nil {
		return nil
	}
	idx := tick
	if idx >= len(sig.Series) {
		idx = len(sig.Series) - 1
	}
	if idx < 0 {
		idx = 0
	}
	factor := sig.Series[idx]
	scaled := make([]float64, len(sp.baseline))
	for i, v := range sp.baseline {
		scaled[i] = v * factor
	}
	return sp.fields[sig.Field].Restore(scaled)
}

func (sp *Space) SenseAll() error {
	for _, h := range sp.Handles() {
		if err := sp.slots[h].agent.SenseEnvironment(); err != nil {
			return fmt.Errorf("agent %d sense: %w", h, err)
		}
	}
	return nil
}

func (sp *Space) weights(handles []agent.Handle) (solver.Weights, error) {
	if len(sp.cfg.Weights) == 0 {
		return nil, nil
	}
	w := make(solver.Weights, len(sp.cfg.Weights))
	for _, spec := range sp.cfg.Weights {
		f := sp.fields[spec.Field]
		series := make([]float64, len(handles))
		for i, h := range handles {
			p := sp.slots[h].pos
			v, err := f.Get(p.X, p.Y)
			if err != nil {
				return nil, err
			}
			series[i] = v / spec.Saturation
		}
		w[spec.Name] = series
	}
	return w, nil
}

// ProcessBiochemistry gathers every live agent's state into one batch, runs
// the solver once, scatters the results back by batch position and relaxes
// the feedback fields toward the new states. A solver failure skips the tick
// and leaves agents and fields untouched.
func (sp *Space) ProcessBiochemistry(ctx context.Context, tick int) error {
	handles := sp.Handles()
	if len(handles) == 0 {
		return nil
	}
	batch := make([][]float64, len(handles))
	for i, h := range handles {
		batch[i] = sp.slots[h].agent.NetworkState()
	}
	weights, err := sp.weights(handles)
	if err != nil {
		return err
	}

	callCtx := ctx
	if sp.cfg.SolverTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, sp.cfg.SolverTimeout)
		defer cancel()
	}
	out, err := sp.solver.StepBatch(callCtx, batch, weights)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sp.counts.skipped = true
		sp.skippedTotal++
		sp.log.Warn("solver step failed; biochemistry skipped",
			zap.Int("tick", tick),
			zap.Int("batch_size", len(batch)),
			zap.String("solver", sp.solver.Name()),
			zap.Error(err))
		return nil
	}

	if len(out) != len(batch) {
		return fmt.Errorf("tick %d: %w: sent %d states got %d", tick, ErrBatchShape, len(batch), len(out))
	}
	for i, state := range out {
		if len(state) != sp.table.StateDim {
			return fmt.Errorf("tick %d: %w: state %d has %d entries want %d", tick, ErrBatchShape, i, len(state), sp.table.StateDim)
		}
		for j, v := range state {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("tick %d: state %d index %d: %w", tick, i, j, lattice.ErrNonFinite)
			}
		}
	}

	for i, h := range handles {
		if err := sp.slots[h].agent.SetNetworkState(out[i]); err != nil {
			return err
		}
	}
	for _, pair := range sp.table.Feedback {
		f := sp.fields[pair.Field]
		for i, h := range handles {
			p := sp.slots[h].pos
			current, err := f.Get(p.X, p.Y)
			if err != nil {
				return err
			}
			delta := (out[i][pair.Network] - current) / sp.cfg.FeedbackTimeConstant
			if err := f.Add(delta, p.X, p.Y); err != nil {
				return err
			}
		}
	}
	return nil
}

func (sp *Space) DiffuseAll() error {
	for _, d := range sp.diffusers {
		if err := d.Diffuse(); err != nil {
			return err
		}
	}
	return nil
}

func (sp *Space) MoveAll() error {
	for _, h := range sp.Handles() {
		s := &sp.slots[h]
		if !s.live {
			continue
		}
		moved, err := s.agent.Move()
		if err != nil {
			return err
		}
		if moved {
			sp.counts.moves++
		}
	}
	return nil
}

// LiveOrDieAll draws fate for the agents alive at phase start. Daughters born
// here act from the next phase on.
func (sp *Space) LiveOrDieAll() error {
	for _, h := range sp.Handles() {
		s := &sp.slots[h]
		if !s.live {
			continue
		}
		if _, err := s.agent.LiveOrDie(); err != nil {
			return err
		}
	}
	return nil
}

func (sp *Space) RemodelAll() error {
	for _, h := range sp.Handles() {
		if err := sp.slots[h].agent.UpdateLocalField(); err != nil {
			return fmt.Errorf("agent %d remodel: %w", h, err)
		}
	}
	return nil
}

// ActivateLatent converts latent to active TGF-beta at each agent's cell at a
// rate set by the mean of the activation state entries, then decays both.
func (sp *Space) ActivateLatent() error {
	if !sp.cfg.Activation.Enabled {
		return nil
	}
	active := sp.fields[sp.table.Activation[0].Field]
	latent := sp.fields[sp.table.Activation[1].Field]
	for _, h := range sp.Handles() {
		s := sp.slots[h]
		rate := mapping.Mean(s.agent.NetworkState(), sp.table.ActivationIndices)
		a, err := active.Get(s.pos.X, s.pos.Y)
		if err != nil {
			return err
		}
		l, err := latent.Get(s.pos.X, s.pos.Y)
		if err != nil {
			return err
		}
		a += rate * l
		l -= rate*l + sp.cfg.Activation.LatentDegradation*l
		a *= 1 - sp.cfg.Activation.ActiveDegradation
		if err := active.Set(a, s.pos.X, s.pos.Y); err != nil {
			return err
		}
		if err := latent.Set(l, s.pos.X, s.pos.Y); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot reduces the current tick for output.
func (sp *Space) Snapshot() model.TickSnapshot {
	handles := sp.Handles()
	summary := model.TickSummary{
		Tick:          sp.tick,
		Agents:        len(handles),
		Births:        sp.counts.births,
		Deaths:        sp.counts.deaths,
		Moves:         sp.counts.moves,
		SolverSkipped: sp.counts.skipped,
	}
	states := make([][]float64, len(handles))
	for i, h := range handles {
		states[i] = sp.slots[h].agent.NetworkState()
	}
	for _, a := range sp.cfg.Aggregates {
		value := 0.0
		if len(states) > 0 {
			per := make([]float64, len(states))
			for i, state := range states {
				per[i] = mapping.Mean(state, a.Indices)
			}
			value = stat.Mean(per, nil)
		}
		summary.Aggregates = append(summary.Aggregates, model.Aggregate{Name: a.Name, Value: value})
	}
	for _, f := range sp.fields {
		summary.FieldTotals = append(summary.FieldTotals, model.Aggregate{Name: f.Name(), Value: f.Sum()})
	}

	indices := sp.cfg.SnapshotFields
	if len(indices) == 0 {
		indices = make([]int, len(sp.fields))
		for i := range indices {
			indices[i] = i
		}
	}
	fields := make([]model.FieldSnapshot, 0, len(indices))
	for _, idx := range indices {
		f := sp.fields[idx]
		fields = append(fields, model.FieldSnapshot{
			Name:   f.Name(),
			Width:  f.Width(),
			Height: f.Height(),
			Values: f.Values(),
		})
	}
	return model.TickSnapshot{Summary: summary, Fields: fields}
}

// AgentRecords lists live agents in handle order.
func (sp *Space) AgentRecords() []model.AgentRecord {
	handles := sp.Handles()
	out := make([]model.AgentRecord, 0, len(handles))
	for _, h := range handles {
		s := sp.slots[h]
		out = append(out, model.AgentRecord{
			Handle: int(h),
			X:      s.pos.X,
			Y:      s.pos.Y,
			State:  s.agent.NetworkState(),
		})
	}
	return out
}

// SkippedSolves counts ticks whose biochemistry was skipped.
func (sp *Space) SkippedSolves() int {
	return sp.skippedTotal
}

// RegisterPhases wires the tick pipeline into sched: setup at tick 0, the
// per-tick phases from tick 1, and output every tick.
func (sp *Space) RegisterPhases(sched *schedule.Scheduler, initialAgents int, observers ...Observer) error {
	step := func(fn func() error) schedule.Action {
		return func(context.Context, int) error { return fn() }
	}
	entries := []schedule.Entry{
		{Name: "recycle", Interval: 1, Priority: PriorityRecycle, Action: func(_ context.Context, tick int) error {
			sp.recycle(tick)
			return nil
		}},
		{Name: "seed", Priority: PrioritySeed, Action: step(func() error { return sp.SeedAgents(initialAgents) })},
		{Name: "initial-state", Priority: PriorityInitialState, Action: step(sp.SetInitialState)},
		{Name: "initialize", Priority: PriorityInitialize, Action: step(sp.InitializeAgents)},
		{Name: "signal", Start: 1, Interval: 1, Priority: PrioritySignal, Action: func(_ context.Context, tick int) error {
			return sp.ApplySignal(tick)
		}},
		{Name: "sense", Start: 1, Interval: 1, Priority: PrioritySense, Action: step(sp.SenseAll)},
		{Name: "biochemistry", Start: 1, Interval: 1, Priority: PriorityBiochemistry, Action: sp.ProcessBiochemistry},
		{Name: "diffusion", Start: 1, Interval: 1, Priority: PriorityDiffusion, Action: step(sp.DiffuseAll)},
		{Name: "move", Start: 1, Interval: 1, Priority: PriorityMove, Action: step(sp.MoveAll)},
		{Name: "live-or-die", Start: 1, Interval: 1, Priority: PriorityLiveOrDie, Action: step(sp.LiveOrDieAll)},
		{Name: "remodel", Start: 1, Interval: 1, Priority: PriorityRemodel, Action: step(sp.RemodelAll)},
		{Name: "activation", Start: 1, Interval: 1, Priority: PriorityActivation, Action: step(sp.ActivateLatent)},
		{Name: "output", Interval: 1, Priority: PriorityOutput, Action: func(ctx context.Context, _ int) error {
			snapshot := sp.Snapshot()
			var errs []error
			for _, o := range observers {
				if err := o.Observe(ctx, snapshot); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		}},
	}
	for _, e := range entries {
		if err := sched.Register(e); err != nil {
			return err
		}
	}
	return nil
}
