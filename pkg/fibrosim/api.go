package fibrosim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fibrosim/internal/config"
	"fibrosim/internal/dataset"
	"fibrosim/internal/logging"
	"fibrosim/internal/model"
	"fibrosim/internal/schedule"
	"fibrosim/internal/solver"
	"fibrosim/internal/space"
	"fibrosim/internal/stats"
	"fibrosim/internal/storage"
)

const (
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"
	defaultDBPath     = "fibrosim.db"
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     *zap.Logger
}

// Client runs simulations and reads back their persisted output. Run
// records live in the store; CSV, JSON and plot artifacts live under
// RunsDir/<run id>.
type Client struct {
	store  storage.Store
	logger *zap.Logger

	runsDir    string
	exportsDir string

	initMu      sync.Mutex
	initialized bool
}

type RunRequest struct {
	// Config defaults to config.Default() when nil.
	Config *config.Config
	// Observers receive every end-of-tick snapshot after the CSV recorder.
	Observers []space.Observer
}

type RunSummary struct {
	RunID         string
	ArtifactsDir  string
	Ticks         int
	InitialAgents int
	FinalAgents   int
	SkippedSolves int
	Final         model.TickSummary
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID         string
	CreatedAtUTC  string
	Solver        string
	Seed          int64
	Ticks         int
	InitialAgents int
	FinalAgents   int
	SkippedSolves int
}

type SummariesRequest struct {
	RunID  string
	Latest bool
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		logger:     logging.OrNop(opts.Logger),
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.Release(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Run executes one simulation from tick 0 through cfg.Run.Ticks inclusive,
// then persists the run record, per-tick summaries and final agent states.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}
	cfg := req.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}

	var initialState []float64
	if cfg.Run.InitialStatePath != "" {
		loaded, err := dataset.LoadVector(cfg.Run.InitialStatePath, cfg.Network.StateDim)
		if err != nil {
			return RunSummary{}, fmt.Errorf("initial state: %w", err)
		}
		initialState = loaded
	}
	var series []float64
	if cfg.Signal.Path != "" {
		loaded, err := dataset.LoadSeries(cfg.Signal.Path)
		if err != nil {
			return RunSummary{}, fmt.Errorf("signal series: %w", err)
		}
		series = loaded
	}
	spaceCfg, err := cfg.SpaceConfig(initialState, series)
	if err != nil {
		return RunSummary{}, err
	}

	s, err := solver.New(cfg.Solver.Kind, solver.Options{
		StateDim:    cfg.Network.StateDim,
		NetworkPath: cfg.Solver.NetworkPath,
		DT:          cfg.Solver.DT,
		Substeps:    cfg.Solver.Substeps,
		Workers:     cfg.Solver.Workers,
	})
	if err != nil {
		return RunSummary{}, err
	}
	if err := solver.Connect(ctx, s); err != nil {
		return RunSummary{}, fmt.Errorf("connect solver %s: %w", s.Name(), err)
	}
	defer func() {
		if err := solver.CloseIfSupported(s); err != nil {
			c.logger.Warn("close solver", zap.String("solver", s.Name()), zap.Error(err))
		}
	}()

	runID := uuid.NewString()
	runDir := filepath.Join(c.runsDir, runID)
	logger := c.logger.With(zap.String("run_id", runID))

	sp, err := space.New(spaceCfg, s, rand.New(rand.NewSource(cfg.Run.Seed)), logger)
	if err != nil {
		return RunSummary{}, err
	}
	recorder, err := stats.NewCSVRecorder(runDir, cfg.Output.Interval)
	if err != nil {
		return RunSummary{}, err
	}
	defer recorder.Close()

	sched := schedule.New()
	observers := append([]space.Observer{recorder}, req.Observers...)
	if err := sp.RegisterPhases(sched, cfg.Run.InitialAgents, observers...); err != nil {
		return RunSummary{}, err
	}

	logger.Info("run started",
		zap.Int("ticks", cfg.Run.Ticks),
		zap.Int("initial_agents", cfg.Run.InitialAgents),
		zap.String("solver", s.Name()),
		zap.Int64("seed", cfg.Run.Seed),
	)
	started := time.Now()
	if err := sched.RunUntil(ctx, cfg.Run.Ticks); err != nil {
		return RunSummary{}, fmt.Errorf("run %s: %w", runID, err)
	}
	if err := recorder.Close(); err != nil {
		return RunSummary{}, err
	}

	summaries := recorder.Summaries()
	agents := sp.AgentRecords()
	for i := range agents {
		agents[i].VersionedRecord = storage.CurrentVersion()
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return RunSummary{}, err
	}

	now := time.Now().UTC()
	run := model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              runID,
		CreatedAt:       now,
		Seed:            cfg.Run.Seed,
		Ticks:           cfg.Run.Ticks,
		Width:           cfg.Grid.Width,
		Height:          cfg.Grid.Height,
		Solver:          s.Name(),
		InitialAgents:   cfg.Run.InitialAgents,
		FinalAgents:     len(agents),
		SkippedSolves:   sp.SkippedSolves(),
		Config:          configJSON,
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return RunSummary{}, err
	}
	if err := c.store.SaveTickSummaries(ctx, runID, summaries); err != nil {
		return RunSummary{}, err
	}
	if err := c.store.SaveFinalAgents(ctx, runID, agents); err != nil {
		return RunSummary{}, err
	}

	if _, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:         runID,
			Solver:        run.Solver,
			Seed:          run.Seed,
			Ticks:         run.Ticks,
			Width:         run.Width,
			Height:        run.Height,
			InitialAgents: run.InitialAgents,
			Config:        configJSON,
		},
		Summaries:   summaries,
		FinalAgents: agents,
	}); err != nil {
		return RunSummary{}, err
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:         runID,
		Solver:        run.Solver,
		Seed:          run.Seed,
		Ticks:         run.Ticks,
		InitialAgents: run.InitialAgents,
		FinalAgents:   run.FinalAgents,
		SkippedSolves: run.SkippedSolves,
		CreatedAtUTC:  now.Format(time.RFC3339Nano),
	}); err != nil {
		return RunSummary{}, err
	}
	if cfg.Output.Plot && len(cfg.Output.Aggregates) > 0 {
		if err := stats.PlotAggregates(filepath.Join(runDir, stats.AggregatesPlotFile), summaries); err != nil {
			logger.Warn("plot aggregates", zap.Error(err))
		}
	}

	logger.Info("run finished",
		zap.Int("final_agents", run.FinalAgents),
		zap.Int("skipped_solves", run.SkippedSolves),
		zap.Duration("elapsed", time.Since(started)),
	)

	summary := RunSummary{
		RunID:         runID,
		ArtifactsDir:  filepath.Clean(runDir),
		Ticks:         run.Ticks,
		InitialAgents: run.InitialAgents,
		FinalAgents:   run.FinalAgents,
		SkippedSolves: run.SkippedSolves,
	}
	if len(summaries) > 0 {
		summary.Final = summaries[len(summaries)-1]
	}
	return summary, nil
}

// Runs lists runs newest first. Runs held by the store are merged with the
// artifacts index so runs recorded by earlier processes still show up.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	records, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}

	type listed struct {
		item    RunItem
		created time.Time
	}
	all := make([]listed, 0, len(records)+len(entries))
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		seen[r.ID] = true
		created := r.CreatedAt.UTC()
		all = append(all, listed{created: created, item: RunItem{
			RunID:         r.ID,
			CreatedAtUTC:  created.Format(time.RFC3339Nano),
			Solver:        r.Solver,
			Seed:          r.Seed,
			Ticks:         r.Ticks,
			InitialAgents: r.InitialAgents,
			FinalAgents:   r.FinalAgents,
			SkippedSolves: r.SkippedSolves,
		}})
	}
	for _, e := range entries {
		if seen[e.RunID] {
			continue
		}
		// Unparseable timestamps sort last.
		created, _ := time.Parse(time.RFC3339Nano, e.CreatedAtUTC)
		all = append(all, listed{created: created, item: RunItem{
			RunID:         e.RunID,
			CreatedAtUTC:  e.CreatedAtUTC,
			Solver:        e.Solver,
			Seed:          e.Seed,
			Ticks:         e.Ticks,
			InitialAgents: e.InitialAgents,
			FinalAgents:   e.FinalAgents,
			SkippedSolves: e.SkippedSolves,
		}})
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].created.After(all[j].created)
	})
	if len(all) > req.Limit {
		all = all[:req.Limit]
	}

	out := make([]RunItem, len(all))
	for i, l := range all {
		out[i] = l.item
	}
	return out, nil
}

// Summaries returns the per-tick summaries of a run, preferring the store
// and falling back to the run's artifacts directory.
func (c *Client) Summaries(ctx context.Context, req SummariesRequest) ([]model.TickSummary, error) {
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	if _, ok, err := c.store.GetRun(ctx, runID); err != nil {
		return nil, err
	} else if ok {
		summaries, found, err := c.store.GetTickSummaries(ctx, runID)
		if err != nil {
			return nil, err
		}
		if found {
			return summaries, nil
		}
	}

	summaries, ok, err := stats.ReadSummaries(c.runsDir, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return summaries, nil
}

// FinalAgents returns the agent states at the end of a run.
func (c *Client) FinalAgents(ctx context.Context, req SummariesRequest) ([]model.AgentRecord, error) {
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	agents, ok, err := c.store.GetFinalAgents(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		return agents, nil
	}
	agents, ok, err = stats.ReadFinalAgents(c.runsDir, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	return agents, nil
}

func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) resolveRunID(ctx context.Context, runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID == "" && !latest {
		return "", errors.New("run id or latest is required")
	}
	if runID != "" {
		return runID, nil
	}

	runs, err := c.Runs(ctx, RunsRequest{Limit: 1})
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", errors.New("no runs available")
	}
	return runs[0].RunID, nil
}
