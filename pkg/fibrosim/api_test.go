package fibrosim

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"fibrosim/internal/config"
	"fibrosim/internal/model"
	"fibrosim/internal/space"
	"fibrosim/internal/stats"
)

// quietConfig is the default model on the identity solver with division
// and death switched off so agent counts are fixed.
func quietConfig(ticks, agents int) *config.Config {
	cfg := config.Default()
	cfg.Solver.Kind = "identity"
	cfg.Run.Ticks = ticks
	cfg.Run.InitialAgents = agents
	cfg.Behavior.Mitosis = config.RateRange{}
	cfg.Behavior.ApoptosisProbability = 0
	return cfg
}

func newTestClient(t *testing.T, logger *zap.Logger) (*Client, string) {
	t.Helper()
	runsDir := filepath.Join(t.TempDir(), "runs")
	client, err := New(Options{
		RunsDir:    runsDir,
		ExportsDir: filepath.Join(t.TempDir(), "exports"),
		Logger:     logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, runsDir
}

func TestRunPersistsRecordsAndArtifacts(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	client, runsDir := newTestClient(t, zap.New(core))
	ctx := context.Background()

	var (
		mu    sync.Mutex
		ticks []int
	)
	watch := space.ObserverFunc(func(_ context.Context, snap model.TickSnapshot) error {
		mu.Lock()
		defer mu.Unlock()
		ticks = append(ticks, snap.Summary.Tick)
		return nil
	})

	summary, err := client.Run(ctx, RunRequest{Config: quietConfig(3, 4), Observers: []space.Observer{watch}})
	require.NoError(t, err)
	require.NotEmpty(t, summary.RunID)
	require.Equal(t, 4, summary.FinalAgents)
	require.Equal(t, 3, summary.Final.Tick)
	require.Equal(t, 0, summary.SkippedSolves)
	require.Equal(t, []int{0, 1, 2, 3}, ticks)

	for _, file := range []string{"config.json", "summaries.json", "final_agents.json", stats.AggregatesFile, "collagen.csv", "TGFB.csv", "LatentTGFB.csv", stats.AggregatesPlotFile} {
		_, err := os.Stat(filepath.Join(runsDir, summary.RunID, file))
		require.NoError(t, err, file)
	}

	summaries, err := client.Summaries(ctx, SummariesRequest{Latest: true})
	require.NoError(t, err)
	require.Len(t, summaries, 4)
	require.Equal(t, 4, summaries[0].Agents)

	agents, err := client.FinalAgents(ctx, SummariesRequest{RunID: summary.RunID})
	require.NoError(t, err)
	require.Len(t, agents, 4)
	require.Equal(t, 0.25, agents[0].State[0])

	runs, err := client.Runs(ctx, RunsRequest{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "identity", runs[0].Solver)

	require.Equal(t, 1, logs.FilterMessage("run started").Len())
	finished := logs.FilterMessage("run finished").All()
	require.Len(t, finished, 1)
	require.Equal(t, summary.RunID, finished[0].ContextMap()["run_id"])
}

func TestRunLoadsInitialStateAndSignal(t *testing.T) {
	client, _ := newTestClient(t, nil)
	dir := t.TempDir()

	cfg := quietConfig(2, 3)
	values := make([]string, cfg.Network.StateDim)
	for i := range values {
		values[i] = "0.1"
	}
	cfg.Run.InitialStatePath = filepath.Join(dir, "initial.csv")
	require.NoError(t, os.WriteFile(cfg.Run.InitialStatePath, []byte(strings.Join(values, ",")+"\n"), 0o644))
	cfg.Signal.Field = "TGFB"
	cfg.Signal.Path = filepath.Join(dir, "signal.csv")
	require.NoError(t, os.WriteFile(cfg.Signal.Path, []byte("relative\n1\n0.5\n"), 0o644))

	summary, err := client.Run(context.Background(), RunRequest{Config: cfg})
	require.NoError(t, err)

	agents, err := client.FinalAgents(context.Background(), SummariesRequest{RunID: summary.RunID})
	require.NoError(t, err)
	require.Len(t, agents, 3)
	require.Equal(t, 0.1, agents[0].State[50])
	require.Equal(t, 0.25, agents[0].State[0])
}

func TestRunRejectsBadInputs(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	cfg := quietConfig(1, 1)
	cfg.Solver.Kind = "missing"
	_, err := client.Run(ctx, RunRequest{Config: cfg})
	require.Error(t, err)

	cfg = quietConfig(1, 1)
	cfg.Run.InitialStatePath = filepath.Join(t.TempDir(), "absent.csv")
	_, err = client.Run(ctx, RunRequest{Config: cfg})
	require.Error(t, err)

	cfg = quietConfig(-1, 1)
	_, err = client.Run(ctx, RunRequest{Config: cfg})
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestSummariesFallBackToArtifacts(t *testing.T) {
	runsDir := filepath.Join(t.TempDir(), "runs")
	first, err := New(Options{RunsDir: runsDir})
	require.NoError(t, err)
	summary, err := first.Run(context.Background(), RunRequest{Config: quietConfig(1, 2)})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// A fresh memory store knows nothing about the earlier run.
	second, err := New(Options{RunsDir: runsDir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	summaries, err := second.Summaries(context.Background(), SummariesRequest{RunID: summary.RunID})
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	agents, err := second.FinalAgents(context.Background(), SummariesRequest{Latest: true})
	require.NoError(t, err)
	require.Len(t, agents, 2)

	_, err = second.Summaries(context.Background(), SummariesRequest{RunID: "unknown"})
	require.Error(t, err)
}

func TestRunsListStoreRunsWithoutIndex(t *testing.T) {
	client, runsDir := newTestClient(t, nil)
	ctx := context.Background()

	summary, err := client.Run(ctx, RunRequest{Config: quietConfig(1, 2)})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(runsDir, "run_index.json")))

	runs, err := client.Runs(ctx, RunsRequest{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, summary.RunID, runs[0].RunID)
	require.Equal(t, 2, runs[0].FinalAgents)
	require.True(t, strings.HasSuffix(runs[0].CreatedAtUTC, "Z"), runs[0].CreatedAtUTC)

	latest, err := client.Summaries(ctx, SummariesRequest{Latest: true})
	require.NoError(t, err)
	require.Len(t, latest, 2)
}

func TestRunsMergeStoreAndIndex(t *testing.T) {
	runsDir := filepath.Join(t.TempDir(), "runs")
	first, err := New(Options{RunsDir: runsDir})
	require.NoError(t, err)
	older, err := first.Run(context.Background(), RunRequest{Config: quietConfig(1, 2)})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := New(Options{RunsDir: runsDir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	newer, err := second.Run(context.Background(), RunRequest{Config: quietConfig(1, 3)})
	require.NoError(t, err)

	runs, err := second.Runs(context.Background(), RunsRequest{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, newer.RunID, runs[0].RunID)
	require.Equal(t, older.RunID, runs[1].RunID)

	limited, err := second.Runs(context.Background(), RunsRequest{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, newer.RunID, limited[0].RunID)
}

func TestExport(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	_, err := client.Export(ctx, ExportRequest{Latest: true})
	require.Error(t, err)

	summary, err := client.Run(ctx, RunRequest{Config: quietConfig(1, 1)})
	require.NoError(t, err)

	_, err = client.Export(ctx, ExportRequest{RunID: summary.RunID, Latest: true})
	require.Error(t, err)

	exported, err := client.Export(ctx, ExportRequest{Latest: true, OutDir: filepath.Join(t.TempDir(), "out")})
	require.NoError(t, err)
	require.Equal(t, summary.RunID, exported.RunID)
	_, err = os.Stat(filepath.Join(exported.Directory, stats.AggregatesFile))
	require.NoError(t, err)
}
