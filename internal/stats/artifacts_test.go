package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"fibrosim/internal/model"
)

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runID := "run-123"
	artifacts := RunArtifacts{
		Config: RunConfig{
			RunID:         runID,
			Solver:        "identity",
			Seed:          1,
			Ticks:         3,
			Width:         10,
			Height:        10,
			InitialAgents: 5,
			Config:        json.RawMessage(`{"run":{"ticks":3}}`),
		},
		Summaries:   []model.TickSummary{{Tick: 0, Agents: 5}, {Tick: 1, Agents: 6, Births: 1}},
		FinalAgents: []model.AgentRecord{{Handle: 0, X: 1, Y: 2, State: []float64{0.5}}},
	}

	runDir, err := WriteRunArtifacts(baseDir, artifacts)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, AggregatesFile), []byte("tick\n0\n"), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range []string{configFile, summariesFile, finalAgentsFile, AggregatesFile} {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	cfg, ok, err := ReadRunConfig(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read config ok=%v err=%v", ok, err)
	}
	if cfg.Solver != "identity" || cfg.InitialAgents != 5 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	summaries, ok, err := ReadSummaries(outDir, runID)
	if err != nil || !ok {
		t.Fatalf("read exported summaries ok=%v err=%v", ok, err)
	}
	if len(summaries) != 2 || summaries[1].Births != 1 {
		t.Fatalf("unexpected summaries: %+v", summaries)
	}
	agents, ok, err := ReadFinalAgents(baseDir, runID)
	if err != nil || !ok || len(agents) != 1 || agents[0].Y != 2 {
		t.Fatalf("unexpected agents ok=%v err=%v %+v", ok, err, agents)
	}
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	if _, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{}); err == nil {
		t.Fatal("expected run id error")
	}
}

func TestExportRunArtifactsMissingRun(t *testing.T) {
	if _, err := ExportRunArtifacts(t.TempDir(), "missing", t.TempDir()); err == nil {
		t.Fatal("expected missing run error")
	}
}

func TestReadMissingArtifacts(t *testing.T) {
	if _, ok, err := ReadSummaries(t.TempDir(), "none"); ok || err != nil {
		t.Fatalf("expected not found, ok=%v err=%v", ok, err)
	}
}

func TestRunIndexOrdersNewestFirst(t *testing.T) {
	baseDir := t.TempDir()

	entries := []RunIndexEntry{
		{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z"},
		{RunID: "b", CreatedAtUTC: "2026-01-03T00:00:00Z"},
		{RunID: "c", CreatedAtUTC: "2026-01-02T00:00:00Z"},
		{RunID: "d", CreatedAtUTC: "2026-01-02T00:00:00Z"},
	}
	for _, e := range entries {
		if err := AppendRunIndex(baseDir, e); err != nil {
			t.Fatalf("append %s: %v", e.RunID, err)
		}
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "a", FinalAgents: 9, CreatedAtUTC: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("replace a: %v", err)
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	want := []string{"b", "d", "c", "a"}
	if len(index) != len(want) {
		t.Fatalf("unexpected index length: %d", len(index))
	}
	for i, id := range want {
		if index[i].RunID != id {
			t.Fatalf("index[%d]=%s want %s", i, index[i].RunID, id)
		}
	}
	if index[3].FinalAgents != 9 {
		t.Fatalf("expected replaced entry, got %+v", index[3])
	}

	if err := AppendRunIndex(baseDir, RunIndexEntry{}); err == nil {
		t.Fatal("expected run id error")
	}
}

func TestListRunIndexEmpty(t *testing.T) {
	index, err := ListRunIndex(t.TempDir())
	if err != nil {
		t.Fatalf("list empty index: %v", err)
	}
	if len(index) != 0 {
		t.Fatalf("expected empty index, got %+v", index)
	}
}
