//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fibrosim/internal/model"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "fibrosim.db")

	store, err := NewStore("sqlite", dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = Release(store)
	})

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveRun(ctx, testRun("a", base)); err != nil {
		t.Fatalf("save run a: %v", err)
	}
	if err := store.SaveRun(ctx, testRun("b", base.Add(time.Minute))); err != nil {
		t.Fatalf("save run b: %v", err)
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "b" {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	summaries := []model.TickSummary{{Tick: 0, Agents: 5}, {Tick: 1, Agents: 6, Births: 1}}
	if err := store.SaveTickSummaries(ctx, "a", summaries); err != nil {
		t.Fatalf("save summaries: %v", err)
	}
	loaded, ok, err := store.GetTickSummaries(ctx, "a")
	if err != nil || !ok || len(loaded) != 2 || loaded[1].Births != 1 {
		t.Fatalf("unexpected summaries ok=%v err=%v %+v", ok, err, loaded)
	}

	agents := []model.AgentRecord{{VersionedRecord: CurrentVersion(), Handle: 3, X: 2, Y: 4, State: []float64{0.5}}}
	if err := store.SaveFinalAgents(ctx, "a", agents); err != nil {
		t.Fatalf("save agents: %v", err)
	}
	loadedAgents, ok, err := store.GetFinalAgents(ctx, "a")
	if err != nil || !ok || len(loadedAgents) != 1 || loadedAgents[0].Y != 4 {
		t.Fatalf("unexpected agents ok=%v err=%v %+v", ok, err, loadedAgents)
	}

	if _, ok, err := store.GetTickSummaries(ctx, "missing"); ok || err != nil {
		t.Fatalf("expected missing summaries, ok=%v err=%v", ok, err)
	}
}
