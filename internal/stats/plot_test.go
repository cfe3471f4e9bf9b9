package stats

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"fibrosim/internal/model"
)

func TestPlotAggregatesWritesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), AggregatesPlotFile)
	summaries := []model.TickSummary{
		{Tick: 0, Aggregates: []model.Aggregate{{Name: "deposition", Value: 0}, {Name: "degradation", Value: 0.1}}},
		{Tick: 1, Aggregates: []model.Aggregate{{Name: "deposition", Value: 0.2}, {Name: "degradation", Value: 0.1}}},
		{Tick: 2, Aggregates: []model.Aggregate{{Name: "deposition", Value: 0.35}, {Name: "degradation", Value: 0.15}}},
	}
	if err := PlotAggregates(path, summaries); err != nil {
		t.Fatalf("plot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read plot: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatalf("expected png header, got %q", data[:min(8, len(data))])
	}
}

func TestPlotAggregatesFlatSeries(t *testing.T) {
	path := filepath.Join(t.TempDir(), AggregatesPlotFile)
	summaries := []model.TickSummary{
		{Tick: 0, Aggregates: []model.Aggregate{{Name: "ColI", Value: 0}}},
		{Tick: 1, Aggregates: []model.Aggregate{{Name: "ColI", Value: 0}}},
	}
	if err := PlotAggregates(path, summaries, "ColI"); err != nil {
		t.Fatalf("plot flat series: %v", err)
	}
}

func TestPlotAggregatesErrors(t *testing.T) {
	dir := t.TempDir()
	one := []model.TickSummary{{Tick: 0, Aggregates: []model.Aggregate{{Name: "a", Value: 1}}}}
	if err := PlotAggregates(filepath.Join(dir, "one.png"), one); !errors.Is(err, ErrTooFewPoints) {
		t.Fatalf("expected too few points, got %v", err)
	}

	two := append(one, model.TickSummary{Tick: 1, Aggregates: []model.Aggregate{{Name: "a", Value: 2}}})
	if err := PlotAggregates(filepath.Join(dir, "missing.png"), two, "b"); err == nil {
		t.Fatal("expected missing aggregate error")
	}
}
