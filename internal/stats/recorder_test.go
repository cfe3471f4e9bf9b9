package stats

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"fibrosim/internal/model"
)

func snapshotAt(tick int, collagen float64) model.TickSnapshot {
	return model.TickSnapshot{
		Summary: model.TickSummary{
			Tick:        tick,
			Agents:      2,
			Births:      tick,
			Aggregates:  []model.Aggregate{{Name: "deposition", Value: 0.5 * float64(tick)}},
			FieldTotals: []model.Aggregate{{Name: "collagen", Value: 4 * collagen}},
		},
		Fields: []model.FieldSnapshot{{
			Name:   "collagen",
			Width:  2,
			Height: 2,
			Values: []float64{collagen, collagen, collagen, collagen + 1},
		}},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCSVRecorderWritesRowsPerTick(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	rec, err := NewCSVRecorder(dir, 1)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rec.Observe(ctx, snapshotAt(0, 3)))
	require.NoError(t, rec.Observe(ctx, snapshotAt(1, 2.5)))
	require.NoError(t, rec.Close())

	rows := readCSV(t, filepath.Join(dir, AggregatesFile))
	require.Equal(t, []string{"tick", "agents", "births", "deaths", "moves", "solver_skipped", "deposition", "collagen_total"}, rows[0])
	require.Len(t, rows, 3)
	require.Equal(t, []string{"1", "2", "1", "0", "0", "false", "0.5", "10"}, rows[2])

	field := readCSV(t, filepath.Join(dir, "collagen.csv"))
	require.Equal(t, []string{"tick", "x0_y0", "x1_y0", "x0_y1", "x1_y1"}, field[0])
	require.Equal(t, []string{"0", "3", "3", "3", "4"}, field[1])
	require.Equal(t, []string{"1", "2.5", "2.5", "2.5", "3.5"}, field[2])

	require.Len(t, rec.Summaries(), 2)
}

func TestCSVRecorderHonorsInterval(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewCSVRecorder(dir, 2)
	require.NoError(t, err)

	for tick := 0; tick < 5; tick++ {
		require.NoError(t, rec.Observe(context.Background(), snapshotAt(tick, 1)))
	}
	require.NoError(t, rec.Close())

	rows := readCSV(t, filepath.Join(dir, AggregatesFile))
	require.Len(t, rows, 4) // header + ticks 0, 2, 4
	require.Equal(t, "4", rows[3][0])
	require.Len(t, rec.Summaries(), 5)
}

func TestCSVRecorderRejectsResizedField(t *testing.T) {
	rec, err := NewCSVRecorder(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	require.NoError(t, rec.Observe(context.Background(), snapshotAt(0, 1)))
	bad := snapshotAt(1, 1)
	bad.Fields[0].Values = bad.Fields[0].Values[:3]
	require.Error(t, rec.Observe(context.Background(), bad))
}

func TestCSVRecorderClosed(t *testing.T) {
	rec, err := NewCSVRecorder(t.TempDir(), 1)
	require.NoError(t, err)
	require.NoError(t, rec.Close())
	require.NoError(t, rec.Close())
	require.Error(t, rec.Observe(context.Background(), snapshotAt(0, 1)))
}

func TestSummariesAreCopies(t *testing.T) {
	rec, err := NewCSVRecorder(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	require.NoError(t, rec.Observe(context.Background(), snapshotAt(1, 1)))
	got := rec.Summaries()
	got[0].Aggregates[0].Value = 42
	require.Equal(t, 0.5, rec.Summaries()[0].Aggregates[0].Value)
}
