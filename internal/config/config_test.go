package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fibrosim/internal/lattice"
	"fibrosim/internal/mapping"
	"fibrosim/internal/solver"
)

func TestDefaultIsValidAndMatchesReferenceScenario(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	table, err := cfg.Table()
	require.NoError(t, err)
	require.Equal(t, 91, table.StateDim)
	require.Equal(t, []mapping.Pair{{Network: 19, Field: 0}, {Network: 38, Field: 2}, {Network: 41, Field: 3}, {Network: 43, Field: 4}}, table.Sense)
	require.Equal(t, []mapping.Pair{{Network: 23, Field: 1}}, table.Feedback)
	require.Equal(t, []mapping.Pair{{Network: 19, Field: 0}, {Network: 23, Field: 1}}, table.Activation)
	require.Equal(t, 4, table.ChemotaxisField)
	require.Equal(t, 5, table.CollagenField)
	require.Len(t, table.Constants, 7)

	timeout, err := cfg.SolverTimeout()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, timeout)
}

func TestFlatIndicesReplaceNamedPairs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flat.yaml")
	doc := "network:\n  sense_indices: [19, 0, 43, 4]\n  feedback_indices: [23, 1]\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	table, err := cfg.Table()
	require.NoError(t, err)
	require.Equal(t, []mapping.Pair{{Network: 19, Field: 0}, {Network: 43, Field: 4}}, table.Sense)
	require.Equal(t, []mapping.Pair{{Network: 23, Field: 1}}, table.Feedback)

	cfg.Network.SenseIndices = []int{19, 0, 43}
	require.ErrorIs(t, cfg.Validate(), mapping.ErrInvalidMapping)

	cfg.Network.SenseIndices = []int{19, 6}
	require.ErrorIs(t, cfg.Validate(), mapping.ErrInvalidMapping)
}

func TestDefaultWeightsDriveDefaultNetwork(t *testing.T) {
	keys := map[string]bool{}
	for _, r := range solver.DefaultFibroblastNetwork().Reactions {
		if r.WeightKey != "" {
			keys[r.WeightKey] = true
		}
	}
	for _, w := range Default().Weights.Entries {
		require.True(t, keys[w.Name], "weight %s has no reaction", w.Name)
	}
}

func TestFeedbackToggleDropsLoop(t *testing.T) {
	cfg := Default()
	cfg.Feedback.TGFBFeedback = false
	table, err := cfg.Table()
	require.NoError(t, err)
	require.Empty(t, table.Feedback)
	require.Empty(t, table.Activation)

	sc, err := cfg.SpaceConfig(nil, nil)
	require.NoError(t, err)
	require.False(t, sc.Activation.Enabled)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fibrosim.yaml")
	cfg := Default()
	cfg.Run.Ticks = 12
	cfg.Grid.Boundary = "wrap"
	cfg.Mitosis.InheritState = true
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}

func TestLoadPartialOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	doc := "run:\n  ticks: 5\n  seed: 9\n  initial_agents: 3\ngrid:\n  width: 4\n  height: 4\n  boundary: wrap\n  cells_per_grid: 1\n  kernel: moore\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Run.Ticks)
	require.Equal(t, 4, cfg.Grid.Width)
	require.Len(t, cfg.Fields, 6, "unspecified sections keep defaults")

	missing, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), missing)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("run: [1, 2"), 0o644))
	_, err = Load(bad)
	require.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"negative ticks":       func(c *Config) { c.Run.Ticks = -1 },
		"grid":                 func(c *Config) { c.Grid.Width = 0 },
		"boundary":             func(c *Config) { c.Grid.Boundary = "moebius" },
		"kernel":               func(c *Config) { c.Grid.Kernel = "hex" },
		"capacity":             func(c *Config) { c.Run.InitialAgents = 101 },
		"time constant":        func(c *Config) { c.Feedback.TimeConstant = 0 },
		"timeout":              func(c *Config) { c.Solver.Timeout = "soon" },
		"signal without field": func(c *Config) { c.Signal.Path = "signal.csv" },
		"interval":             func(c *Config) { c.Output.Interval = 0 },
		"collagen tau":         func(c *Config) { c.Behavior.CollagenTimeConstant = 0 },
		"mitosis above one":    func(c *Config) { c.Behavior.Mitosis.Max = 1.5 },
		"apoptosis":            func(c *Config) { c.Behavior.ApoptosisProbability = -0.1 },
		"inverted speed":       func(c *Config) { c.Behavior.Speed = RateRange{Min: 0.4, Max: 0.1} },
		"negative deposition":  func(c *Config) { c.Behavior.Deposition.Min = -1 },
		"nan degradation":      func(c *Config) { c.Behavior.Degradation.Max = math.NaN() },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	mappingCases := map[string]func(*Config){
		"unknown sense field": func(c *Config) { c.Network.Sense[0].Field = "IL17" },
		"state index":         func(c *Config) { c.Network.SpeedIndex = 91 },
		"collagen field":      func(c *Config) { c.Network.CollagenField = "elastin" },
	}
	for name, mutate := range mappingCases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), mapping.ErrInvalidMapping)
		})
	}
}

func TestValidateAcceptsFastAgents(t *testing.T) {
	cfg := Default()
	cfg.Behavior.Speed = RateRange{Min: 0.5, Max: 2}
	cfg.Behavior.Deposition.Max = 25
	require.NoError(t, cfg.Validate())
}

func TestSpaceConfigResolvesNames(t *testing.T) {
	cfg := Default()
	cfg.Weights.Enabled = true
	cfg.Signal.Field = "TNFalpha"
	initial := make([]float64, 91)

	sc, err := cfg.SpaceConfig(initial, []float64{1, 0.5})
	require.NoError(t, err)
	require.Equal(t, lattice.Reflective, sc.Boundary)
	require.Len(t, sc.Fields, 6)
	require.NotNil(t, sc.Fields[0].Gradient)
	require.Equal(t, "y", sc.Fields[0].Gradient.Axis)
	require.Nil(t, sc.Fields[5].Gradient)
	require.Len(t, sc.Weights, 4)
	require.Equal(t, 3, sc.Weights[1].Field)
	require.NotNil(t, sc.Signal)
	require.Equal(t, 4, sc.Signal.Field)
	require.Equal(t, []int{5, 0, 1}, sc.SnapshotFields)
	require.Len(t, sc.Aggregates, 8)
	require.True(t, sc.Activation.Enabled)
	require.InDelta(t, 0.05, sc.Activation.ActiveDegradation, 1e-12)
	require.Equal(t, 30*time.Second, sc.SolverTimeout)
}
