package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fibrosim/internal/model"
)

const (
	runIndexFile    = "run_index.json"
	configFile      = "config.json"
	summariesFile   = "summaries.json"
	finalAgentsFile = "final_agents.json"
)

// RunConfig is the descriptive header written next to a run's output.
// Config carries the full YAML-derived configuration as JSON.
type RunConfig struct {
	RunID         string          `json:"run_id"`
	Solver        string          `json:"solver"`
	Seed          int64           `json:"seed"`
	Ticks         int             `json:"ticks"`
	Width         int             `json:"width"`
	Height        int             `json:"height"`
	InitialAgents int             `json:"initial_agents"`
	Config        json.RawMessage `json:"config,omitempty"`
}

type RunArtifacts struct {
	Config      RunConfig           `json:"config"`
	Summaries   []model.TickSummary `json:"summaries"`
	FinalAgents []model.AgentRecord `json:"final_agents"`
}

type RunIndexEntry struct {
	RunID         string `json:"run_id"`
	Solver        string `json:"solver"`
	Seed          int64  `json:"seed"`
	Ticks         int    `json:"ticks"`
	InitialAgents int    `json:"initial_agents"`
	FinalAgents   int    `json:"final_agents"`
	SkippedSolves int    `json:"skipped_solves"`
	CreatedAtUTC  string `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if strings.TrimSpace(artifacts.Config.RunID) == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, summariesFile), artifacts.Summaries); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, finalAgentsFile), artifacts.FinalAgents); err != nil {
		return "", err
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first. Entries with equal
// timestamps keep the later-appended one first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := entries[order[i]], entries[order[j]]
		if a.CreatedAtUTC == b.CreatedAtUTC {
			return order[i] > order[j]
		}
		return a.CreatedAtUTC > b.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(entries))
	for _, idx := range order {
		sorted = append(sorted, entries[idx])
	}
	return sorted, nil
}

// ExportRunArtifacts copies every regular file of a run directory into
// outDir/<runID>. The JSON artifacts must exist; CSV and plot output is
// copied when present.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	for _, file := range []string{configFile, summariesFile, finalAgentsFile} {
		if _, err := os.Stat(filepath.Join(src, file)); err != nil {
			return "", err
		}
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err := copyFile(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadSummaries(baseDir, runID string) ([]model.TickSummary, bool, error) {
	var summaries []model.TickSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, summariesFile), &summaries)
	return summaries, ok, err
}

func ReadFinalAgents(baseDir, runID string) ([]model.AgentRecord, bool, error) {
	var agents []model.AgentRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, finalAgentsFile), &agents)
	return agents, ok, err
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
