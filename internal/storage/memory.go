package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"fibrosim/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	summaries   map[string][]model.TickSummary
	agents      map[string][]model.AgentRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.summaries = make(map[string][]model.TickSummary)
	s.agents = make(map[string][]model.AgentRecord)
	return nil
}

func (s *MemoryStore) ready() error {
	if !s.initialized {
		return errors.New("store is not initialized")
	}
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}

	run.Config = append([]byte(nil), run.Config...)
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return model.RunRecord{}, false, err
	}

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, err
	}

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

func (s *MemoryStore) SaveTickSummaries(_ context.Context, runID string, summaries []model.TickSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}

	s.summaries[runID] = copySummaries(summaries)
	return nil
}

func (s *MemoryStore) GetTickSummaries(_ context.Context, runID string) ([]model.TickSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, false, err
	}

	summaries, ok := s.summaries[runID]
	if !ok {
		return nil, false, nil
	}
	return copySummaries(summaries), true, nil
}

func (s *MemoryStore) SaveFinalAgents(_ context.Context, runID string, agents []model.AgentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(); err != nil {
		return err
	}

	s.agents[runID] = copyAgents(agents)
	return nil
}

func (s *MemoryStore) GetFinalAgents(_ context.Context, runID string) ([]model.AgentRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ready(); err != nil {
		return nil, false, err
	}

	agents, ok := s.agents[runID]
	if !ok {
		return nil, false, nil
	}
	return copyAgents(agents), true, nil
}

func copySummaries(in []model.TickSummary) []model.TickSummary {
	out := make([]model.TickSummary, len(in))
	for i, s := range in {
		s.Aggregates = append([]model.Aggregate(nil), s.Aggregates...)
		s.FieldTotals = append([]model.Aggregate(nil), s.FieldTotals...)
		out[i] = s
	}
	return out
}

func copyAgents(in []model.AgentRecord) []model.AgentRecord {
	out := make([]model.AgentRecord, len(in))
	for i, a := range in {
		a.State = append([]float64(nil), a.State...)
		out[i] = a
	}
	return out
}

func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].CreatedAt.After(runs[j].CreatedAt)
		}
		return runs[i].ID < runs[j].ID
	})
}
